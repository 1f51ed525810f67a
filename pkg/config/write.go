// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"path/filepath"

	yaml "gopkg.in/yaml.v2"

	"github.com/flowforge/device-agent/pkg/api"
)

const claimedHeader = "# Device configuration, written after provisioning. Do not edit the\n# identity fields by hand; user-supplied keys below them are preserved.\n"

// WriteClaimed replaces the device file with the claimed identity issued by
// the platform. User-supplied extras are carried over verbatim; reserved
// keys were already filtered at load time.
func WriteClaimed(base *Config, res *api.ProvisioningResult) error {
	doc := yaml.MapSlice{
		{Key: "deviceId", Value: res.DeviceID},
		{Key: "token", Value: res.Token},
	}

	secret := res.CredentialSecret
	if secret == "" {
		secret = base.CredentialSecret
	}
	if secret != "" {
		doc = append(doc, yaml.MapItem{Key: "credentialSecret", Value: secret})
	}

	doc = append(doc, yaml.MapItem{Key: "forgeURL", Value: base.ForgeURL})

	if res.BrokerURL != "" {
		doc = append(doc,
			yaml.MapItem{Key: "brokerURL", Value: res.BrokerURL},
			yaml.MapItem{Key: "brokerUsername", Value: res.BrokerUsername},
			yaml.MapItem{Key: "brokerPassword", Value: res.BrokerPassword},
		)
	}

	doc = append(doc, yaml.MapItem{Key: "port", Value: base.Port})
	if base.Dir != "" {
		doc = append(doc, yaml.MapItem{Key: "dir", Value: base.Dir})
	}
	if base.Interval > 0 && base.Interval != DefaultInterval {
		doc = append(doc, yaml.MapItem{Key: "interval", Value: base.Interval})
	}
	if base.HTTPStatic != "" {
		doc = append(doc, yaml.MapItem{Key: "httpStatic", Value: base.HTTPStatic})
	}
	if base.HTTPS != nil {
		doc = append(doc, yaml.MapItem{Key: "https", Value: base.HTTPS})
	}
	if base.HTTPNodeAuth != nil {
		doc = append(doc, yaml.MapItem{Key: "httpNodeAuth", Value: base.HTTPNodeAuth})
	}
	doc = append(doc, yaml.MapItem{Key: "autoProvisioned", Value: true})
	doc = append(doc, base.Extras...)

	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(base.Path, append([]byte(claimedHeader), data...))
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path. The device file holds credentials, so it is written
// with owner-only permissions.
func writeFileAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name()) //nolint:errcheck

	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Chmod(f.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
