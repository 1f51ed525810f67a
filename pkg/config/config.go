// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads and validates the device configuration file. A
// device file carries either a device identity (claimed) or provisioning
// credentials (unclaimed); the two are mutually exclusive and drive which
// mode the agent starts in.
package config

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/viper"
	yaml "gopkg.in/yaml.v2"
)

// Defaults applied when the device file leaves them unset.
const (
	DefaultPort     = 1880
	DefaultInterval = 30
	DefaultDir      = "/opt/flowforge-device"

	// DefaultFileName is the device file looked up inside the working
	// directory when no explicit path is given.
	DefaultFileName = "device.yml"
)

// envPrefix is the prefix for environment overrides, e.g. FF_DEVICE_TOKEN.
const envPrefix = "FF_DEVICE"

// HTTPSConfig points at PEM files served to the local runtime.
type HTTPSConfig struct {
	KeyPath  string `mapstructure:"keyPath" yaml:"keyPath,omitempty"`
	CAPath   string `mapstructure:"caPath" yaml:"caPath,omitempty"`
	CertPath string `mapstructure:"certPath" yaml:"certPath,omitempty"`

	// Inline PEM material takes precedence over the path variants when the
	// platform delivers certificates by value.
	Key  string `mapstructure:"key" yaml:"key,omitempty"`
	CA   string `mapstructure:"ca" yaml:"ca,omitempty"`
	Cert string `mapstructure:"cert" yaml:"cert,omitempty"`
}

// HTTPNodeAuth protects the runtime's HTTP nodes with basic auth. Pass may
// be a literal password or a bcrypt hash; the runtime accepts both.
type HTTPNodeAuth struct {
	User string `mapstructure:"user" yaml:"user"`
	Pass string `mapstructure:"pass" yaml:"pass"`
}

// Config is the parsed device file. It is immutable once the agent starts.
type Config struct {
	DeviceID         string `mapstructure:"deviceId" yaml:"deviceId,omitempty"`
	Token            string `mapstructure:"token" yaml:"token,omitempty"`
	CredentialSecret string `mapstructure:"credentialSecret" yaml:"credentialSecret,omitempty"`
	ForgeURL         string `mapstructure:"forgeURL" yaml:"forgeURL"`
	Port             int    `mapstructure:"port" yaml:"port,omitempty"`
	Dir              string `mapstructure:"dir" yaml:"dir,omitempty"`
	Interval         int    `mapstructure:"interval" yaml:"interval,omitempty"`

	BrokerURL      string `mapstructure:"brokerURL" yaml:"brokerURL,omitempty"`
	BrokerUsername string `mapstructure:"brokerUsername" yaml:"brokerUsername,omitempty"`
	BrokerPassword string `mapstructure:"brokerPassword" yaml:"brokerPassword,omitempty"`

	HTTPS           *HTTPSConfig  `mapstructure:"https" yaml:"https,omitempty"`
	HTTPStatic      string        `mapstructure:"httpStatic" yaml:"httpStatic,omitempty"`
	HTTPNodeAuth    *HTTPNodeAuth `mapstructure:"httpNodeAuth" yaml:"httpNodeAuth,omitempty"`
	AutoProvisioned bool          `mapstructure:"autoProvisioned" yaml:"autoProvisioned,omitempty"`

	// InsecureSkipVerify disables TLS certificate verification towards the
	// platform and broker. Development platforms with self-signed
	// certificates only.
	InsecureSkipVerify bool `mapstructure:"insecureSkipVerify" yaml:"insecureSkipVerify,omitempty"`

	ProvisioningName  string `mapstructure:"provisioningName" yaml:"provisioningName,omitempty"`
	ProvisioningTeam  string `mapstructure:"provisioningTeam" yaml:"provisioningTeam,omitempty"`
	ProvisioningToken string `mapstructure:"provisioningToken" yaml:"provisioningToken,omitempty"`

	// Extras holds user-supplied keys the agent does not interpret, in file
	// order with their original casing. They survive provisioning rewrites.
	Extras yaml.MapSlice `mapstructure:"-" yaml:"-"`

	// Path is where the file was read from; provisioning rewrites it.
	Path string `mapstructure:"-" yaml:"-"`
}

// knownKeys are the top-level keys the Config struct models; everything
// else in the file lands in Extras.
var knownKeys = map[string]bool{
	"deviceId": true, "token": true, "credentialSecret": true,
	"forgeURL": true, "port": true, "dir": true, "interval": true,
	"brokerURL": true, "brokerUsername": true, "brokerPassword": true,
	"https": true, "httpStatic": true, "httpNodeAuth": true,
	"autoProvisioned": true, "insecureSkipVerify": true,
	"provisioningName": true, "provisioningTeam": true, "provisioningToken": true,
}

// reservedKeys never survive a provisioning rewrite, whether the agent
// models them or not.
var reservedKeys = map[string]bool{
	"provisioningMode": true, "provisioningName": true,
	"provisioningTeam": true, "provisioningToken": true,
	"token": true, "forgeURL": true, "deviceId": true,
	"credentialSecret": true, "deviceFile": true,
	"brokerURL": true, "brokerUsername": true, "brokerPassword": true,
	"autoProvisioned": true, "cliSetup": true,
}

// Load reads and validates the device file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	for _, key := range []string{
		"deviceId", "token", "credentialSecret", "forgeURL", "port",
		"interval", "brokerURL", "brokerUsername", "brokerPassword",
	} {
		v.BindEnv(key, envPrefix+"_"+strings.ToUpper(key)) //nolint:errcheck
	}

	v.SetDefault("port", DefaultPort)
	v.SetDefault("interval", DefaultInterval)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("unable to read device file %s: %w", path, err)
	}

	cfg := &Config{Path: path}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to parse device file %s: %w", path, err)
	}

	extras, err := readExtras(path)
	if err != nil {
		return nil, err
	}
	cfg.Extras = extras

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readExtras re-reads the file with a plain YAML pass so unknown keys keep
// their exact casing and order. Viper lowercases keys, which would corrupt a
// verbatim rewrite.
func readExtras(path string) (yaml.MapSlice, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc yaml.MapSlice
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unable to parse device file %s: %w", path, err)
	}

	var extras yaml.MapSlice
	for _, item := range doc {
		key, ok := item.Key.(string)
		if !ok {
			continue
		}
		if !knownKeys[key] && !reservedKeys[key] {
			extras = append(extras, item)
		}
	}
	return extras, nil
}

// QuickConnect builds an in-memory provisioning configuration from the
// --ff-url and --ff-token flags, for hosts that have no device file yet. The
// claimed identity lands at path once the platform accepts the device.
func QuickConnect(forgeURL, token, path string, port int) (*Config, error) {
	u, err := url.Parse(forgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("--ff-url must be an http(s) URL")
	}
	if port == 0 {
		port = DefaultPort
	}
	// The hostname makes a reasonable default device name; the platform
	// dedupes.
	name, _ := os.Hostname()
	return &Config{
		ForgeURL:          strings.TrimRight(forgeURL, "/"),
		ProvisioningToken: token,
		ProvisioningName:  name,
		Port:              port,
		Interval:          DefaultInterval,
		Path:              path,
	}, nil
}

// Provisioning reports whether this configuration describes an unclaimed
// device waiting for the platform to issue its identity.
func (c *Config) Provisioning() bool {
	return c.ProvisioningToken != "" && (c.DeviceID == "" || c.Token == "")
}

// Validate enforces the required key set for the configuration's mode.
func (c *Config) Validate() error {
	if c.ForgeURL == "" {
		return fmt.Errorf("device file %s: forgeURL is required", c.Path)
	}
	u, err := url.Parse(c.ForgeURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("device file %s: forgeURL must be an http(s) URL", c.Path)
	}

	if c.Provisioning() {
		if c.ProvisioningTeam == "" {
			return fmt.Errorf("device file %s: provisioningTeam is required", c.Path)
		}
	} else {
		for key, val := range map[string]string{
			"deviceId":         c.DeviceID,
			"token":            c.Token,
			"credentialSecret": c.CredentialSecret,
		} {
			if val == "" {
				return fmt.Errorf("device file %s: %s is required", c.Path, key)
			}
		}
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("device file %s: port %d out of range", c.Path, c.Port)
	}

	if c.HTTPNodeAuth != nil {
		if c.HTTPNodeAuth.User == "" || c.HTTPNodeAuth.Pass == "" {
			return fmt.Errorf("device file %s: httpNodeAuth requires both user and pass", c.Path)
		}
	}
	return nil
}

// TeamID extracts the team identity from brokerUsername, which the platform
// issues as device:TEAMID:deviceId. Empty when no broker is configured or
// the username is malformed.
func (c *Config) TeamID() string {
	parts := strings.Split(c.BrokerUsername, ":")
	if len(parts) != 3 || parts[0] != "device" {
		return ""
	}
	return parts[1]
}

// TLSConfig returns the TLS settings shared by the platform client, the
// editor tunnel and the broker connection. Nil unless the device file opts
// out of certificate verification.
func (c *Config) TLSConfig() *tls.Config {
	if !c.InsecureSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true}
}
