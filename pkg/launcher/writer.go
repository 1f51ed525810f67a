// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
)

// Artefact file names inside the project directory.
const (
	packageFile     = "package.json"
	packageLockFile = "package-lock.json"
	flowsFile       = "flows.json"
	credentialsFile = "flows_cred.json"
	settingsJSON    = "settings.json"
	settingsJS      = "settings.js"
	npmrcFile       = ".npmrc"
	httpsKeyFile    = "key.pem"
	httpsCAFile     = "ca.pem"
	httpsCertFile   = "cert.pem"
)

// runtimeSettings is the agent half of settings.json. settings.js reads it
// back at runtime start, so every key here is part of the launcher-runtime
// contract.
type runtimeSettings struct {
	CredentialSecret string         `json:"credentialSecret,omitempty"`
	Port             int            `json:"port"`
	Forge            forgeSettings  `json:"flowforge"`
	HTTPS            *httpsSettings `json:"https,omitempty"`
	HTTPStatic       string         `json:"httpStatic,omitempty"`
	HTTPNodeAuth     *httpNodeAuth  `json:"httpNodeAuth,omitempty"`
	EditorTheme      *editorTheme   `json:"editorTheme,omitempty"`
}

type forgeSettings struct {
	ForgeURL    string           `json:"forgeURL"`
	DeviceID    string           `json:"deviceId"`
	TeamID      string           `json:"teamID,omitempty"`
	ProjectID   string           `json:"projectID,omitempty"`
	AuditLogger auditLoggerBlock `json:"auditLogger"`
	ProjectLink *projectLink     `json:"projectLink,omitempty"`
}

type auditLoggerBlock struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type projectLink struct {
	FeatureEnabled bool        `json:"featureEnabled"`
	Broker         brokerCreds `json:"broker"`
}

type brokerCreds struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type httpsSettings struct {
	KeyPath  string `json:"keyPath"`
	CertPath string `json:"certPath"`
	CAPath   string `json:"caPath,omitempty"`
}

type httpNodeAuth struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

type editorTheme struct {
	Palette paletteTheme `json:"palette"`
}

type paletteTheme struct {
	Catalogues []string `json:"catalogues"`
}

type packageJSON struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	Private      bool              `json:"private"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// WriteConfiguration materializes the snapshot and settings into the project
// directory: package manifest, flows, credentials, the runtime settings pair
// and the optional npm/TLS side files.
func (l *Launcher) WriteConfiguration() error {
	if l.snapshot == nil {
		return errors.New("no snapshot to materialize")
	}
	if err := os.MkdirAll(l.projectDir, 0o755); err != nil {
		return errors.Wrap(err, "unable to create project directory")
	}

	deps := l.targetDependencies()
	l.mu.Lock()
	l.depsChanged = !sameDependencies(deps, installedDependencies(filepath.Join(l.projectDir, packageFile)))
	l.mu.Unlock()

	if err := l.writePackage(deps); err != nil {
		return err
	}
	if err := l.writeFlows(); err != nil {
		return err
	}
	if err := l.writeCredentials(); err != nil {
		return err
	}
	httpsBlock, err := l.writeHTTPSMaterial()
	if err != nil {
		return err
	}
	if err := l.writeSettings(httpsBlock); err != nil {
		return err
	}
	if err := l.writeNPMRC(); err != nil {
		return err
	}
	return nil
}

// targetDependencies is the module closure the runtime needs: the snapshot's
// modules with node-red pinned, the settings' editor version taking
// precedence over the snapshot's.
func (l *Launcher) targetDependencies() map[string]string {
	deps := make(map[string]string, len(l.snapshot.Modules)+1)
	for name, version := range l.snapshot.Modules {
		deps[name] = version
	}
	if _, ok := deps["node-red"]; !ok {
		deps["node-red"] = "latest"
	}
	if l.settings != nil && l.settings.Editor != nil && l.settings.Editor.NodeRedVersion != "" {
		deps["node-red"] = l.settings.Editor.NodeRedVersion
	}
	return deps
}

// installedDependencies reads the dependency map of an existing package
// manifest. Missing or unreadable manifests return nil, which never equals a
// non-empty target and therefore forces an install.
func installedDependencies(path string) map[string]string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil
	}
	return pkg.Dependencies
}

func sameDependencies(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (l *Launcher) writePackage(deps map[string]string) error {
	pkg := packageJSON{
		Name:         "flowforge-project",
		Description:  l.snapshot.Description,
		Private:      true,
		Version:      "0.0.1",
		Dependencies: deps,
	}
	if pkg.Description == "" {
		pkg.Description = l.snapshot.Name
	}
	return l.writeJSON(packageFile, pkg, 0o644)
}

func (l *Launcher) writeFlows() error {
	if err := api.ValidateFlows(l.snapshot.Flows); err != nil {
		return err
	}
	flows := l.snapshot.Flows
	if flows == nil {
		flows = []map[string]interface{}{}
	}
	return l.writeJSON(flowsFile, flows, 0o600)
}

func (l *Launcher) writeCredentials() error {
	creds := l.snapshot.Credentials
	if creds == nil {
		creds = map[string]interface{}{}
	}
	return l.writeJSON(credentialsFile, creds, 0o600)
}

// writeHTTPSMaterial persists inline PEM material delivered by the platform
// and returns the https block for settings.json. Path-based configuration is
// referenced in place.
func (l *Launcher) writeHTTPSMaterial() (*httpsSettings, error) {
	hc := l.cfg.HTTPS
	if hc == nil {
		return nil, nil
	}

	block := &httpsSettings{KeyPath: hc.KeyPath, CertPath: hc.CertPath, CAPath: hc.CAPath}
	pems := []struct {
		inline string
		file   string
		target *string
	}{
		{hc.Key, httpsKeyFile, &block.KeyPath},
		{hc.Cert, httpsCertFile, &block.CertPath},
		{hc.CA, httpsCAFile, &block.CAPath},
	}
	for _, pem := range pems {
		if pem.inline == "" {
			continue
		}
		path := filepath.Join(l.projectDir, pem.file)
		if err := os.WriteFile(path, []byte(pem.inline), 0o600); err != nil {
			return nil, errors.Wrapf(err, "unable to write %s", pem.file)
		}
		*pem.target = path
	}

	if block.KeyPath == "" || block.CertPath == "" {
		return nil, errors.New("https configuration requires both key and cert")
	}
	return block, nil
}

func (l *Launcher) writeSettings(httpsBlock *httpsSettings) error {
	rs := runtimeSettings{
		CredentialSecret: l.cfg.CredentialSecret,
		Port:             l.cfg.Port,
		Forge: forgeSettings{
			ForgeURL: l.cfg.ForgeURL,
			DeviceID: l.cfg.DeviceID,
			TeamID:   l.cfg.TeamID(),
			AuditLogger: auditLoggerBlock{
				URL:   fmt.Sprintf("%s/logging/device/%s/audit", l.cfg.ForgeURL, l.cfg.DeviceID),
				Token: l.cfg.Token,
			},
		},
		HTTPS:      httpsBlock,
		HTTPStatic: l.cfg.HTTPStatic,
	}
	if l.project != nil {
		rs.Forge.ProjectID = *l.project
	}
	if l.cfg.HTTPNodeAuth != nil {
		rs.HTTPNodeAuth = &httpNodeAuth{User: l.cfg.HTTPNodeAuth.User, Pass: l.cfg.HTTPNodeAuth.Pass}
	}
	if l.settings != nil && l.settings.Palette != nil && len(l.settings.Palette.Catalogues) > 0 {
		rs.EditorTheme = &editorTheme{Palette: paletteTheme{Catalogues: l.settings.Palette.Catalogues}}
	}

	if l.cfg.BrokerURL != "" {
		link := &projectLink{
			FeatureEnabled: true,
			Broker: brokerCreds{
				URL:      l.cfg.BrokerURL,
				Username: l.cfg.BrokerUsername,
				Password: l.cfg.BrokerPassword,
			},
		}
		// With projectComms disabled the keys stay present but carry empty
		// strings; older runtimes probe for the keys, not the values.
		if !l.settings.ProjectComms() {
			link.FeatureEnabled = false
			link.Broker = brokerCreds{URL: "", Username: "", Password: ""}
		}
		rs.Forge.ProjectLink = link
	}

	if err := l.writeJSON(settingsJSON, rs, 0o600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(l.projectDir, settingsJS), []byte(settingsTemplate), 0o644)
}

// writeNPMRC writes the platform-supplied npm configuration, or removes a
// stale one when the settings no longer carry any.
func (l *Launcher) writeNPMRC() error {
	path := filepath.Join(l.projectDir, npmrcFile)
	if l.settings != nil && l.settings.Palette != nil && l.settings.Palette.NPMRC != "" {
		return os.WriteFile(path, []byte(l.settings.Palette.NPMRC), 0o600)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (l *Launcher) writeJSON(name string, v interface{}, mode os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return errors.Wrapf(err, "unable to encode %s", name)
	}
	if err := os.WriteFile(filepath.Join(l.projectDir, name), data, mode); err != nil {
		return errors.Wrapf(err, "unable to write %s", name)
	}
	return nil
}

// ReadFlows returns the on-disk flows file, nil when none was written.
func (l *Launcher) ReadFlows() (json.RawMessage, error) {
	return l.readArtefact(flowsFile)
}

// ReadCredentials returns the on-disk credentials file, nil when none was
// written.
func (l *Launcher) ReadCredentials() (json.RawMessage, error) {
	return l.readArtefact(credentialsFile)
}

// ReadPackage returns the on-disk package manifest, nil when none was
// written.
func (l *Launcher) ReadPackage() (json.RawMessage, error) {
	return l.readArtefact(packageFile)
}

func (l *Launcher) readArtefact(name string) (json.RawMessage, error) {
	raw, err := os.ReadFile(filepath.Join(l.projectDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// CleanArtefacts removes every generated file. node_modules survives so a
// later deployment of the same module set skips the install.
func (l *Launcher) CleanArtefacts() error {
	var result *multierror.Error
	for _, name := range []string{
		packageFile, packageLockFile, flowsFile, credentialsFile,
		settingsJSON, settingsJS, npmrcFile,
		httpsKeyFile, httpsCAFile, httpsCertFile,
	} {
		if err := os.Remove(filepath.Join(l.projectDir, name)); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
