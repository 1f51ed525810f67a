// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
)

type testLauncherOpts struct {
	cfg      *config.Config
	project  *string
	snapshot *api.Snapshot
	settings *api.Settings
	mode     string
	auditor  Auditor
	onState  func(api.AgentState)
	clk      clock.Clock
}

func newTestLauncher(t *testing.T, o testLauncherOpts) *Launcher {
	t.Helper()
	if o.cfg == nil {
		o.cfg = &config.Config{
			DeviceID:         "device1",
			Token:            "token1",
			CredentialSecret: "secret1",
			ForgeURL:         "https://forge.example.com",
			Port:             1880,
			Dir:              t.TempDir(),
			Interval:         30,
		}
	}
	if o.snapshot == nil {
		o.snapshot = &api.Snapshot{
			ID:      "snap1",
			Name:    "snapshot one",
			Flows:   []map[string]interface{}{{"id": "n1", "type": "tab"}},
			Modules: map[string]string{"node-red-node-random": "0.4.1"},
		}
	}
	if o.mode == "" {
		o.mode = api.ModeAutonomous
	}
	return New(Options{
		Config:   o.cfg,
		Project:  o.project,
		Snapshot: o.snapshot,
		Settings: o.settings,
		Mode:     o.mode,
		Ring:     logbuffer.New(0),
		Auditor:  o.auditor,
		OnState:  o.onState,
		Clock:    o.clk,
	})
}

func TestWriteConfigurationArtefacts(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		DeviceID:         "device1",
		Token:            "token1",
		CredentialSecret: "secret1",
		ForgeURL:         "https://forge.example.com",
		Port:             1880,
		Dir:              dir,
		BrokerURL:        "wss://broker.example.com",
		BrokerUsername:   "device:team1:device1",
		BrokerPassword:   "brokerpw",
		HTTPStatic:       "/data/static",
		HTTPNodeAuth:     &config.HTTPNodeAuth{User: "nodes", Pass: "nodespw"},
		HTTPS:            &config.HTTPSConfig{Key: "KEYPEM", Cert: "CERTPEM", CA: "CAPEM"},
	}
	project := "project1"
	snap := &api.Snapshot{
		ID:          "snap1",
		Name:        "snapshot one",
		Description: "demo flows",
		Flows:       []map[string]interface{}{{"id": "n1", "type": "tab"}},
		Credentials: map[string]interface{}{"$": "encrypted"},
		Modules:     map[string]string{"node-red-node-random": "0.4.1"},
	}
	settings := &api.Settings{
		Hash: "hash1",
		Palette: &api.PaletteSettings{
			Catalogues: []string{"https://catalogue.example.com/catalogue.json"},
			NPMRC:      "registry=https://npm.example.com\n",
		},
	}
	l := newTestLauncher(t, testLauncherOpts{cfg: cfg, project: &project, snapshot: snap, settings: settings})
	require.NoError(t, l.WriteConfiguration())

	projectDir := l.ProjectDir()
	for _, name := range []string{
		packageFile, flowsFile, credentialsFile, settingsJSON, settingsJS,
		npmrcFile, httpsKeyFile, httpsCertFile, httpsCAFile,
	} {
		assert.FileExists(t, filepath.Join(projectDir, name))
	}

	raw, err := os.ReadFile(filepath.Join(projectDir, packageFile))
	require.NoError(t, err)
	var pkg packageJSON
	require.NoError(t, json.Unmarshal(raw, &pkg))
	assert.Equal(t, "demo flows", pkg.Description)
	assert.True(t, pkg.Private)
	assert.Equal(t, "0.4.1", pkg.Dependencies["node-red-node-random"])
	assert.Equal(t, "latest", pkg.Dependencies["node-red"])

	raw, err = os.ReadFile(filepath.Join(projectDir, settingsJSON))
	require.NoError(t, err)
	var rs runtimeSettings
	require.NoError(t, json.Unmarshal(raw, &rs))
	assert.Equal(t, "secret1", rs.CredentialSecret)
	assert.Equal(t, 1880, rs.Port)
	assert.Equal(t, "https://forge.example.com", rs.Forge.ForgeURL)
	assert.Equal(t, "device1", rs.Forge.DeviceID)
	assert.Equal(t, "team1", rs.Forge.TeamID)
	assert.Equal(t, "project1", rs.Forge.ProjectID)
	assert.Equal(t, "https://forge.example.com/logging/device/device1/audit", rs.Forge.AuditLogger.URL)
	assert.Equal(t, "token1", rs.Forge.AuditLogger.Token)
	require.NotNil(t, rs.Forge.ProjectLink)
	assert.True(t, rs.Forge.ProjectLink.FeatureEnabled)
	assert.Equal(t, "wss://broker.example.com", rs.Forge.ProjectLink.Broker.URL)
	assert.Equal(t, "device:team1:device1", rs.Forge.ProjectLink.Broker.Username)
	assert.Equal(t, "brokerpw", rs.Forge.ProjectLink.Broker.Password)
	assert.Equal(t, "/data/static", rs.HTTPStatic)
	require.NotNil(t, rs.HTTPNodeAuth)
	assert.Equal(t, "nodes", rs.HTTPNodeAuth.User)
	require.NotNil(t, rs.EditorTheme)
	assert.Equal(t, settings.Palette.Catalogues, rs.EditorTheme.Palette.Catalogues)

	// Inline PEM material lands next to the settings and the paths point at it.
	require.NotNil(t, rs.HTTPS)
	assert.Equal(t, filepath.Join(projectDir, httpsKeyFile), rs.HTTPS.KeyPath)
	key, err := os.ReadFile(rs.HTTPS.KeyPath)
	require.NoError(t, err)
	assert.Equal(t, "KEYPEM", string(key))

	flows, err := l.ReadFlows()
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"n1","type":"tab"}]`, string(flows))
	creds, err := l.ReadCredentials()
	require.NoError(t, err)
	assert.JSONEq(t, `{"$":"encrypted"}`, string(creds))

	js, err := os.ReadFile(filepath.Join(projectDir, settingsJS))
	require.NoError(t, err)
	assert.Contains(t, string(js), "module.exports")

	npmrc, err := os.ReadFile(filepath.Join(projectDir, npmrcFile))
	require.NoError(t, err)
	assert.Equal(t, settings.Palette.NPMRC, string(npmrc))
}

func TestNodeRedVersionPinning(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{snapshot: &api.Snapshot{ID: "s", Flows: []map[string]interface{}{}}})
	assert.Equal(t, "latest", l.targetDependencies()["node-red"])

	l = newTestLauncher(t, testLauncherOpts{snapshot: &api.Snapshot{
		ID:      "s",
		Flows:   []map[string]interface{}{},
		Modules: map[string]string{"node-red": "3.0.2"},
	}})
	assert.Equal(t, "3.0.2", l.targetDependencies()["node-red"])

	l = newTestLauncher(t, testLauncherOpts{
		snapshot: &api.Snapshot{ID: "s", Flows: []map[string]interface{}{}, Modules: map[string]string{"node-red": "3.0.2"}},
		settings: &api.Settings{Hash: "h", Editor: &api.EditorSettings{NodeRedVersion: "3.1.9"}},
	})
	assert.Equal(t, "3.1.9", l.targetDependencies()["node-red"])
}

func TestProjectCommsDisabledEmptiesBroker(t *testing.T) {
	cfg := &config.Config{
		DeviceID:         "device1",
		Token:            "token1",
		CredentialSecret: "secret1",
		ForgeURL:         "https://forge.example.com",
		Port:             1880,
		Dir:              t.TempDir(),
		BrokerURL:        "wss://broker.example.com",
		BrokerUsername:   "device:team1:device1",
		BrokerPassword:   "brokerpw",
	}
	settings := &api.Settings{Hash: "h", Features: map[string]bool{"projectComms": false}}
	l := newTestLauncher(t, testLauncherOpts{cfg: cfg, settings: settings})
	require.NoError(t, l.WriteConfiguration())

	raw, err := os.ReadFile(filepath.Join(l.ProjectDir(), settingsJSON))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))

	forge := doc["flowforge"].(map[string]interface{})
	link := forge["projectLink"].(map[string]interface{})
	assert.Equal(t, false, link["featureEnabled"])

	// The broker keys must stay present with empty values, not disappear.
	broker := link["broker"].(map[string]interface{})
	for _, key := range []string{"url", "username", "password"} {
		val, ok := broker[key]
		require.True(t, ok, "broker key %q missing", key)
		assert.Equal(t, "", val)
	}
}

func TestDepsChangeDetection(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	require.NoError(t, l.WriteConfiguration())
	assert.True(t, l.DepsChanged(), "first materialization always installs")

	require.NoError(t, l.WriteConfiguration())
	assert.False(t, l.DepsChanged(), "unchanged module set skips the install")

	l.snapshot.Modules["node-red-dashboard"] = "3.6.0"
	require.NoError(t, l.WriteConfiguration())
	assert.True(t, l.DepsChanged())
}

func TestNPMRCLifecycle(t *testing.T) {
	settings := &api.Settings{Hash: "h", Palette: &api.PaletteSettings{NPMRC: "registry=https://npm.example.com\n"}}
	l := newTestLauncher(t, testLauncherOpts{settings: settings})
	require.NoError(t, l.WriteConfiguration())
	assert.FileExists(t, filepath.Join(l.ProjectDir(), npmrcFile))

	settings.Palette.NPMRC = ""
	require.NoError(t, l.WriteConfiguration())
	assert.NoFileExists(t, filepath.Join(l.ProjectDir(), npmrcFile))
}

func TestCleanArtefactsKeepsModules(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	require.NoError(t, l.WriteConfiguration())

	installed := filepath.Join(l.ProjectDir(), "node_modules", "node-red-node-random")
	require.NoError(t, os.MkdirAll(installed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installed, "package.json"), []byte("{}"), 0o644))

	require.NoError(t, l.CleanArtefacts())
	assert.NoFileExists(t, filepath.Join(l.ProjectDir(), flowsFile))
	assert.NoFileExists(t, filepath.Join(l.ProjectDir(), settingsJSON))
	assert.FileExists(t, filepath.Join(installed, "package.json"))
}

func TestWriteConfigurationRejectsBadFlows(t *testing.T) {
	snap := &api.Snapshot{ID: "s", Flows: []map[string]interface{}{{"type": "tab"}}}
	l := newTestLauncher(t, testLauncherOpts{snapshot: snap})
	assert.Error(t, l.WriteConfiguration())
}

func TestHTTPSNeedsKeyAndCert(t *testing.T) {
	cfg := &config.Config{
		DeviceID:         "device1",
		Token:            "token1",
		CredentialSecret: "secret1",
		ForgeURL:         "https://forge.example.com",
		Port:             1880,
		Dir:              t.TempDir(),
		HTTPS:            &config.HTTPSConfig{CA: "CAPEM"},
	}
	l := newTestLauncher(t, testLauncherOpts{cfg: cfg})
	assert.Error(t, l.WriteConfiguration())
}

func TestReadArtefactsMissing(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	flows, err := l.ReadFlows()
	require.NoError(t, err)
	assert.Nil(t, flows)
	pkg, err := l.ReadPackage()
	require.NoError(t, err)
	assert.Nil(t, pkg)
}
