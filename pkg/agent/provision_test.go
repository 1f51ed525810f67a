// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build !windows

package agent

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
)

func (fp *fakePlatform) provisionAttempts() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.provisionTries
}

// writeProvisioningConfig lays down an unclaimed device file pointing at the
// fake platform and loads it the way the command line does.
func writeProvisioningConfig(t *testing.T, fp *fakePlatform) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.DefaultFileName)
	content := fmt.Sprintf(`provisioningName: factory-floor
provisioningTeam: team-1
provisioningToken: ffp_tok
forgeURL: %s
httpStatic: /data/static
myCustomKey: hello
`, fp.srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	cfg.Dir = dir
	return cfg
}

func TestProvisioningClaimsDevice(t *testing.T) {
	fp := newFakePlatform(t)
	fp.set(func(fp *fakePlatform) {
		fp.provisioned = &api.ProvisioningResult{
			DeviceID:         "dev-9",
			Token:            "ffd_new",
			CredentialSecret: "secret-9",
			BrokerURL:        "wss://broker.example.com",
			BrokerUsername:   "device:team-1:dev-9",
			BrokerPassword:   "bpw",
		}
	})
	cfg := writeProvisioningConfig(t, fp)

	a := New(cfg, logbuffer.New(0), clock.NewMock())
	require.ErrorIs(t, a.Run(context.Background()), ErrRelaunch,
		"a claimed device restarts on the rewritten file")

	claimed, err := config.Load(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", claimed.DeviceID)
	assert.Equal(t, "ffd_new", claimed.Token)
	assert.Equal(t, "secret-9", claimed.CredentialSecret)
	assert.Equal(t, "wss://broker.example.com", claimed.BrokerURL)
	assert.True(t, claimed.AutoProvisioned)
	assert.False(t, claimed.Provisioning())
	assert.Equal(t, "/data/static", claimed.HTTPStatic)

	raw, err := os.ReadFile(cfg.Path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "myCustomKey: hello", "user keys survive the rewrite")
	assert.NotContains(t, string(raw), "provisioningToken")
}

func TestProvisioningRetriesUntilClaimed(t *testing.T) {
	fp := newFakePlatform(t)
	fp.set(func(fp *fakePlatform) { fp.provisionCode = http.StatusInternalServerError })
	cfg := writeProvisioningConfig(t, fp)
	clk := clock.NewMock()
	a := New(cfg, logbuffer.New(0), clk)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, func() bool { return fp.provisionAttempts() >= 1 },
		5*time.Second, 20*time.Millisecond)
	fp.set(func(fp *fakePlatform) {
		fp.provisionCode = 0
		fp.provisioned = &api.ProvisioningResult{
			DeviceID:         "dev-9",
			Token:            "ffd_new",
			CredentialSecret: "secret-9",
		}
	})

	require.Eventually(t, func() bool {
		clk.Add(provisionRetryDelay)
		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrRelaunch)
			return true
		default:
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)

	assert.GreaterOrEqual(t, fp.provisionAttempts(), 2)
	claimed, err := config.Load(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, "dev-9", claimed.DeviceID)
}

func TestProvisioningRejectedToken(t *testing.T) {
	fp := newFakePlatform(t)
	fp.set(func(fp *fakePlatform) { fp.provisionCode = http.StatusUnauthorized })
	cfg := writeProvisioningConfig(t, fp)

	a := New(cfg, logbuffer.New(0), clock.NewMock())
	err := a.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRelaunch, "a rejected token must not loop forever")
	assert.Contains(t, err.Error(), "rejected")
	assert.Equal(t, 1, fp.provisionAttempts())
}

func TestProvisioningStopsCleanly(t *testing.T) {
	fp := newFakePlatform(t)
	fp.set(func(fp *fakePlatform) { fp.provisionCode = http.StatusInternalServerError })
	cfg := writeProvisioningConfig(t, fp)
	a := New(cfg, logbuffer.New(0), clock.NewMock())

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	require.Eventually(t, func() bool { return fp.provisionAttempts() >= 1 },
		5*time.Second, 20*time.Millisecond)

	a.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
