// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/tunnel"
	"github.com/flowforge/device-agent/pkg/util/log"
)

// StartEditor opens the reverse editor tunnel with the platform-issued
// token. The returned flag reports tunnel readiness within the connect
// window, not token validity: a bad token surfaces as the tunnel closing
// and never reaching connected.
func (a *Agent) StartEditor(ctx context.Context, token string) bool {
	if token == "" {
		log.Warn("Editor start requested without a token") //nolint:errcheck
		return false
	}
	if l := a.launcherRef(); l == nil || l.State() != api.StateRunning {
		log.Warn("Editor tunnel requested while the runtime is not running") //nolint:errcheck
	}

	// A fresh token replaces any previous tunnel wholesale.
	a.stopTunnel()

	var tun *tunnel.Tunnel
	t, err := tunnel.New(tunnel.Options{
		DeviceID:  a.cfg.DeviceID,
		ForgeURL:  a.cfg.ForgeURL,
		Token:     token,
		Port:      a.cfg.Port,
		TLSConfig: a.cfg.TLSConfig(),
		Clock:     a.clk,
		OnStopped: func() { a.onTunnelStopped(tun) },
	})
	if err != nil {
		log.Errorf("Editor tunnel setup failed: %v", err) //nolint:errcheck
		return false
	}
	tun = t

	a.editorMu.Lock()
	a.tun = tun
	a.editorMu.Unlock()

	log.Info("Editor tunnel requested by the platform")
	tun.Start()
	connected := tun.WaitConnected(ctx)
	a.publishDirty()
	return connected
}

// StopEditor tears the tunnel down. Stopping an already stopped editor is
// fine.
func (a *Agent) StopEditor(context.Context) error {
	a.stopTunnel()
	return nil
}

// stopTunnel drops the tunnel slot before stopping the tunnel itself: its
// OnStopped callback takes editorMu, so it must never fire while we hold it.
func (a *Agent) stopTunnel() {
	a.editorMu.Lock()
	tun := a.tun
	a.tun = nil
	a.editorMu.Unlock()
	if tun == nil {
		return
	}
	log.Info("Editor tunnel closed")
	tun.Stop()
	a.publishDirty()
}

// onTunnelStopped runs on the tunnel goroutine when the tunnel ends for any
// reason. The slot is cleared only if it still holds that tunnel; a
// replacement may already be in.
func (a *Agent) onTunnelStopped(tun *tunnel.Tunnel) {
	a.editorMu.Lock()
	if a.tun == tun {
		a.tun = nil
	}
	a.editorMu.Unlock()
	a.publishDirty()
}

func (a *Agent) tunnelRef() *tunnel.Tunnel {
	a.editorMu.Lock()
	defer a.editorMu.Unlock()
	return a.tun
}
