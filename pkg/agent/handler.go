// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/launcher"
	"github.com/flowforge/device-agent/pkg/util/log"
)

// The agent is the broker's Handler: commands arriving over MQTT land here
// and are forwarded to the control loop, which answers one at a time.

type actionRequest struct {
	action string
	reply  chan error
}

// HandleUpdate takes a platform-pushed desired state. Deliveries go through
// the mailbox so the loop applies them serially, newest first.
func (a *Agent) HandleUpdate(state *api.DesiredState) {
	a.postDesired(state)
}

// RefreshNeeded fires when the broker connected but no update followed; the
// loop syncs over HTTP instead.
func (a *Agent) RefreshNeeded() {
	a.postRefresh()
}

// HandleAction ships a lifecycle action to the control loop and waits for
// its verdict.
func (a *Agent) HandleAction(ctx context.Context, action string) error {
	req := actionRequest{action: action, reply: make(chan error, 1)}
	select {
	case a.actionCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return errors.New("agent is shutting down")
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAction executes one lifecycle action on the control loop.
func (a *Agent) runAction(ctx context.Context, action string) error {
	log.Infof("Remote action: %s", action)
	switch action {
	case "start":
		st := a.tupleCopy()
		if st.Project == nil || st.Snapshot == nil {
			return errors.New("no snapshot to start")
		}
		a.setSuspended(false)
		return a.ensureRunning(ctx, "remote start")
	case "restart":
		a.setSuspended(false)
		l := a.launcherRef()
		if l == nil {
			st := a.tupleCopy()
			if st.Project == nil || st.Snapshot == nil {
				return errors.New("no snapshot to restart")
			}
			return a.ensureRunning(ctx, "remote restart")
		}
		if err := l.Stop(false); err != nil {
			return err
		}
		return l.Start("remote restart")
	case "suspend":
		a.setSuspended(true)
		if l := a.launcherRef(); l != nil {
			if err := l.Stop(false); err != nil {
				return err
			}
		}
		a.setAgentState(api.StateSuspended)
		return nil
	default:
		return errors.Errorf("unsupported action %q", action)
	}
}

// SnapshotFiles reads back the materialized artefacts for an upload command.
func (a *Agent) SnapshotFiles() (json.RawMessage, json.RawMessage, json.RawMessage, error) {
	l := a.launcherRef()
	if l == nil {
		// No runtime up, but the files may still be on disk. A bare
		// launcher resolves the same paths.
		l = launcher.New(launcher.Options{Config: a.cfg})
	}
	flows, err := l.ReadFlows()
	if err != nil {
		return nil, nil, nil, err
	}
	creds, err := l.ReadCredentials()
	if err != nil {
		return nil, nil, nil, err
	}
	pkg, err := l.ReadPackage()
	if err != nil {
		return nil, nil, nil, err
	}
	return flows, creds, pkg, nil
}

// CurrentStatus is the payload the broker publishes on connect. It skips the
// runtime metrics scrape, which belongs to the control loop.
func (a *Agent) CurrentStatus() api.StatusReport {
	return a.statusReport(false)
}
