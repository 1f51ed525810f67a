// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/platform"
	"github.com/flowforge/device-agent/pkg/statestore"
	"github.com/flowforge/device-agent/pkg/util/log"
)

// Snapshot and settings fetches retry a short fixed ladder before giving up;
// the next checkin redelivers the desired state anyway.
const fetchAttempts = 3

var fetchDelay = 2 * time.Second

// mailboxEntry is one pending reconciliation trigger. refresh asks the loop
// to sync over HTTP; otherwise desired carries a delivered state, where nil
// means the device is unassigned.
type mailboxEntry struct {
	refresh bool
	desired *api.DesiredState
}

// postDesired queues a delivered desired state for the control loop and
// wakes it. A second delivery before the loop gets there replaces the first;
// only the platform's latest word matters.
func (a *Agent) postDesired(in *api.DesiredState) {
	a.mailMu.Lock()
	a.pending = &mailboxEntry{desired: in}
	a.mailMu.Unlock()
	a.wakeLoop()
}

// postRefresh asks the loop for an HTTP checkin. A pending delivery wins
// over a refresh: applying it already brings the device up to date.
func (a *Agent) postRefresh() {
	a.mailMu.Lock()
	if a.pending == nil {
		a.pending = &mailboxEntry{refresh: true}
	}
	a.mailMu.Unlock()
	a.wakeLoop()
}

func (a *Agent) takeMail() (*mailboxEntry, bool) {
	a.mailMu.Lock()
	defer a.mailMu.Unlock()
	entry := a.pending
	a.pending = nil
	return entry, entry != nil
}

func (a *Agent) wakeLoop() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) handleMail(ctx context.Context, entry *mailboxEntry) {
	if entry.refresh {
		a.checkInNow(ctx)
		return
	}
	a.applyDesired(ctx, entry.desired, nil)
}

// fetched carries bodies the caller already pulled from the platform so a
// reconciliation does not fetch them twice.
type fetched struct {
	snapshot *api.Snapshot
	settings *api.Settings
}

// converge answers a 409 checkin: the platform holds a different target than
// the device reported. When the response named the target, apply it;
// otherwise fetch the live snapshot and settings and rebuild from those.
func (a *Agent) converge(ctx context.Context, desired *api.DesiredState) {
	if desired != nil {
		a.applyDesired(ctx, desired, nil)
		return
	}

	log.Info("Platform reports the device out of sync, fetching the target state")
	snap, err := a.fetchSnapshot(ctx, nil)
	if err != nil {
		a.noteFetchFailure("snapshot", err)
		return
	}
	set, err := a.fetchSettings(ctx, nil)
	if err != nil {
		a.noteFetchFailure("settings", err)
		return
	}

	st := a.tupleCopy()
	in := &api.DesiredState{
		Project:  st.Project,
		Snapshot: &snap.ID,
		Settings: &set.Hash,
		Mode:     st.Mode,
	}
	a.applyDesired(ctx, in, &fetched{snapshot: snap, settings: set})
}

// applyDesired reconciles one delivered desired state against the applied
// tuple. It only ever runs on the control loop. The persisted tuple moves
// strictly after the new state has been applied: a device restarting
// mid-update comes back on whatever last ran.
func (a *Agent) applyDesired(ctx context.Context, in *api.DesiredState, pre *fetched) {
	st := a.tupleCopy()

	// Unassigned: the platform no longer knows this device. Everything
	// goes, including the local artefacts and the editor tunnel.
	if in == nil {
		log.Info("Device unassigned from the platform, clearing the local state")
		a.stopTunnel()
		a.teardownLauncher(true)
		a.commit(&statestore.State{})
		a.setAgentState(api.StateStopped)
		return
	}

	// Mode moves first and sticks even when nothing else may be applied.
	modeChanged := false
	if in.Mode != "" && in.Mode != st.Mode {
		st.Mode = in.Mode
		modeChanged = true
		log.Infof("Device mode: %s", st.Mode)
		a.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, "Device mode set to "+st.Mode)
		if st.Mode != api.ModeDeveloper {
			// Editor access rides on developer mode.
			a.stopTunnel()
		}
	}

	// Developer mode pins the runtime to the local flows: the platform's
	// snapshot and settings are ignored until the device leaves the mode.
	// One exception: a device that has never run anything takes its first
	// snapshot so there is something to edit.
	if st.Mode == api.ModeDeveloper {
		bootstrap := a.currentAgentState() == api.StateUnknown &&
			st.Snapshot == nil && in.Project != nil && in.Snapshot != nil
		if !bootstrap {
			if modeChanged {
				a.commit(st)
			}
			log.Debug("Developer mode, platform state not applied")
			return
		}
		log.Info("Developer mode with no local snapshot, applying the platform's")
	}

	// Instance removed: the device keeps its device-level settings current
	// but drops the project, its snapshot and the materialized files.
	if in.Project == nil {
		if st.Project != nil {
			log.Infof("Device removed from instance %s", *st.Project)
		}
		a.teardownLauncher(true)
		st.Project = nil
		st.Snapshot = nil
		if in.Settings == nil {
			st.Settings = nil
		} else if st.Settings == nil || st.Settings.Hash != *in.Settings {
			if set, err := a.fetchSettings(ctx, pre); err != nil {
				// Keep what we have; the next delivery retries.
				a.noteFetchFailure("settings", err)
			} else {
				st.Settings = set
			}
		}
		a.commit(st)
		a.setAgentState(api.StateStopped)
		return
	}

	// Snapshot removed: the project assignment stays, nothing to run.
	if in.Snapshot == nil {
		if st.Snapshot != nil {
			log.Info("Snapshot unassigned, stopping the runtime")
		}
		a.teardownLauncher(true)
		st.Project = in.Project
		st.Snapshot = nil
		a.commit(st)
		a.setAgentState(api.StateStopped)
		return
	}

	projectChanged := !strPtrEq(in.Project, st.Project)
	newSnapshot := projectChanged || st.Snapshot == nil || st.Snapshot.ID != *in.Snapshot
	newSettings := projectChanged || st.Settings == nil ||
		(in.Settings != nil && st.Settings.Hash != *in.Settings)

	if !newSnapshot && !newSettings {
		if modeChanged {
			a.commit(st)
		}
		// Same tuple again. Make sure the runtime is actually up; never
		// restart one that already is.
		if err := a.ensureRunning(ctx, "reconcile"); err != nil {
			log.Errorf("Runtime start: %v", err) //nolint:errcheck
		}
		return
	}

	log.Infof("Applying snapshot %s", *in.Snapshot)
	a.setAgentState(api.StateUpdating)
	a.teardownLauncher(false)

	next := &statestore.State{
		Project:  in.Project,
		Snapshot: st.Snapshot,
		Settings: st.Settings,
		Mode:     st.Mode,
	}
	if newSnapshot {
		snap, err := a.fetchSnapshot(ctx, pre)
		if err != nil {
			a.noteFetchFailure("snapshot", err)
			a.setAgentState(api.StateError)
			return
		}
		next.Snapshot = snap
	}
	if newSettings {
		set, err := a.fetchSettings(ctx, pre)
		if err != nil {
			a.noteFetchFailure("settings", err)
			a.setAgentState(api.StateError)
			return
		}
		next.Settings = set
	}

	if err := a.launchTuple(ctx, next, "new snapshot"); err != nil {
		log.Errorf("Could not apply the new target: %v", err) //nolint:errcheck
		return
	}

	a.commit(next)
	if a.isSuspended() {
		a.setAgentState(api.StateSuspended)
	}
	a.publishDirty()
}

func (a *Agent) fetchSnapshot(ctx context.Context, pre *fetched) (*api.Snapshot, error) {
	if pre != nil && pre.snapshot != nil {
		return pre.snapshot, nil
	}
	var snap *api.Snapshot
	err := retry.Do(func() error {
		var err error
		snap, err = a.client.GetSnapshot(ctx)
		return err
	}, a.fetchOpts(ctx)...)
	return snap, err
}

func (a *Agent) fetchSettings(ctx context.Context, pre *fetched) (*api.Settings, error) {
	if pre != nil && pre.settings != nil {
		return pre.settings, nil
	}
	var set *api.Settings
	err := retry.Do(func() error {
		var err error
		set, err = a.client.GetSettings(ctx)
		return err
	}, a.fetchOpts(ctx)...)
	return set, err
}

// fetchOpts is the shared retry ladder. Revoked credentials end the retries
// at once; there is no recovering from those here.
func (a *Agent) fetchOpts(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(fetchAttempts),
		retry.Delay(fetchDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, platform.ErrRevoked)
		}),
	}
}

func (a *Agent) noteFetchFailure(what string, err error) {
	if errors.Is(err, platform.ErrRevoked) {
		a.halt()
		return
	}
	log.Errorf("Could not fetch the %s: %v", what, err) //nolint:errcheck
	a.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem,
		"Unable to retrieve the target "+what+" from the platform")
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
