// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package agent runs the reconciliation control loop. The loop owns the
// desired-state tuple, the launcher and the editor tunnel slot; everything
// else talks to it through messages, so there is never more than one
// reconciliation in flight.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/broker"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/launcher"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/metrics"
	"github.com/flowforge/device-agent/pkg/platform"
	"github.com/flowforge/device-agent/pkg/statestore"
	"github.com/flowforge/device-agent/pkg/tunnel"
	"github.com/flowforge/device-agent/pkg/util/log"
)

// ErrRelaunch tells the caller to rebuild the agent from the configuration
// file and run it again. Provisioning ends this way: the claimed identity
// lands in the config file, not in the running process.
var ErrRelaunch = errors.New("restart the agent with the updated configuration")

// checkinFloor is the minimum spacing between HTTP checkins. Triggers
// arriving faster than this are dropped, not queued.
const checkinFloor = time.Second

// shutdownCheckinBudget bounds the final stopped checkin during shutdown.
const shutdownCheckinBudget = 2 * time.Second

// An Agent supervises one device: it keeps the local Node-RED deployment
// converged on the platform's desired state and reports health back.
type Agent struct {
	cfg     *config.Config
	client  *platform.Client
	store   *statestore.Store
	ring    *logbuffer.Buffer
	scraper *metrics.Scraper
	clk     clock.Clock

	brk *broker.Broker

	// stateMu guards the applied tuple and the launcher slot. Only the
	// control loop replaces them; other goroutines read.
	stateMu    sync.RWMutex
	state      *statestore.State
	agentState api.AgentState
	l          *launcher.Launcher
	suspended  bool
	halted     bool

	editorMu sync.Mutex
	tun      *tunnel.Tunnel

	// One-slot desired-state mailbox, newest wins.
	mailMu  sync.Mutex
	pending *mailboxEntry
	wake    chan struct{}

	actionCh chan actionRequest
	statusCh chan struct{}

	startedAt   time.Time
	lastCheckin time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds an agent from a validated configuration. Nothing runs until
// Run.
func New(cfg *config.Config, ring *logbuffer.Buffer, clk clock.Clock) *Agent {
	if clk == nil {
		clk = clock.New()
	}
	return &Agent{
		cfg:        cfg,
		client:     platform.New(cfg),
		store:      statestore.New(cfg.Dir),
		ring:       ring,
		scraper:    metrics.NewScraper(cfg.Port, clk),
		clk:        clk,
		state:      &statestore.State{},
		agentState: api.StateUnknown,
		wake:       make(chan struct{}, 1),
		actionCh:   make(chan actionRequest),
		statusCh:   make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Stop asks a running agent to shut down. Run returns once the shutdown
// sequence completes.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Run is the agent main loop. It blocks until the context is cancelled or
// Stop is called, and returns ErrRelaunch when the configuration file has
// been rewritten and the caller must start over with it.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = a.clk.Now()
	log.Infof("Device agent starting for device %s", a.cfg.DeviceID)

	if a.cfg.Provisioning() {
		return a.provisionLoop(ctx)
	}

	// Relaunch whatever was applied before the restart. The state file
	// carries the full snapshot and settings bodies, so no platform round
	// trip is needed to come back up.
	st := a.store.Load()
	a.stateMu.Lock()
	a.state = st
	a.stateMu.Unlock()

	// With nothing applied the state stays unknown until the first
	// reconciliation settles it; a developer-mode bootstrap keys off that.
	if st.Project != nil && st.Snapshot != nil && st.Settings != nil {
		log.Infof("Resuming project %s at snapshot %s", *st.Project, st.Snapshot.ID)
		a.setAgentState(api.StateLoading)
		if err := a.materializeAndStart(ctx, "agent restart"); err != nil {
			log.Errorf("Could not resume the runtime: %v", err) //nolint:errcheck
		}
	}

	if a.cfg.BrokerURL != "" {
		brk, err := broker.New(a.cfg, a.ring, a, a.clk)
		if err != nil {
			log.Warnf("Broker disabled, falling back to HTTP polling: %v", err)
		} else {
			a.brk = brk
			brk.Start()
		}
	}

	interval := time.Duration(a.cfg.Interval) * time.Second
	if interval <= 0 {
		interval = config.DefaultInterval * time.Second
	}
	ticker := a.clk.Ticker(interval)
	defer ticker.Stop()

	// First contact. With a broker the on-connect status publish covers
	// this; without one, ask the platform right away.
	if a.brk == nil {
		a.checkInNow(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-a.stopCh:
			a.shutdown()
			return nil
		case <-a.wake:
			for {
				entry, ok := a.takeMail()
				if !ok {
					break
				}
				a.handleMail(ctx, entry)
			}
		case req := <-a.actionCh:
			req.reply <- a.runAction(ctx, req.action)
		case <-a.statusCh:
			a.publishStatus()
		case <-ticker.C:
			a.heartbeat(ctx)
		}
	}
}

// heartbeat reports over the broker when it is up, or polls the platform
// over HTTP when it is not.
func (a *Agent) heartbeat(ctx context.Context) {
	if a.isHalted() {
		return
	}
	if a.brk != nil && a.brk.Connected() {
		a.publishStatus()
		return
	}
	a.checkInNow(ctx)
}

// checkInNow posts the device status. The response may carry the next
// desired state or demand a fetch-based reconciliation.
func (a *Agent) checkInNow(ctx context.Context) {
	if a.isHalted() {
		return
	}
	if a.clk.Since(a.lastCheckin) < checkinFloor && !a.lastCheckin.IsZero() {
		log.Tracef("Checkin throttled")
		return
	}
	a.lastCheckin = a.clk.Now()

	report := a.statusReport(false)
	res, err := a.client.CheckIn(ctx, &report)
	if err != nil {
		if errors.Is(err, platform.ErrRevoked) {
			a.halt()
			return
		}
		log.Warnf("Checkin failed: %v", err)
		return
	}

	switch {
	case res.ReconcileRequired:
		a.converge(ctx, res.Desired)
	case res.DesiredDelivered:
		a.applyDesired(ctx, res.Desired, nil)
	}
}

// publishStatus pushes the current status over the broker. Quietly does
// nothing when the broker is down; the next heartbeat covers it.
func (a *Agent) publishStatus() {
	if a.brk == nil || !a.brk.Connected() {
		return
	}
	if err := a.brk.PublishStatus(a.statusReport(true)); err != nil {
		log.Warnf("Status publish failed: %v", err)
	}
}

// shutdown stops the subsystems in dependency order and tells the platform
// the device is going away, best effort.
func (a *Agent) shutdown() {
	log.Info("Device agent shutting down")
	a.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, "Agent shutting down")

	a.stopTunnel()
	if a.brk != nil {
		a.brk.Stop()
	}
	if l := a.launcherRef(); l != nil {
		if err := l.Stop(false); err != nil {
			log.Warnf("Runtime stop during shutdown: %v", err)
		}
		a.setLauncher(nil)
	}
	a.setAgentState(api.StateStopped)

	if a.isHalted() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCheckinBudget)
	defer cancel()
	report := a.statusReport(false)
	report.State = string(api.StateStopped)
	if _, err := a.client.CheckIn(ctx, &report); err != nil {
		log.Debugf("Final checkin not delivered: %v", err)
	}
}

// halt parks the agent after the platform rejected its credentials. The
// runtime keeps whatever it was doing; only the control plane goes quiet.
func (a *Agent) halt() {
	a.stateMu.Lock()
	already := a.halted
	a.halted = true
	a.stateMu.Unlock()
	if already {
		return
	}
	log.Errorf("Device credentials rejected by the platform, halting checkins") //nolint:errcheck
	a.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem,
		"Device credentials rejected by the platform. Re-register the device and restart the agent.")
}

func (a *Agent) isHalted() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.halted
}

// tupleCopy returns a private copy of the applied tuple for the control loop
// to work on. Committing swaps in a fresh copy so readers never see a tuple
// mid-mutation.
func (a *Agent) tupleCopy() *statestore.State {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	st := *a.state
	return &st
}

// commit persists the tuple and publishes it to readers.
func (a *Agent) commit(st *statestore.State) {
	if err := a.store.Save(st); err != nil {
		log.Errorf("Could not persist the device state: %v", err) //nolint:errcheck
	}
	cp := *st
	a.stateMu.Lock()
	a.state = &cp
	a.stateMu.Unlock()
}

func (a *Agent) setAgentState(st api.AgentState) {
	a.stateMu.Lock()
	changed := a.agentState != st
	a.agentState = st
	a.stateMu.Unlock()
	if changed {
		log.Infof("Agent state: %s", st)
		a.publishDirty()
	}
}

func (a *Agent) launcherRef() *launcher.Launcher {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.l
}

func (a *Agent) setLauncher(l *launcher.Launcher) {
	a.stateMu.Lock()
	a.l = l
	a.stateMu.Unlock()
}

func (a *Agent) setSuspended(v bool) {
	a.stateMu.Lock()
	a.suspended = v
	a.stateMu.Unlock()
}

func (a *Agent) isSuspended() bool {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.suspended
}

// onLauncherState mirrors runtime transitions into the device state. It runs
// on the launcher goroutine. Stop-side transitions stay with the control
// loop: a launcher being torn down for an update must not report the device
// stopped.
func (a *Agent) onLauncherState(st api.AgentState) {
	switch st {
	case api.StateStopping, api.StateStopped:
		a.publishDirty()
	default:
		a.setAgentState(st)
	}
}

// publishDirty schedules a status publish without blocking the caller.
func (a *Agent) publishDirty() {
	select {
	case a.statusCh <- struct{}{}:
	default:
	}
}

// teardownLauncher stops the runtime and drops the launcher. clean also
// removes the materialized artefacts.
func (a *Agent) teardownLauncher(clean bool) {
	l := a.launcherRef()
	if l == nil {
		return
	}
	if err := l.Stop(clean); err != nil {
		log.Warnf("Runtime stop: %v", err)
	}
	a.setLauncher(nil)
}

// materializeAndStart launches the applied tuple as is.
func (a *Agent) materializeAndStart(ctx context.Context, reason string) error {
	return a.launchTuple(ctx, a.tupleCopy(), reason)
}

// launchTuple builds a launcher for the given tuple, writes the artefacts,
// installs dependencies when the manifest changed, and starts the runtime
// unless the device is suspended. The caller owns committing the tuple.
func (a *Agent) launchTuple(ctx context.Context, st *statestore.State, reason string) error {
	l := launcher.New(launcher.Options{
		Config:   a.cfg,
		Project:  st.Project,
		Snapshot: st.Snapshot,
		Settings: st.Settings,
		Mode:     st.Mode,
		Ring:     a.ring,
		Auditor:  a.client,
		OnState:  a.onLauncherState,
		Clock:    a.clk,
	})

	if err := l.WriteConfiguration(); err != nil {
		a.setAgentState(api.StateError)
		return errors.Wrap(err, "unable to materialize the project")
	}
	a.setLauncher(l)

	if l.DepsChanged() {
		if err := l.InstallDependencies(ctx); err != nil {
			return err
		}
	}

	if a.isSuspended() {
		log.Info("Device is suspended, runtime not started")
		return nil
	}
	return l.Start(reason)
}

// ensureRunning is the idempotent start used when the desired state already
// matches: it never rewrites artefacts that are current.
func (a *Agent) ensureRunning(ctx context.Context, reason string) error {
	if a.isSuspended() {
		return nil
	}
	if l := a.launcherRef(); l != nil {
		return l.Start(reason)
	}
	st := a.tupleCopy()
	if st.Project == nil || st.Snapshot == nil {
		return nil
	}
	return a.materializeAndStart(ctx, reason)
}
