// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package launcher owns the runtime child process and the files it reads.
// One Launcher materializes one (snapshot, settings) pair on disk, spawns
// Node-RED against it, restarts it with backoff when it dies, and gives up
// when it boot-loops.
package launcher

import (
	"bufio"
	"context"
	"expvar"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/util/log"
)

const (
	// crashCountLimit starts within crashWindow mean the runtime is
	// boot-looping and supervision must stop.
	crashCountLimit = 5
	crashWindow     = 30 * time.Second

	// Restart delay ladder: 500ms, 1.5s, 4.5s, then capped.
	restartInitialDelay = 500 * time.Millisecond
	restartMultiplier   = 3
	restartMaxDelay     = 10 * time.Second

	// stopGracePeriod is how long Stop waits after the interrupt signal
	// before killing the child.
	stopGracePeriod = 10 * time.Second

	// healthyMarker on runtime stdout flips starting to running.
	healthyMarker = "Started flows"
	// safeMarker is printed instead when the runtime came up with --safe.
	safeMarker = "safe mode"
)

var launcherRestarts = expvar.NewInt("launcherRestarts")

// Auditor posts device audit events to the platform.
type Auditor interface {
	PostAudit(ctx context.Context, event string, body map[string]interface{}) error
}

// Options carries everything a Launcher needs. Config, Snapshot and Ring are
// required; the rest defaults sensibly.
type Options struct {
	Config   *config.Config
	Project  *string
	Snapshot *api.Snapshot
	Settings *api.Settings
	Mode     string

	Ring    *logbuffer.Buffer
	Auditor Auditor

	// OnState observes state transitions. It is called outside the launcher
	// lock but must not block; the control loop drains it into its mailbox.
	OnState func(api.AgentState)

	// Clock drives the restart timers and the crash window. Nil selects the
	// wall clock; tests inject a mock.
	Clock clock.Clock
}

// Launcher supervises a single runtime child process.
type Launcher struct {
	cfg      *config.Config
	project  *string
	snapshot *api.Snapshot
	settings *api.Settings
	mode     string

	ring    *logbuffer.Buffer
	auditor Auditor
	onState func(api.AgentState)
	clk     clock.Clock

	projectDir string
	execPath   string
	execArgs   []string

	mu            sync.Mutex
	state         api.AgentState
	cmd           *exec.Cmd
	stopRequested bool
	safeMode      bool
	startTimes    []time.Time
	restarts      int
	depsChanged   bool
	retry         *backoff.ExponentialBackOff

	// stopCh interrupts a pending restart delay; done is closed when the
	// supervision goroutine exits. Both are renewed by Start.
	stopCh chan struct{}
	done   chan struct{}
}

// New returns a launcher for the given materialization. Nothing is touched
// on disk until WriteConfiguration runs.
func New(opts Options) *Launcher {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = restartInitialDelay
	retry.Multiplier = restartMultiplier
	retry.MaxInterval = restartMaxDelay
	retry.MaxElapsedTime = 0
	retry.RandomizationFactor = 0
	retry.Reset()

	projectDir := filepath.Join(opts.Config.Dir, "project")
	return &Launcher{
		cfg:        opts.Config,
		project:    opts.Project,
		snapshot:   opts.Snapshot,
		settings:   opts.Settings,
		mode:       opts.Mode,
		ring:       opts.Ring,
		auditor:    opts.Auditor,
		onState:    opts.OnState,
		clk:        clk,
		projectDir: projectDir,
		execPath:   filepath.Join(projectDir, "node_modules", ".bin", "node-red"),
		execArgs:   []string{"-u", projectDir},
		state:      api.StateStopped,
		retry:      retry,
	}
}

// ProjectDir returns the directory holding the materialized artefacts.
func (l *Launcher) ProjectDir() string {
	return l.projectDir
}

// State returns the launcher's current view of the runtime lifecycle.
func (l *Launcher) State() api.AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RestartCount reports how often the runtime was restarted since this
// materialization was applied.
func (l *Launcher) RestartCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

// Start begins supervision: spawn the runtime, restart it on unexpected
// exits. Calling Start while supervision is live is a no-op, which is what
// makes the control loop's "ensure running" step idempotent.
func (l *Launcher) Start(reason string) error {
	l.mu.Lock()
	if l.done != nil {
		select {
		case <-l.done:
			// previous supervision finished; restart below
		default:
			l.mu.Unlock()
			return nil
		}
	}
	l.stopRequested = false
	l.safeMode = false
	l.stopCh = make(chan struct{})
	done := make(chan struct{})
	l.done = done
	l.mu.Unlock()

	go l.supervise(done, reason)
	return nil
}

// supervise runs the spawn/wait/restart cycle until a deliberate stop, a
// boot loop, or an unrecoverable spawn failure.
func (l *Launcher) supervise(done chan struct{}, reason string) {
	defer close(done)

	for {
		err := l.runOnce(reason)

		l.mu.Lock()
		if l.stopRequested {
			l.mu.Unlock()
			l.setState(api.StateStopped)
			return
		}
		if err != nil {
			log.Warnf("Runtime exited: %v", err) //nolint:errcheck
		} else {
			log.Warn("Runtime exited unexpectedly") //nolint:errcheck
		}
		bootLooping := l.inCrashWindowLocked()
		developer := l.mode == api.ModeDeveloper
		alreadySafe := l.safeMode
		l.restarts++
		l.mu.Unlock()
		launcherRestarts.Add(1)

		if bootLooping {
			if developer && !alreadySafe {
				// In developer mode a boot loop is usually a broken flow
				// under active editing: come back up with flows stopped so
				// the editor can fix it.
				l.mu.Lock()
				l.safeMode = true
				l.mu.Unlock()
				l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, "Runtime restarting too fast, entering safe mode")
				l.audit("safe-mode", nil)
				reason = "safe"
				continue
			}
			l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, "Runtime restarting too fast, giving up")
			l.setState(api.StateCrashed)
			l.audit("crashed", nil)
			return
		}

		l.mu.Lock()
		delay := l.retry.NextBackOff()
		l.mu.Unlock()
		l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem,
			fmt.Sprintf("Runtime restarting in %v", delay))

		timer := l.clk.Timer(delay)
		select {
		case <-timer.C:
		case <-l.stopCh:
			timer.Stop()
			l.setState(api.StateStopped)
			return
		}
		reason = "crash"
	}
}

// runOnce spawns the runtime and blocks until it exits.
func (l *Launcher) runOnce(reason string) error {
	l.mu.Lock()
	safe := l.safeMode
	l.recordStartLocked()
	name, args := l.execPath, l.execArgs
	if safe {
		args = append(append([]string{}, args...), "--safe")
	}
	l.mu.Unlock()

	l.setState(api.StateStarting)

	cmd := exec.Command(name, args...)
	cmd.Dir = l.projectDir
	cmd.Env = l.buildEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		l.setState(api.StateError)
		return errors.Wrap(err, "unable to spawn runtime")
	}
	l.mu.Lock()
	l.cmd = cmd
	l.mu.Unlock()

	l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem,
		fmt.Sprintf("Launching Node-RED (%s)", reason))
	l.audit("start", map[string]interface{}{"reason": reason})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.relayOutput(stdout, "info", safe)
	}()
	go func() {
		defer wg.Done()
		l.relayOutput(stderr, "error", safe)
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	l.mu.Lock()
	l.cmd = nil
	l.mu.Unlock()
	return waitErr
}

// relayOutput copies runtime output lines into the ring and watches for the
// startup marker.
func (l *Launcher) relayOutput(r io.Reader, level string, safe bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seen := false
	for scanner.Scan() {
		line := scanner.Text()
		l.ring.Add(logbuffer.SrcRuntime, level, line)
		if seen {
			continue
		}
		if strings.Contains(line, healthyMarker) || (safe && strings.Contains(line, safeMarker)) {
			seen = true
			l.mu.Lock()
			l.retry.Reset()
			l.mu.Unlock()
			if safe {
				l.setState(api.StateSafe)
			} else {
				l.setState(api.StateRunning)
			}
		}
	}
}

// Stop signals the runtime to exit and waits for supervision to finish. The
// child gets stopGracePeriod after the interrupt before it is killed. With
// clean set, the generated artefacts are removed afterwards.
func (l *Launcher) Stop(clean bool) error {
	l.mu.Lock()
	done := l.done
	if done == nil {
		l.mu.Unlock()
		if clean {
			return l.CleanArtefacts()
		}
		return nil
	}
	alive := true
	select {
	case <-done:
		alive = false
	default:
	}
	var proc *os.Process
	if alive {
		l.stopRequested = true
		select {
		case <-l.stopCh:
		default:
			close(l.stopCh)
		}
		if l.cmd != nil {
			proc = l.cmd.Process
		}
	}
	l.mu.Unlock()

	if alive {
		l.setState(api.StateStopping)
		if proc != nil {
			if err := proc.Signal(os.Interrupt); err != nil {
				log.Debugf("Interrupt failed, killing runtime: %v", err)
				proc.Kill() //nolint:errcheck
			}
		}
		select {
		case <-done:
		case <-l.clk.After(stopGracePeriod):
			log.Warn("Runtime did not exit in time, killing it") //nolint:errcheck
			if proc != nil {
				proc.Kill() //nolint:errcheck
			}
			<-done
		}
	}

	if clean {
		return l.CleanArtefacts()
	}
	return nil
}

// recordStartLocked keeps the last crashCountLimit start timestamps.
func (l *Launcher) recordStartLocked() {
	l.startTimes = append(l.startTimes, l.clk.Now())
	if len(l.startTimes) > crashCountLimit {
		l.startTimes = l.startTimes[len(l.startTimes)-crashCountLimit:]
	}
}

// inCrashWindowLocked reports whether the last crashCountLimit starts all
// fall within crashWindow.
func (l *Launcher) inCrashWindowLocked() bool {
	if len(l.startTimes) < crashCountLimit {
		return false
	}
	first := l.startTimes[0]
	last := l.startTimes[len(l.startTimes)-1]
	return last.Sub(first) < crashWindow
}

func (l *Launcher) setState(st api.AgentState) {
	l.mu.Lock()
	if l.state == st {
		l.mu.Unlock()
		return
	}
	l.state = st
	cb := l.onState
	l.mu.Unlock()

	log.Debugf("Runtime state: %s", st)
	if cb != nil {
		cb(st)
	}
}

// buildEnv merges the process environment with the snapshot's and the
// settings' env maps. Later entries win, so settings overrides snapshot
// overrides the inherited environment, proxies included.
func (l *Launcher) buildEnv() []string {
	env := os.Environ()
	if l.snapshot != nil {
		for k, v := range l.snapshot.Env {
			env = append(env, k+"="+v)
		}
	}
	if l.settings != nil {
		for k, v := range l.settings.Env {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// audit posts a launcher lifecycle event, best effort.
func (l *Launcher) audit(event string, body map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := l.LogAuditEvent(ctx, event, body); err != nil {
		log.Debugf("Audit event %s not delivered: %v", event, err)
	}
}
