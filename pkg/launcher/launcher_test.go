// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build !windows

package launcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/logbuffer"
)

// writeFakeRuntime installs an executable script where the launcher expects
// the node-red binary.
func writeFakeRuntime(t *testing.T, l *Launcher, script string) {
	t.Helper()
	bin := filepath.Join(l.ProjectDir(), "node_modules", ".bin")
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bin, "node-red"), []byte("#!/bin/sh\n"+script+"\n"), 0o755))
}

type stateRecorder struct {
	mu     sync.Mutex
	states []api.AgentState
}

func (r *stateRecorder) record(st api.AgentState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) has(st api.AgentState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

func launchEntries(l *Launcher) int {
	n := 0
	for _, e := range l.ring.Snapshot() {
		if e.Src == logbuffer.SrcAgent && strings.HasPrefix(e.Msg, "Launching Node-RED") {
			n++
		}
	}
	return n
}

func TestRunUntilStopped(t *testing.T) {
	rec := &stateRecorder{}
	l := newTestLauncher(t, testLauncherOpts{onState: rec.record})
	writeFakeRuntime(t, l, `echo "Welcome to Node-RED"
echo "Started flows"
exec sleep 60`)

	require.NoError(t, l.Start("deploy"))
	require.Eventually(t, func() bool { return l.State() == api.StateRunning }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, l.Stop(false))
	assert.Equal(t, api.StateStopped, l.State())
	assert.Zero(t, l.RestartCount())

	assert.True(t, rec.has(api.StateStarting))
	assert.True(t, rec.has(api.StateRunning))
	assert.True(t, rec.has(api.StateStopping))

	found := false
	for _, e := range l.ring.Snapshot() {
		if e.Src == logbuffer.SrcRuntime && e.Msg == "Welcome to Node-RED" {
			found = true
		}
	}
	assert.True(t, found, "runtime stdout must land in the ring")
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	writeFakeRuntime(t, l, `echo "Started flows"
exec sleep 60`)

	require.NoError(t, l.Start("deploy"))
	require.Eventually(t, func() bool { return l.State() == api.StateRunning }, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, l.Start("deploy"))
	assert.Equal(t, 1, launchEntries(l))

	require.NoError(t, l.Stop(false))
}

func TestStopInterruptsPendingRestart(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	writeFakeRuntime(t, l, "exit 1")

	require.NoError(t, l.Start("deploy"))
	require.Eventually(t, func() bool { return l.RestartCount() >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Stop(false))
	assert.Equal(t, api.StateStopped, l.State())
}

// crashLadder walks the mock clock through the restart delays so every spawn
// lands inside the crash window.
func crashLadder(t *testing.T, clk *clock.Mock, l *Launcher) {
	t.Helper()
	delays := []time.Duration{
		restartInitialDelay,
		restartInitialDelay * restartMultiplier,
		restartInitialDelay * restartMultiplier * restartMultiplier,
		restartMaxDelay,
	}
	for i, delay := range delays {
		want := i + 1
		require.Eventually(t, func() bool { return l.RestartCount() >= want }, 5*time.Second, 10*time.Millisecond)
		// Give supervise time to park on the restart timer before firing it.
		time.Sleep(50 * time.Millisecond)
		clk.Add(delay)
	}
}

func TestBootLoopCrashes(t *testing.T) {
	clk := clock.NewMock()
	auditor := &stubAuditor{}
	l := newTestLauncher(t, testLauncherOpts{clk: clk, auditor: auditor})
	writeFakeRuntime(t, l, "exit 1")

	require.NoError(t, l.Start("deploy"))
	crashLadder(t, clk, l)

	require.Eventually(t, func() bool { return l.State() == api.StateCrashed }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, auditor.seen("crashed"))
}

func TestBootLoopEntersSafeModeInDeveloperMode(t *testing.T) {
	clk := clock.NewMock()
	auditor := &stubAuditor{}
	l := newTestLauncher(t, testLauncherOpts{clk: clk, auditor: auditor, mode: api.ModeDeveloper})
	writeFakeRuntime(t, l, `case "$*" in
*--safe*)
    echo "safe mode"
    exec sleep 60
    ;;
esac
exit 1`)

	require.NoError(t, l.Start("deploy"))
	crashLadder(t, clk, l)

	require.Eventually(t, func() bool { return l.State() == api.StateSafe }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, auditor.seen("safe-mode"))
	assert.False(t, auditor.seen("crashed"))

	require.NoError(t, l.Stop(false))
}

func TestCrashWindowDetection(t *testing.T) {
	clk := clock.NewMock()
	l := newTestLauncher(t, testLauncherOpts{clk: clk})

	record := func() {
		l.mu.Lock()
		l.recordStartLocked()
		l.mu.Unlock()
	}
	inWindow := func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.inCrashWindowLocked()
	}

	for i := 0; i < 4; i++ {
		record()
		clk.Add(time.Second)
	}
	assert.False(t, inWindow(), "four starts are not a boot loop")

	record()
	assert.True(t, inWindow(), "five starts inside the window are")

	clk.Add(crashWindow)
	record()
	assert.False(t, inWindow(), "slow restarts age out of the window")
}

func TestStopWithoutStartOnlyCleans(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	require.NoError(t, l.WriteConfiguration())
	require.NoError(t, l.Stop(true))
	assert.NoFileExists(t, filepath.Join(l.ProjectDir(), flowsFile))
}
