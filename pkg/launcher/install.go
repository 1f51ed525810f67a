// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/logbuffer"
)

// npmInstallArgs keeps npm quiet and production-only; the runtime never needs
// dev dependencies and the device has no use for audit advisories.
var npmInstallArgs = []string{"install", "--production", "--no-audit", "--no-update-notifier", "--no-fund"}

// DepsChanged reports whether the last WriteConfiguration changed the
// dependency set against what package.json carried before. The control loop
// uses it to skip the install step for flow-only deployments.
func (l *Launcher) DepsChanged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.depsChanged
}

// InstallDependencies runs the package manager in the project directory and
// relays its output into the ring at system level. The runtime must not be
// running while this executes.
func (l *Launcher) InstallDependencies(ctx context.Context) error {
	l.setState(api.StateInstalling)
	l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, "Installing dependencies")

	cmd := exec.CommandContext(ctx, "npm", npmInstallArgs...)
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
		return errors.Wrap(err, "unable to run npm")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.relayInstallOutput(stdout)
	}()
	go func() {
		defer wg.Done()
		l.relayInstallOutput(stderr)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		l.setState(api.StateError)
		return errors.Wrap(err, "npm install failed")
	}

	l.mu.Lock()
	l.depsChanged = false
	l.mu.Unlock()
	return nil
}

func (l *Launcher) relayInstallOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		l.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem, scanner.Text())
	}
}
