// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/config"
	"github.com/flowforge/device-agent/pkg/logbuffer"
	"github.com/flowforge/device-agent/pkg/platform"
	"github.com/flowforge/device-agent/pkg/util/log"
)

// provisionRetryDelay spaces provisioning attempts while the platform is
// unreachable.
const provisionRetryDelay = 10 * time.Second

// provisionLoop claims a device slot with the provisioning token and writes
// the issued identity into the configuration file. Run then returns
// ErrRelaunch so the caller starts over on the rewritten file.
func (a *Agent) provisionLoop(ctx context.Context) error {
	a.setAgentState(api.StateProvisioning)
	log.Infof("Provisioning a device on %s", a.cfg.ForgeURL)

	for {
		res, err := a.client.Provision(ctx)
		if err == nil {
			if err := config.WriteClaimed(a.cfg, res); err != nil {
				return errors.Wrap(err, "device claimed but its configuration could not be written")
			}
			log.Infof("Device %s claimed, restarting with its credentials", res.DeviceID)
			a.ring.Add(logbuffer.SrcAgent, logbuffer.LevelSystem,
				"Device provisioned as "+res.DeviceID)
			return ErrRelaunch
		}
		if errors.Is(err, platform.ErrRevoked) {
			return errors.New("provisioning token rejected by the platform")
		}
		log.Warnf("Provisioning attempt failed: %v", err)

		timer := a.clk.Timer(provisionRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-a.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
