// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package agent

import (
	"context"
	"time"

	"github.com/flowforge/device-agent/pkg/api"
	"github.com/flowforge/device-agent/pkg/metrics"
	"github.com/flowforge/device-agent/pkg/util/log"
	"github.com/flowforge/device-agent/pkg/version"
)

// metricsBudget bounds the runtime metrics scrape inside a status publish.
const metricsBudget = 2 * time.Second

func (a *Agent) currentAgentState() api.AgentState {
	a.stateMu.RLock()
	defer a.stateMu.RUnlock()
	return a.agentState
}

// statusReport assembles the device report. The runtime metrics scrape is
// only worth it on broker publishes; checkins skip it. Only the control loop
// may ask for metrics: the scraper keeps state between samples.
func (a *Agent) statusReport(includeMetrics bool) api.StatusReport {
	a.stateMu.RLock()
	st := a.state
	state := a.agentState
	l := a.l
	a.stateMu.RUnlock()

	report := api.StatusReport{
		Project:      st.Project,
		Snapshot:     st.SnapshotID(),
		Settings:     st.SettingsHash(),
		State:        string(state),
		Mode:         st.Mode,
		AgentVersion: version.AgentVersion,
	}
	report.Health.UptimeSec = a.clk.Since(a.startedAt).Seconds()
	if l != nil {
		report.Health.SnapshotRestartCount = l.RestartCount()
	}

	if tun := a.tunnelRef(); tun != nil {
		editor := tun.Status()
		report.Editor = &editor
	}

	if includeMetrics {
		a.attachMetrics(&report, state)
	}
	return report
}

func (a *Agent) attachMetrics(report *api.StatusReport, state api.AgentState) {
	if host, err := metrics.SampleHost(); err == nil {
		report.Host = &api.Host{
			AgentMemoryMB: host.AgentMemoryMB,
			Load1:         host.Load1,
		}
	} else {
		log.Tracef("Host sample unavailable: %v", err)
	}

	// The runtime only answers its metrics endpoint while it is up.
	if state != api.StateRunning && state != api.StateSafe {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsBudget)
	defer cancel()
	sample, err := a.scraper.Sample(ctx)
	if err != nil {
		log.Debugf("Runtime metrics unavailable: %v", err)
		return
	}
	report.Metrics = &api.Metrics{
		MemoryMB:      sample.MemoryMB,
		CPUPercent:    sample.CPUPercent,
		LoopLagMeanMS: sample.LoopLagMeanMS,
		LoopLagP99MS:  sample.LoopLagP99MS,
		Messages:      sample.Messages,
		Received:      sample.Received,
		Sent:          sample.Sent,
	}
}
