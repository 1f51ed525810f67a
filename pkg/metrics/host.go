// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package metrics

import (
	"os"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/process"
)

// HostSample is the agent-side resource reading reported next to the runtime
// sample, so the platform can tell an overloaded device from an overloaded
// runtime.
type HostSample struct {
	AgentMemoryMB float64
	Load1         float64
}

// SampleHost measures the agent process and the host load average. Partial
// readings are fine: a platform without getloadavg reports zero load rather
// than an error.
func SampleHost() (*HostSample, error) {
	hs := &HostSample{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		hs.AgentMemoryMB = float64(mem.RSS) / (1024 * 1024)
	}
	if avg, err := load.Avg(); err == nil && avg != nil {
		hs.Load1 = avg.Load1
	}
	return hs, nil
}
