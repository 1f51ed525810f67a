// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expositionTemplate = `# HELP process_resident_memory_bytes Resident memory size in bytes.
# TYPE process_resident_memory_bytes gauge
process_resident_memory_bytes 104857600
# HELP process_cpu_seconds_total Total user and system CPU time spent in seconds.
# TYPE process_cpu_seconds_total counter
process_cpu_seconds_total %g
# TYPE nodejs_eventloop_lag_mean_seconds gauge
nodejs_eventloop_lag_mean_seconds 0.012
# TYPE nodejs_eventloop_lag_p99_seconds gauge
nodejs_eventloop_lag_p99_seconds 0.042
# TYPE nodered_messages_total counter
nodered_messages_total 1234
# TYPE node_receive_events_total counter
node_receive_events_total 56
# TYPE node_send_events_total counter
node_send_events_total 78
`

func newMetricsServer(t *testing.T, cpuSeconds *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, expositionTemplate, cpuSeconds.Load().(float64))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSampleDerivesValues(t *testing.T) {
	var cpu atomic.Value
	cpu.Store(10.0)
	srv := newMetricsServer(t, &cpu)

	mock := clock.NewMock()
	s := NewScraperForURL(srv.URL, mock)

	got, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100.0, got.MemoryMB)
	assert.Equal(t, 12.0, got.LoopLagMeanMS)
	assert.Equal(t, 42.0, got.LoopLagP99MS)
	assert.Equal(t, uint64(1234), got.Messages)
	assert.Equal(t, uint64(56), got.Received)
	assert.Equal(t, uint64(78), got.Sent)

	// No previous reading to rate against.
	assert.Equal(t, 0.0, got.CPUPercent)
}

func TestCPUPercentFromCounterDelta(t *testing.T) {
	var cpu atomic.Value
	cpu.Store(10.0)
	srv := newMetricsServer(t, &cpu)

	mock := clock.NewMock()
	s := NewScraperForURL(srv.URL, mock)

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	// 3 CPU seconds over 30 wall seconds is 10%.
	cpu.Store(13.0)
	mock.Add(30 * time.Second)
	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.CPUPercent, 0.001)
}

func TestCPUCounterResetReportsZero(t *testing.T) {
	var cpu atomic.Value
	cpu.Store(100.0)
	srv := newMetricsServer(t, &cpu)

	mock := clock.NewMock()
	s := NewScraperForURL(srv.URL, mock)

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	// The runtime restarted: the counter went backwards.
	cpu.Store(1.0)
	mock.Add(30 * time.Second)
	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CPUPercent)

	// The sample after the reset rates against the new baseline.
	cpu.Store(4.0)
	mock.Add(30 * time.Second)
	got, err = s.Sample(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10.0, got.CPUPercent, 0.001)
}

func TestResetDropsCounterState(t *testing.T) {
	var cpu atomic.Value
	cpu.Store(10.0)
	srv := newMetricsServer(t, &cpu)

	mock := clock.NewMock()
	s := NewScraperForURL(srv.URL, mock)

	_, err := s.Sample(context.Background())
	require.NoError(t, err)

	s.Reset()
	cpu.Store(13.0)
	mock.Add(30 * time.Second)
	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CPUPercent)
}

func TestSampleEndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewScraperForURL(srv.URL, clock.NewMock())
	_, err := s.Sample(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSampleMissingFamiliesAreZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "# TYPE up gauge\nup 1\n")
	}))
	defer srv.Close()

	s := NewScraperForURL(srv.URL, clock.NewMock())
	got, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Zero(t, got.MemoryMB)
	assert.Zero(t, got.Messages)
}
