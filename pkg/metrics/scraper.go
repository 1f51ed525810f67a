// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics samples the runtime's prometheus endpoint and derives the
// resource figures attached to broker status publishes.
package metrics

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Runtime metric names, as exposed by the Node.js prom-client default
// collectors plus the Node-RED instrumentation.
const (
	metricResidentMemory = "process_resident_memory_bytes"
	metricCPUSeconds     = "process_cpu_seconds_total"
	metricLoopLagMean    = "nodejs_eventloop_lag_mean_seconds"
	metricLoopLagP99     = "nodejs_eventloop_lag_p99_seconds"
	metricMessages       = "nodered_messages_total"
	metricReceiveEvents  = "node_receive_events_total"
	metricSendEvents     = "node_send_events_total"
)

const scrapeTimeout = 2 * time.Second

// Sample is one derived measurement of the runtime process.
type Sample struct {
	MemoryMB      float64
	CPUPercent    float64
	LoopLagMeanMS float64
	LoopLagP99MS  float64
	Messages      uint64
	Received      uint64
	Sent          uint64
}

// Scraper polls the runtime metrics endpoint. CPU usage is a rate derived
// from the cumulative process_cpu_seconds_total counter, so the scraper keeps
// the previous reading between calls; it is not safe for concurrent use.
type Scraper struct {
	url        string
	httpClient *http.Client
	clk        clock.Clock

	lastCPUSeconds float64
	lastSampleAt   time.Time
	primed         bool
}

// NewScraper returns a scraper for the runtime listening on the local port.
func NewScraper(port int, clk clock.Clock) *Scraper {
	return &Scraper{
		url:        fmt.Sprintf("http://127.0.0.1:%d/metrics", port),
		httpClient: &http.Client{Timeout: scrapeTimeout},
		clk:        clk,
	}
}

// NewScraperForURL is NewScraper with an explicit endpoint, used by tests.
func NewScraperForURL(url string, clk clock.Clock) *Scraper {
	return &Scraper{
		url:        url,
		httpClient: &http.Client{Timeout: scrapeTimeout},
		clk:        clk,
	}
}

// Reset drops the CPU counter state, so the next sample reports 0% instead
// of a rate computed across a runtime restart.
func (s *Scraper) Reset() {
	s.primed = false
	s.lastCPUSeconds = 0
}

// Sample scrapes the endpoint once and derives a measurement.
func (s *Scraper) Sample(ctx context.Context) (*Sample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics endpoint returned status %d", resp.StatusCode)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return s.derive(payload)
}

func (s *Scraper) derive(payload []byte) (*Sample, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("malformed metrics exposition: %w", err)
	}

	sample := &Sample{}
	if v, ok := value(families, metricResidentMemory); ok {
		sample.MemoryMB = v / (1024 * 1024)
	}
	if v, ok := value(families, metricLoopLagMean); ok {
		sample.LoopLagMeanMS = v * 1000
	}
	if v, ok := value(families, metricLoopLagP99); ok {
		sample.LoopLagP99MS = v * 1000
	}
	if v, ok := value(families, metricMessages); ok {
		sample.Messages = uint64(v)
	}
	if v, ok := value(families, metricReceiveEvents); ok {
		sample.Received = uint64(v)
	}
	if v, ok := value(families, metricSendEvents); ok {
		sample.Sent = uint64(v)
	}

	now := s.clk.Now()
	if cpu, ok := value(families, metricCPUSeconds); ok {
		// First sample after start or Reset has no delta to rate over, and a
		// counter running backwards means the runtime restarted. Both report
		// 0% rather than a bogus spike.
		if s.primed && cpu >= s.lastCPUSeconds {
			if wall := now.Sub(s.lastSampleAt).Seconds(); wall > 0 {
				sample.CPUPercent = (cpu - s.lastCPUSeconds) / wall * 100
			}
		}
		s.lastCPUSeconds = cpu
		s.lastSampleAt = now
		s.primed = true
	}
	return sample, nil
}

// value returns the first sample of the named family, whatever its type.
func value(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	fam, ok := families[name]
	if !ok {
		return 0, false
	}
	metrics := fam.GetMetric()
	if len(metrics) == 0 {
		return 0, false
	}
	m := metrics[0]
	if g := m.GetGauge(); g != nil {
		return g.GetValue(), true
	}
	if c := m.GetCounter(); c != nil {
		return c.GetValue(), true
	}
	if u := m.GetUntyped(); u != nil {
		return u.GetValue(), true
	}
	return 0, false
}
