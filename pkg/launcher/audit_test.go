// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuditor struct {
	mu     sync.Mutex
	events []string
}

func (s *stubAuditor) PostAudit(_ context.Context, event string, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubAuditor) seen(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == event {
			return true
		}
	}
	return false
}

func (s *stubAuditor) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.events...)
}

func TestAuditFiltered(t *testing.T) {
	for event, dropped := range map[string]bool{
		"comms.connect":      true,
		"comms.disconnect":   true,
		"flows.get":          true,
		"settings.get":       true,
		"auth.login":         true,
		"auth.login.revoke":  true,
		"auth.log.audit":     false,
		"auth.log.fatal":     false,
		"flows.set":          false,
		"nodes.install":      false,
		"start":              false,
		"crashed":            false,
		"safe-mode":          false,
		"device.settings":    false,
		"project.comms.noop": false,
	} {
		assert.Equal(t, dropped, AuditFiltered(event), "event %q", event)
	}
}

func TestLogAuditEventAppliesFilter(t *testing.T) {
	auditor := &stubAuditor{}
	l := newTestLauncher(t, testLauncherOpts{auditor: auditor})

	require.NoError(t, l.LogAuditEvent(context.Background(), "comms.open", nil))
	require.NoError(t, l.LogAuditEvent(context.Background(), "auth.login", nil))
	require.NoError(t, l.LogAuditEvent(context.Background(), "auth.log.audit", nil))
	require.NoError(t, l.LogAuditEvent(context.Background(), "start", map[string]interface{}{"reason": "deploy"}))

	assert.Equal(t, []string{"auth.log.audit", "start"}, auditor.all())
}

func TestLogAuditEventWithoutAuditor(t *testing.T) {
	l := newTestLauncher(t, testLauncherOpts{})
	assert.NoError(t, l.LogAuditEvent(context.Background(), "start", nil))
}
