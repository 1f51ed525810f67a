// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package launcher

import (
	"context"
	"regexp"
	"time"

	"github.com/flowforge/device-agent/pkg/util/log"
)

const auditTimeout = 5 * time.Second

// Event classes the platform does not want: comms chatter, read-only gets,
// and auth noise other than the login trail.
var (
	auditDropComms = regexp.MustCompile(`^comms\.`)
	auditDropGets  = regexp.MustCompile(`\.get$`)
	auditDropAuth  = regexp.MustCompile(`^auth`)
	auditKeepAuth  = regexp.MustCompile(`^auth\.log`)
)

// AuditFiltered reports whether an event name is dropped instead of shipped.
func AuditFiltered(event string) bool {
	if auditDropComms.MatchString(event) || auditDropGets.MatchString(event) {
		return true
	}
	return auditDropAuth.MatchString(event) && !auditKeepAuth.MatchString(event)
}

// LogAuditEvent ships one audit event to the platform after applying the
// event filter. Without an auditor wired in it is a no-op.
func (l *Launcher) LogAuditEvent(ctx context.Context, event string, body map[string]interface{}) error {
	if l.auditor == nil {
		return nil
	}
	if AuditFiltered(event) {
		log.Tracef("Audit event %s filtered", event)
		return nil
	}
	return l.auditor.PostAudit(ctx, event, body)
}
