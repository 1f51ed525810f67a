// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package logbuffer

import (
	"strings"

	"github.com/cihub/seelog"
)

// ReceiverName is the name the seelog configuration uses to reference the
// ring receiver in its <custom> output node.
const ReceiverName = "ringbuffer"

// Receiver adapts a Buffer to seelog.CustomReceiver so the agent's own log
// records land in the same ring as the runtime's output.
type Receiver struct {
	buf *Buffer
}

// NewReceiver returns a receiver feeding buf.
func NewReceiver(buf *Buffer) *Receiver {
	return &Receiver{buf: buf}
}

// ReceiveMessage stores one formatted log record in the ring.
func (r *Receiver) ReceiveMessage(message string, level seelog.LogLevel, _ seelog.LogContextInterface) error {
	r.buf.Add(SrcAgent, strings.ToLower(level.String()), strings.TrimRight(message, "\n"))
	return nil
}

// AfterParse implements seelog.CustomReceiver.
func (r *Receiver) AfterParse(seelog.CustomReceiverInitArgs) error {
	return nil
}

// Flush implements seelog.CustomReceiver.
func (r *Receiver) Flush() {}

// Close implements seelog.CustomReceiver.
func (r *Receiver) Close() error {
	return nil
}
