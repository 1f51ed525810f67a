// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package logbuffer implements the in-memory ring that holds the most recent
// log records produced by the agent and the managed runtime. The ring is the
// source for log upload commands and for live log streaming to the platform.
package logbuffer

import (
	"io"
	"os"
	"sync"
	"time"
)

// DefaultCapacity is the number of records kept when no explicit capacity is
// configured.
const DefaultCapacity = 1000

// LevelSystem marks agent lifecycle records. They are echoed to the console
// as they are added so a local operator sees them regardless of log level.
const LevelSystem = "system"

// Record sources.
const (
	SrcAgent   = "agent"
	SrcRuntime = "runtime"
)

// Entry is a single log record. TS is the record's unix-millisecond
// timestamp concatenated with a 4 digit sequence number, which keeps records
// emitted within the same millisecond strictly ordered.
type Entry struct {
	TS    int64  `json:"ts"`
	Level string `json:"level,omitempty"`
	Msg   string `json:"msg"`
	Src   string `json:"src,omitempty"`
}

// Buffer is a fixed-capacity ring of log records, safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	buf    []Entry
	next   int
	full   bool
	lastMS int64
	seq    int64

	fwdMu   sync.RWMutex
	forward func(Entry)

	echo io.Writer
}

// New returns a ring holding up to capacity records. A capacity of zero or
// less selects DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf:  make([]Entry, capacity),
		echo: os.Stdout,
	}
}

// stamp returns the composite timestamp for a record added now. Callers must
// hold b.mu. The sequence saturates at 9999 so a pathological burst within
// one millisecond stays ordered rather than overflowing into the next one.
func (b *Buffer) stamp(now time.Time) int64 {
	ms := now.UnixMilli()
	if ms == b.lastMS {
		if b.seq < 9999 {
			b.seq++
		}
	} else {
		b.lastMS = ms
		b.seq = 0
	}
	return ms*10000 + b.seq
}

// Add appends a record to the ring, evicting the oldest record once the ring
// is full. Records at LevelSystem are echoed to the console immediately.
func (b *Buffer) Add(src, level, msg string) {
	b.mu.Lock()
	e := Entry{
		TS:    b.stamp(time.Now()),
		Level: level,
		Msg:   msg,
		Src:   src,
	}
	b.buf[b.next] = e
	b.next++
	if b.next == len(b.buf) {
		b.next = 0
		b.full = true
	}
	echo := b.echo
	b.mu.Unlock()

	if level == LevelSystem && echo != nil {
		io.WriteString(echo, msg+"\n") //nolint:errcheck
	}

	// The forwarder runs outside the ring lock: it typically publishes over
	// MQTT and may itself produce log records.
	b.fwdMu.RLock()
	fwd := b.forward
	b.fwdMu.RUnlock()
	if fwd != nil {
		fwd(e)
	}
}

// Snapshot returns a copy of the buffered records, oldest first.
func (b *Buffer) Snapshot() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]Entry, b.next)
		copy(out, b.buf[:b.next])
		return out
	}
	out := make([]Entry, 0, len(b.buf))
	out = append(out, b.buf[b.next:]...)
	out = append(out, b.buf[:b.next]...)
	return out
}

// Len returns the number of records currently held.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.buf)
	}
	return b.next
}

// SetForwarder installs fn to be called for every record added from now on.
// Passing nil detaches the current forwarder. Only one forwarder is active
// at a time; fan-out to multiple viewers is the caller's concern.
func (b *Buffer) SetForwarder(fn func(Entry)) {
	b.fwdMu.Lock()
	b.forward = fn
	b.fwdMu.Unlock()
}

// SetEcho replaces the writer used for LevelSystem console echo.
func (b *Buffer) SetEcho(w io.Writer) {
	b.mu.Lock()
	b.echo = w
	b.mu.Unlock()
}
