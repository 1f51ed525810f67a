// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package logbuffer

import (
	"bytes"
	"testing"

	"github.com/cihub/seelog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvictsOldestWhenFull(t *testing.T) {
	b := New(3)
	b.Add(SrcRuntime, "info", "one")
	b.Add(SrcRuntime, "info", "two")
	b.Add(SrcRuntime, "info", "three")
	b.Add(SrcRuntime, "info", "four")

	got := b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "two", got[0].Msg)
	assert.Equal(t, "three", got[1].Msg)
	assert.Equal(t, "four", got[2].Msg)
	assert.Equal(t, 3, b.Len())
}

func TestSnapshotPartialFill(t *testing.T) {
	b := New(10)
	assert.Empty(t, b.Snapshot())

	b.Add(SrcAgent, "info", "only")
	got := b.Snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, "only", got[0].Msg)
	assert.Equal(t, SrcAgent, got[0].Src)
	assert.Equal(t, 1, b.Len())
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	b := New(5000)
	for i := 0; i < 5000; i++ {
		b.Add(SrcRuntime, "info", "burst")
	}

	got := b.Snapshot()
	require.Len(t, got, 5000)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].TS, got[i-1].TS, "record %d not ordered", i)
	}
}

func TestSystemLevelEchoedToConsole(t *testing.T) {
	b := New(4)
	var console bytes.Buffer
	b.SetEcho(&console)

	b.Add(SrcRuntime, "info", "quiet")
	b.Add(SrcAgent, LevelSystem, "Node-RED starting")

	assert.Equal(t, "Node-RED starting\n", console.String())
}

func TestForwarder(t *testing.T) {
	b := New(4)
	var seen []Entry
	b.SetForwarder(func(e Entry) { seen = append(seen, e) })

	b.Add(SrcRuntime, "info", "first")
	require.Len(t, seen, 1)
	assert.Equal(t, "first", seen[0].Msg)
	assert.Equal(t, "info", seen[0].Level)

	b.SetForwarder(nil)
	b.Add(SrcRuntime, "info", "second")
	assert.Len(t, seen, 1)
}

func TestForwarderMayAddRecords(t *testing.T) {
	// A forwarder that logs must not deadlock against the ring lock.
	b := New(8)
	first := true
	b.SetForwarder(func(e Entry) {
		if first {
			first = false
			b.SetForwarder(nil)
			b.Add(SrcAgent, "debug", "from forwarder")
		}
	})
	b.Add(SrcRuntime, "info", "trigger")
	assert.Equal(t, 2, b.Len())
}

func TestReceiverFeedsRing(t *testing.T) {
	b := New(4)
	r := NewReceiver(b)

	require.NoError(t, r.ReceiveMessage("agent line\n", seelog.InfoLvl, nil))
	require.NoError(t, r.ReceiveMessage("warn line", seelog.WarnLvl, nil))

	got := b.Snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "agent line", got[0].Msg)
	assert.Equal(t, "info", got[0].Level)
	assert.Equal(t, SrcAgent, got[0].Src)
	assert.Equal(t, "warn", got[1].Level)
}
