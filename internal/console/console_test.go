package console

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func TestDiffReturnsOnlyChangedKeys(t *testing.T) {
	prev := map[string]any{"equity": 1000.0, "phase": "PHASE_1"}
	next := map[string]any{"equity": 1200.0, "phase": "PHASE_1"}

	d := diff(prev, next)
	require.Len(t, d, 1)
	require.Equal(t, 1200.0, d["equity"])
}

func TestDiffWithNoPriorReturnsFull(t *testing.T) {
	next := map[string]any{"equity": 1000.0}
	d := diff(nil, next)
	require.Len(t, d, 1)
	require.Equal(t, 1000.0, d["equity"])
}

func TestBroadcastBatchesNonCriticalFrames(t *testing.T) {
	h := New(Config{MaxBatchSize: 10}, func() map[string]any { return nil }, testLogger())
	h.Broadcast(MsgEquityUpdate, map[string]any{"equity": 1.0})

	h.batchMu.Lock()
	n := len(h.batch)
	h.batchMu.Unlock()
	require.Equal(t, 1, n, "expected one queued batch frame")
}

func TestBroadcastCriticalBypassesBatch(t *testing.T) {
	h := New(Config{MaxBatchSize: 10}, func() map[string]any { return nil }, testLogger())
	h.Broadcast(MsgEmergencyFlatten, map[string]any{"positions_closed": 2})

	h.batchMu.Lock()
	n := len(h.batch)
	h.batchMu.Unlock()
	require.Equal(t, 0, n, "expected critical frame to skip the batch")
}

func TestEncodeCompressesAboveThreshold(t *testing.T) {
	h := New(Config{CompressAboveBytes: 10}, func() map[string]any { return nil }, testLogger())
	frame := Frame{Kind: MsgStateUpdate, Full: map[string]any{"padding": "this payload is definitely over ten bytes"}}
	out := h.encode(frame)
	require.NotEmpty(t, out)
	require.Equal(t, byte(0x1f), out[0], "expected gzip magic prefix")
	require.Equal(t, byte(0x8b), out[1], "expected gzip magic prefix")
}
