package heartbeat

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMissedHeartbeatsTriggerFlattenWhenMarketOpen(t *testing.T) {
	var flattenCalls int
	d := New(10*time.Millisecond, 3, func() bool { return true }, func() { flattenCalls++ }, zerolog.Nop())

	base := d.lastHeartbeat
	// three consecutive checks spaced beyond expectedInterval
	d.checkOnce(base.Add(20 * time.Millisecond))
	d.checkOnce(base.Add(40 * time.Millisecond))
	d.checkOnce(base.Add(60 * time.Millisecond))

	require.Equal(t, 1, flattenCalls, "expected exactly one flatten call")
	require.False(t, d.Armed(), "expected DMS disarmed after emergency flatten")
}

func TestMissedHeartbeatsSuppressedWhenMarketClosed(t *testing.T) {
	var flattenCalls int
	d := New(10*time.Millisecond, 3, func() bool { return false }, func() { flattenCalls++ }, zerolog.Nop())

	base := d.lastHeartbeat
	d.checkOnce(base.Add(20 * time.Millisecond))
	d.checkOnce(base.Add(40 * time.Millisecond))
	d.checkOnce(base.Add(60 * time.Millisecond))

	require.Equal(t, 0, flattenCalls, "expected no flatten while market closed")
	require.True(t, d.Armed(), "expected DMS to remain armed when flatten is suppressed")
}

func TestBeatResetsMissedCounter(t *testing.T) {
	d := New(10*time.Millisecond, 3, func() bool { return true }, func() {}, zerolog.Nop())
	base := d.lastHeartbeat
	d.checkOnce(base.Add(20 * time.Millisecond))
	d.checkOnce(base.Add(40 * time.Millisecond))
	d.Beat(base.Add(41 * time.Millisecond))

	d.mu.Lock()
	missed := d.missed
	d.mu.Unlock()
	require.Equal(t, 0, missed, "expected missed counter reset by Beat")
}

func TestResetReArmsAfterFlatten(t *testing.T) {
	d := New(10*time.Millisecond, 1, func() bool { return true }, func() {}, zerolog.Nop())
	base := d.lastHeartbeat
	d.checkOnce(base.Add(20 * time.Millisecond))
	require.False(t, d.Armed(), "expected disarmed after single-miss threshold")
	d.Reset()
	require.True(t, d.Armed(), "expected re-armed after Reset")
}
