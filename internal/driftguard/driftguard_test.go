package driftguard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestZScoreTripsSafetyStopWhenWindowFull(t *testing.T) {
	g := New(Config{
		PnLWindowSize:   3,
		ExpectedMean:    100,
		ExpectedStdev:   10,
		ZScoreThreshold: -2.0,
	}, zerolog.Nop())

	var events []Event
	g.Subscribe(func(e Event) { events = append(events, e) })

	now := time.Now()
	g.RecordTradePnL(-50, now) // window not full yet
	g.RecordTradePnL(-50, now)
	require.False(t, g.Disabled(), "should not trip before window is full")
	g.RecordTradePnL(-50, now) // window full now, mean=-50, z=(-50-100)/10=-15

	require.True(t, g.Disabled(), "expected guard disabled once z-score breaches threshold")
	require.Len(t, events, 1)
	require.Equal(t, EventSafetyStop, events[0].Kind)
}

func TestDrawdownVelocityHardKill(t *testing.T) {
	g := New(Config{
		DrawdownWindow:    5 * time.Minute,
		VelocityThreshold: 0.02,
	}, zerolog.Nop())

	var events []Event
	g.Subscribe(func(e Event) { events = append(events, e) })

	base := time.Now()
	g.RecordEquity(10000, base)
	g.RecordEquity(9700, base.Add(time.Minute)) // -3%, breaches 2% threshold

	require.True(t, g.Disabled(), "expected guard disabled after drawdown velocity breach")
	require.Len(t, events, 1)
	require.Equal(t, EventHardKill, events[0].Kind)
	require.Equal(t, HardKillReason, events[0].Reason)
}

func TestResetClearsWindowsAndRearms(t *testing.T) {
	g := New(Config{
		PnLWindowSize:   1,
		ExpectedMean:    100,
		ExpectedStdev:   10,
		ZScoreThreshold: -2.0,
	}, zerolog.Nop())
	g.RecordTradePnL(-500, time.Now())
	require.True(t, g.Disabled(), "expected disabled after breach")
	g.Reset()
	require.False(t, g.Disabled(), "expected re-armed after reset")
}

func TestUpdateZScoreThresholdTakesEffectOnNextRecord(t *testing.T) {
	g := New(Config{
		PnLWindowSize:   1,
		ExpectedMean:    100,
		ExpectedStdev:   10,
		ZScoreThreshold: -5.0,
	}, zerolog.Nop())

	g.RecordTradePnL(-50, time.Now()) // z=(-50-100)/10=-15, well past -5, trips
	require.True(t, g.Disabled(), "expected disabled with original threshold")
	g.Reset()

	g.UpdateZScoreThreshold(-100.0)
	g.RecordTradePnL(-50, time.Now())
	require.False(t, g.Disabled(), "expected not disabled after loosening the z-score threshold")
}
