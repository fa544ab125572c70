package replayguard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/errs"
	"github.com/titanhq/execution-core/internal/sharedstore"
)

func TestCheckDriftWithinWindow(t *testing.T) {
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)
	require.NoError(t, g.CheckDrift(time.Now().Add(-2*time.Second)))
}

func TestCheckDriftExceeded(t *testing.T) {
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)
	err := g.CheckDrift(time.Now().Add(-10 * time.Second))
	require.Equal(t, "TIMESTAMP_DRIFT_EXCEEDED", errs.CodeOf(err))
}

func TestCheckDriftMissingTimestamp(t *testing.T) {
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)
	err := g.CheckDrift(time.Time{})
	require.Equal(t, "INVALID_TIMESTAMP", errs.CodeOf(err))
}

func TestCheckDuplicateRejectsSecondSighting(t *testing.T) {
	ctx := context.Background()
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)

	require.NoError(t, g.CheckDuplicate(ctx, "titan_BTCUSDT_1_15"), "first sighting should pass")
	err := g.CheckDuplicate(ctx, "titan_BTCUSDT_1_15")
	require.Equal(t, "DUPLICATE_SIGNAL_ID", errs.CodeOf(err))
}

func TestCheckDuplicateMissingID(t *testing.T) {
	ctx := context.Background()
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)
	err := g.CheckDuplicate(ctx, "")
	require.Equal(t, "MISSING_SIGNAL_ID", errs.CodeOf(err))
}

func TestAdmitDifferentSignalIdsBothPass(t *testing.T) {
	ctx := context.Background()
	g := New(sharedstore.NewLRUStore(10), 5000, time.Minute)
	now := time.Now()

	require.NoError(t, g.Admit(ctx, "titan_BTCUSDT_1_15", now), "first signal should pass")
	require.NoError(t, g.Admit(ctx, "titan_BTCUSDT_2_15", now), "different signal id should pass")
}
