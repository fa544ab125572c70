package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite", ":memory:")
	require.NoError(t, err, "open store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndRecentTradesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := domain.TradeRecord{
		SignalIdChain:  []string{"titan_BTCUSDT_1_15"},
		Symbol:         "BTCUSDT",
		Side:           domain.Long,
		SizeClosed:     decimal.NewFromFloat(0.1),
		EntryPrice:     decimal.NewFromFloat(50000),
		ExitPrice:      decimal.NewFromFloat(50500),
		RealizedPnL:    decimal.NewFromFloat(50),
		RealizedPnLPct: decimal.NewFromFloat(1),
		Reason:         domain.ReasonTP1,
		ClosedAt:       time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.InsertTrade(rec))

	got, err := s.RecentTrades("BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.True(t, got[0].RealizedPnL.Equal(rec.RealizedPnL), "expected pnl %s, got %s", rec.RealizedPnL, got[0].RealizedPnL)
	require.Equal(t, domain.ReasonTP1, got[0].Reason)
}

func TestUpsertAndCloseStoredPosition(t *testing.T) {
	s := openTestStore(t)
	pos := domain.Position{
		Symbol:     "ETHUSDT",
		Side:       domain.Short,
		Size:       decimal.NewFromFloat(1),
		EntryPrice: decimal.NewFromFloat(3000),
		StopLoss:   decimal.NewFromFloat(3100),
		OpenedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.UpsertPosition(pos))
	require.NoError(t, s.CloseStoredPosition("ETHUSDT", time.Now().UTC()))
}

func TestInsertSystemEventEmergencyFlatten(t *testing.T) {
	s := openTestStore(t)
	eventID, err := s.InsertSystemEvent(SystemEvent{
		EventType: "emergency_flatten",
		Severity:  "CRITICAL",
		Service:   "execution-core",
		Message:   "dead man's switch triggered flatten",
		Context: map[string]any{
			"positions_closed": 2,
			"symbols":          []string{"BTCUSDT", "ETHUSDT"},
			"trigger_reason":   "DEAD_MANS_SWITCH",
		},
	})
	require.NoError(t, err)
	_, err = uuid.Parse(eventID)
	require.NoError(t, err, "event id should be a valid uuid")
}
