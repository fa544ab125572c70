package obcache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestStaleReasonMissingEntry(t *testing.T) {
	c := New(100*time.Millisecond, zerolog.Nop())
	require.Equal(t, "STALE_L2_CACHE", c.StaleReason("BTCUSDT", time.Now()))
}

func TestStaleReasonAge(t *testing.T) {
	c := New(50*time.Millisecond, zerolog.Nop())
	now := time.Now()
	c.Update(domain.OrderBookSnapshot{Symbol: "BTCUSDT", LastUpdate: now.Add(-100 * time.Millisecond)})
	require.Equal(t, "STALE_L2_CACHE", c.StaleReason("BTCUSDT", now))
}

func TestStaleReasonDisconnected(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	now := time.Now()
	c.Update(domain.OrderBookSnapshot{Symbol: "BTCUSDT", LastUpdate: now})
	c.SetFeedDisconnected(true)
	require.Equal(t, "STALE_L2_CACHE_DISCONNECTED", c.StaleReason("BTCUSDT", now))
}

func TestFreshSnapshotNotStale(t *testing.T) {
	c := New(time.Second, zerolog.Nop())
	now := time.Now()
	c.Update(domain.OrderBookSnapshot{Symbol: "BTCUSDT", LastUpdate: now})
	require.Empty(t, c.StaleReason("BTCUSDT", now), "expected fresh")
}

func TestOBIFavorsBids(t *testing.T) {
	snap := domain.OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids:   []domain.PriceLevel{{Price: dec("100"), Size: dec("10")}},
		Asks:   []domain.PriceLevel{{Price: dec("101"), Size: dec("5")}},
	}
	obi := snap.OBI(5)
	want := dec("2")
	require.Truef(t, obi.Equal(want), "OBI = %s, want %s", obi, want)
}
