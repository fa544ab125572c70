package l2validator

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/obcache"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func level(price, size string) domain.PriceLevel {
	return domain.PriceLevel{Price: dec(price), Size: dec(size)}
}

func freshBook(symbol string, now time.Time) *obcache.Cache {
	c := obcache.New(time.Minute, zerolog.Nop())
	c.Update(domain.OrderBookSnapshot{
		Symbol:     symbol,
		Bids:       []domain.PriceLevel{level("99.9", "10"), level("99.8", "10")},
		Asks:       []domain.PriceLevel{level("100.1", "10"), level("100.2", "10")},
		LastUpdate: now,
	})
	return c
}

func TestCheckStaleCacheAborts(t *testing.T) {
	now := time.Now()
	c := obcache.New(time.Minute, zerolog.Nop())
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1"), AssetCrypto, 80, 10, now)
	require.False(t, res.Valid)
	require.Equal(t, "STALE_L2_CACHE", res.Reason)
	require.Equal(t, RecommendAbort, res.Recommendation)
}

func TestCheckStructureBelowThresholdAborts(t *testing.T) {
	now := time.Now()
	c := freshBook("BTCUSDT", now)
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1"), AssetCrypto, 40, 10, now)
	require.False(t, res.Valid)
	require.Equal(t, "STRUCTURE_BELOW_THRESHOLD", res.Reason)
}

func TestCheckInsufficientDepthAborts(t *testing.T) {
	now := time.Now()
	c := freshBook("BTCUSDT", now)
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1000"), AssetCrypto, 80, 10, now)
	require.False(t, res.Valid)
	require.Equal(t, "INSUFFICIENT_DEPTH", res.Reason)
}

func TestCheckPassesAndRecommendsLimitOnBalancedBook(t *testing.T) {
	now := time.Now()
	c := freshBook("BTCUSDT", now)
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1"), AssetCrypto, 80, 10, now)
	require.True(t, res.Valid, "expected a passing check on a balanced fresh book")
	require.Equal(t, RecommendLimit, res.Recommendation)
}

func TestCheckRecommendsMarketOnHeavyBidImbalanceForBuy(t *testing.T) {
	now := time.Now()
	c := obcache.New(time.Minute, zerolog.Nop())
	c.Update(domain.OrderBookSnapshot{
		Symbol:     "BTCUSDT",
		Bids:       []domain.PriceLevel{level("99.9", "30")},
		Asks:       []domain.PriceLevel{level("100.1", "10")},
		LastUpdate: now,
	})
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1"), AssetCrypto, 80, 10, now)
	require.True(t, res.Valid)
	require.Equal(t, RecommendMarket, res.Recommendation)
}

func TestCheckSpreadExceededAborts(t *testing.T) {
	now := time.Now()
	c := obcache.New(time.Minute, zerolog.Nop())
	c.Update(domain.OrderBookSnapshot{
		Symbol:     "BTCUSDT",
		Bids:       []domain.PriceLevel{level("90", "10")},
		Asks:       []domain.PriceLevel{level("110", "10")},
		LastUpdate: now,
	})
	v := New(c, nil, 60, 10)

	res := v.Check("BTCUSDT", domain.Long, dec("1"), AssetCrypto, 80, 0, now)
	require.False(t, res.Valid)
	require.Equal(t, "SPREAD_EXCEEDED", res.Reason)
}

func TestMomentumWidensThresholds(t *testing.T) {
	presets := map[AssetClass]Preset{
		AssetCrypto: {MaxSpreadPct: dec("0.1"), MaxSlippagePct: dec("0.15"), MinDepth: dec("1")},
	}
	widened := widen(presets[AssetCrypto].MaxSpreadPct, 95)
	require.Truef(t, widened.Equal(dec("0.15")), "expected 50%% widening above momentum 90, got %s", widened)

	widened = widen(presets[AssetCrypto].MaxSpreadPct, 85)
	require.Truef(t, widened.Equal(dec("0.125")), "expected 25%% widening above momentum 80, got %s", widened)

	widened = widen(presets[AssetCrypto].MaxSpreadPct, 50)
	require.Truef(t, widened.Equal(dec("0.1")), "expected no widening below momentum 80, got %s", widened)
}
