package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/broker"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/obcache"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time        { return f.now }
func (f *fakeClock) Sleep(d time.Duration) { f.now = f.now.Add(d) }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type scriptedAdapter struct {
	sendCount   int
	statusCalls int
	statusFn    func(calls int) broker.OrderState
	canceled    []string
}

func (a *scriptedAdapter) SendOrder(_ context.Context, req broker.OrderRequest) (broker.OrderState, error) {
	a.sendCount++
	return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}, nil
}
func (a *scriptedAdapter) GetOrderStatus(_ context.Context, orderID string) (broker.OrderState, error) {
	a.statusCalls++
	return a.statusFn(a.statusCalls), nil
}
func (a *scriptedAdapter) CancelOrder(_ context.Context, orderID string) error {
	a.canceled = append(a.canceled, orderID)
	return nil
}
func (a *scriptedAdapter) UpdateStopLoss(context.Context, string, decimal.Decimal) error   { return nil }
func (a *scriptedAdapter) UpdateTakeProfit(context.Context, string, decimal.Decimal) error { return nil }
func (a *scriptedAdapter) GetPositions(context.Context) ([]domain.Position, error)         { return nil, nil }
func (a *scriptedAdapter) ClosePosition(context.Context, string) error                     { return nil }
func (a *scriptedAdapter) CloseAllPositions(context.Context) error                         { return nil }
func (a *scriptedAdapter) TestConnection(context.Context) error                            { return nil }

func freshCache(symbol string, bid, ask, bidSize, askSize string) *obcache.Cache {
	c := obcache.New(time.Minute, zerolog.Nop())
	c.Update(domain.OrderBookSnapshot{
		Symbol:     symbol,
		Bids:       []domain.PriceLevel{{Price: dec(bid), Size: dec(bidSize)}},
		Asks:       []domain.PriceLevel{{Price: dec(ask), Size: dec(askSize)}},
		LastUpdate: time.Now(),
	})
	return c
}

func TestRunLimitOrKillFillsWithinWindow(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		if calls >= 2 {
			return broker.OrderState{OrderID: "o1", Status: broker.OrderFilled, FilledSize: dec("1"), AvgFillPrice: dec("100")}
		}
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "99.9", "100.1", "10", "10")
	clock := &fakeClock{now: time.Now()}

	res, err := RunLimitOrKill(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1")
	require.NoError(t, err)
	require.Equal(t, LOKFilled, res.Outcome)
}

func TestRunLimitOrKillMissesEntryAtTimeout(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "100", "100.2", "10", "10")
	clock := &fakeClock{now: time.Now()}

	res, err := RunLimitOrKill(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1")
	require.NoError(t, err)
	require.Equal(t, LOKMissedEntry, res.Outcome)
	require.Len(t, adapter.canceled, 1, "expected the unfilled order to be canceled")
}

func TestRunLimitOrKillPartiallyFilledAtTimeout(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen, FilledSize: dec("0.4"), AvgFillPrice: dec("100")}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "100", "100.2", "10", "10")
	clock := &fakeClock{now: time.Now()}

	res, err := RunLimitOrKill(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1")
	require.NoError(t, err)
	require.Equal(t, LOKPartiallyFilled, res.Outcome)
	require.True(t, res.FilledSize.Equal(dec("0.4")), "expected partial fill size 0.4, got %s", res.FilledSize)
}

func TestAlphaHalfLifeDefaultsByClassAndUrgency(t *testing.T) {
	require.Equal(t, 10*time.Second, AlphaHalfLife(domain.ClassScalp, 0, 10))
	require.Equal(t, 180*time.Second, AlphaHalfLife(domain.ClassSwing, 0, 96), "expected 120s*1.5=180s for urgency>95")
	require.Equal(t, 5*time.Second, AlphaHalfLife(domain.ClassDay, 5*time.Second, 10), "expected override to win")
}

func TestRunLimitChaserAlphaExpires(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "99.9", "100.1", "10", "10")
	clock := &fakeClock{now: time.Now()}

	cfg := DefaultChaseConfig()
	cfg.MaxChaseTime = 10 * time.Second // wide, so alpha decay triggers first
	res, err := RunLimitChaser(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1", 100*time.Millisecond, dec("0.1"), cfg)
	require.NoError(t, err)
	require.Equal(t, ChaseAlphaExpired, res.Reason)
}

func TestRunLimitChaserOBIWorsening(t *testing.T) {
	cache := obcache.New(time.Minute, zerolog.Nop())
	cache.Update(domain.OrderBookSnapshot{
		Symbol:     "BTCUSDT",
		Bids:       []domain.PriceLevel{{Price: dec("99.9"), Size: dec("20")}},
		Asks:       []domain.PriceLevel{{Price: dec("100.1"), Size: dec("20")}},
		LastUpdate: time.Now(),
	})

	callCount := 0
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		callCount++
		if callCount == 1 {
			// after first poll, worsen the book for a BUY (OBI decreasing)
			cache.Update(domain.OrderBookSnapshot{
				Symbol:     "BTCUSDT",
				Bids:       []domain.PriceLevel{{Price: dec("99.9"), Size: dec("5")}},
				Asks:       []domain.PriceLevel{{Price: dec("100.1"), Size: dec("20")}},
				LastUpdate: time.Now(),
			})
		}
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	clock := &fakeClock{now: time.Now()}

	cfg := DefaultChaseConfig()
	res, err := RunLimitChaser(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1", time.Minute, dec("0.1"), cfg)
	require.NoError(t, err)
	require.Equal(t, ChaseOBIWorsening, res.Reason)
}

func TestRunLimitChaserFills(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		if calls >= 1 {
			return broker.OrderState{OrderID: "o1", Status: broker.OrderFilled, FilledSize: dec("1"), AvgFillPrice: dec("100.1")}
		}
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "99.9", "100.1", "10", "10")
	clock := &fakeClock{now: time.Now()}

	cfg := DefaultChaseConfig()
	res, err := RunLimitChaser(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1", time.Minute, dec("0.1"), cfg)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ChaseFilled, res.Reason)
}

func TestRunLimitChaserMaxTicksExceeded(t *testing.T) {
	adapter := &scriptedAdapter{statusFn: func(calls int) broker.OrderState {
		return broker.OrderState{OrderID: "o1", Status: broker.OrderOpen}
	}}
	gw := broker.NewGateway(adapter, nil, zerolog.Nop(), 0, time.Millisecond, time.Millisecond)
	cache := freshCache("BTCUSDT", "99.9", "100.1", "10", "10")
	clock := &fakeClock{now: time.Now()}

	cfg := DefaultChaseConfig()
	cfg.MaxChaseTime = time.Hour
	cfg.MaxChaseTicks = 2
	res, err := RunLimitChaser(context.Background(), gw, cache, clock, "BTCUSDT", domain.Long, dec("1"), "sig-1", time.Hour, dec("0.1"), cfg)
	require.NoError(t, err)
	require.Equal(t, ChaseMaxTicksExceeded, res.Reason)
	require.Equal(t, 2, res.ChaseTicks, "expected exactly 2 ticks consumed")
}

func TestShouldAddPyramidLayerRequiresRiskOnAndTwoPercentMove(t *testing.T) {
	pos := domain.Position{Side: domain.Long, EntryPrice: dec("100"), Layers: []domain.PyramidLayer{{}}}

	require.False(t, ShouldAddPyramidLayer(pos, dec("101"), domain.RegimeVector{RiskOn: true}), "1%% move should not qualify")
	require.True(t, ShouldAddPyramidLayer(pos, dec("103"), domain.RegimeVector{RiskOn: true}), "3%% favorable move with risk-on should qualify")
	require.False(t, ShouldAddPyramidLayer(pos, dec("103"), domain.RegimeVector{RiskOn: false}), "risk-off should never qualify")
}

func TestShouldAddPyramidLayerRespectsMaxLayers(t *testing.T) {
	pos := domain.Position{
		Side: domain.Long, EntryPrice: dec("100"),
		Layers: []domain.PyramidLayer{{}, {}, {}, {}},
	}
	require.False(t, ShouldAddPyramidLayer(pos, dec("110"), domain.RegimeVector{RiskOn: true}), "position already at max layers should not qualify for another")
}

func TestAutoTrailStopLossMovesOnlyOnSecondLayer(t *testing.T) {
	pos := domain.Position{EntryPrice: dec("105"), StopLoss: dec("95"), Layers: []domain.PyramidLayer{{}, {}}}
	sl := AutoTrailStopLoss(pos)
	require.True(t, sl.Equal(dec("105")), "expected stop trailed to entry 105 on 2nd layer, got %s", sl)

	pos.Layers = append(pos.Layers, domain.PyramidLayer{})
	sl = AutoTrailStopLoss(pos)
	require.True(t, sl.Equal(dec("95")), "expected stop unchanged on 3rd layer, got %s", sl)
}
