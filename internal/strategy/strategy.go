// Package strategy implements the two phase-aware execution strategies:
// Limit-or-Kill (Phase 1 maker) and Limit Chaser (Phase 2 taker, with
// alpha decay), plus the pyramiding policy that governs adding layers to
// an open Position. Both poll order status against a fixed time budget
// rather than waiting on fill callbacks.
package strategy

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/broker"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/obcache"
)

// Clock abstracts wall time and sleeping so the chase/poll loops are
// deterministically testable.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock is the production Clock backed by time.Sleep/time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time      { return time.Now() }
func (SystemClock) Sleep(d time.Duration) { time.Sleep(d) }

const (
	lokPollInterval = 100 * time.Millisecond
	lokTimeout      = 5000 * time.Millisecond
)

// LOKOutcome is the terminal result of a Limit-or-Kill attempt.
type LOKOutcome string

const (
	LOKFilled          LOKOutcome = "FILLED"
	LOKPartiallyFilled LOKOutcome = "PARTIALLY_FILLED"
	LOKMissedEntry     LOKOutcome = "MISSED_ENTRY"
)

// LOKResult reports the outcome of RunLimitOrKill.
type LOKResult struct {
	Outcome      LOKOutcome
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.Decimal
	BidAtEntry   decimal.Decimal
	CurrentBid   decimal.Decimal
	MovementPct  decimal.Decimal
}

// RunLimitOrKill places a LIMIT order at the passive side of the book (bid
// for BUY, ask for SELL) and polls every 100ms for exactly 5000ms. The
// order is sent as a plain LIMIT: broker.OrderRequest has no post-only flag.
func RunLimitOrKill(ctx context.Context, gw *broker.Gateway, cache *obcache.Cache, clock Clock, symbol string, side domain.Direction, size decimal.Decimal, signalID string) (LOKResult, error) {
	snap, _ := cache.Get(symbol)
	bidAtEntry, _ := snap.BestBid()

	entryPrice, _ := snap.BestBid()
	if side == domain.Short {
		entryPrice, _ = snap.BestAsk()
	}

	state, err := gw.SendOrder(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Type: broker.OrderLimit, Size: size, LimitPrice: entryPrice,
	}, signalID)
	if err != nil {
		return LOKResult{}, err
	}

	deadline := clock.Now().Add(lokTimeout)
	for clock.Now().Before(deadline) {
		clock.Sleep(lokPollInterval)
		state, err = gw.GetOrderStatus(ctx, state.OrderID)
		if err != nil {
			return LOKResult{}, err
		}
		if state.Status == broker.OrderFilled {
			return LOKResult{Outcome: LOKFilled, FilledSize: state.FilledSize, AvgFillPrice: state.AvgFillPrice}, nil
		}
	}

	if state.FilledSize.IsPositive() {
		_ = gw.CancelOrder(ctx, state.OrderID, signalID)
		return LOKResult{Outcome: LOKPartiallyFilled, FilledSize: state.FilledSize, AvgFillPrice: state.AvgFillPrice}, nil
	}

	_ = gw.CancelOrder(ctx, state.OrderID, signalID)
	currentSnap, _ := cache.Get(symbol)
	currentBid, _ := currentSnap.BestBid()
	var movementPct decimal.Decimal
	if bidAtEntry.IsPositive() {
		movementPct = currentBid.Sub(bidAtEntry).Div(bidAtEntry).Mul(decimal.NewFromInt(100))
	}
	return LOKResult{Outcome: LOKMissedEntry, BidAtEntry: bidAtEntry, CurrentBid: currentBid, MovementPct: movementPct}, nil
}

// ChaseOutcome is the terminal result of a Limit Chaser attempt.
type ChaseOutcome string

const (
	ChaseFilled           ChaseOutcome = "FILLED"
	ChaseAlphaExpired     ChaseOutcome = "ALPHA_EXPIRED"
	ChaseOBIWorsening     ChaseOutcome = "OBI_WORSENING"
	ChaseFillTimeout      ChaseOutcome = "FILL_TIMEOUT"
	ChaseMaxTicksExceeded ChaseOutcome = "MAX_TICKS_EXCEEDED"
)

// ChaseConfig holds the chase loop's tunables.
type ChaseConfig struct {
	ChaseInterval     time.Duration // default 200ms
	MaxChaseTime      time.Duration // default 1000ms
	MaxChaseTicks     int           // default 5
	MinAlphaThreshold float64       // default 0.3
	OBIDepth          int           // book depth for OBI sampling, default 10
}

func DefaultChaseConfig() ChaseConfig {
	return ChaseConfig{
		ChaseInterval:     200 * time.Millisecond,
		MaxChaseTime:      1000 * time.Millisecond,
		MaxChaseTicks:     5,
		MinAlphaThreshold: 0.3,
		OBIDepth:          10,
	}
}

// ChaseResult reports the outcome of RunLimitChaser.
type ChaseResult struct {
	Success      bool
	SignalID     string
	ChaseTimeMs  int64
	ChaseTicks   int
	Reason       ChaseOutcome
	FinalPrice   decimal.Decimal
	FinalOBI     decimal.Decimal
}

// AlphaHalfLife resolves the decay half-life for a signal: an explicit
// override wins, else SCALP=10s/DAY=30s/SWING=120s, widened 1.5x when
// urgencyScore>95.
func AlphaHalfLife(class domain.SignalClass, override time.Duration, urgencyScore float64) time.Duration {
	halfLife := override
	if halfLife <= 0 {
		switch class {
		case domain.ClassScalp:
			halfLife = 10 * time.Second
		case domain.ClassDay:
			halfLife = 30 * time.Second
		case domain.ClassSwing:
			halfLife = 120 * time.Second
		default:
			halfLife = 30 * time.Second
		}
	}
	if urgencyScore > 95 {
		halfLife = time.Duration(float64(halfLife) * 1.5)
	}
	return halfLife
}

// DefaultTickSize derives a tick size from price magnitude when the caller
// doesn't supply one.
func DefaultTickSize(price decimal.Decimal) decimal.Decimal {
	switch {
	case price.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return decimal.NewFromFloat(1)
	case price.GreaterThanOrEqual(decimal.NewFromInt(1000)):
		return decimal.NewFromFloat(0.1)
	case price.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return decimal.NewFromFloat(0.01)
	case price.GreaterThanOrEqual(decimal.NewFromInt(10)):
		return decimal.NewFromFloat(0.001)
	default:
		return decimal.NewFromFloat(0.0001)
	}
}

func remainingAlpha(elapsed, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, elapsed.Seconds()/halfLife.Seconds())
}

// RunLimitChaser chases a taker fill by repricing one tick more aggressive
// each interval, canceling early on alpha decay or worsening order-book
// imbalance.
func RunLimitChaser(ctx context.Context, gw *broker.Gateway, cache *obcache.Cache, clock Clock, symbol string, side domain.Direction, size decimal.Decimal, signalID string, halfLife time.Duration, tickSize decimal.Decimal, cfg ChaseConfig) (ChaseResult, error) {
	start := clock.Now()
	snap, _ := cache.Get(symbol)

	price, _ := snap.BestAsk()
	if side == domain.Short {
		price, _ = snap.BestBid()
	}
	if tickSize.IsZero() {
		tickSize = DefaultTickSize(price)
	}

	prevOBI := snap.OBI(cfg.OBIDepth)

	state, err := gw.SendOrder(ctx, broker.OrderRequest{
		Symbol: symbol, Side: side, Type: broker.OrderLimit, Size: size, LimitPrice: price,
	}, signalID)
	if err != nil {
		return ChaseResult{}, err
	}

	ticks := 0
	for {
		clock.Sleep(cfg.ChaseInterval)
		elapsed := clock.Now().Sub(start)

		if elapsed >= cfg.MaxChaseTime {
			state, err = gw.GetOrderStatus(ctx, state.OrderID)
			if err == nil && state.Status == broker.OrderFilled {
				return chaseSuccess(signalID, elapsed, ticks, price, prevOBI), nil
			}
			_ = gw.CancelOrder(ctx, state.OrderID, signalID)
			return chaseFailure(signalID, elapsed, ticks, ChaseFillTimeout, price, prevOBI), nil
		}

		if remainingAlpha(elapsed, halfLife) < cfg.MinAlphaThreshold {
			_ = gw.CancelOrder(ctx, state.OrderID, signalID)
			return chaseFailure(signalID, elapsed, ticks, ChaseAlphaExpired, price, prevOBI), nil
		}

		currentSnap, _ := cache.Get(symbol)
		currentOBI := currentSnap.OBI(cfg.OBIDepth)
		worsening := currentOBI.LessThan(prevOBI)
		if side == domain.Short {
			worsening = currentOBI.GreaterThan(prevOBI)
		}
		if worsening {
			_ = gw.CancelOrder(ctx, state.OrderID, signalID)
			return chaseFailure(signalID, elapsed, ticks, ChaseOBIWorsening, price, currentOBI), nil
		}
		prevOBI = currentOBI

		state, err = gw.GetOrderStatus(ctx, state.OrderID)
		if err != nil {
			return ChaseResult{}, err
		}
		if state.Status == broker.OrderFilled {
			return chaseSuccess(signalID, elapsed, ticks, price, currentOBI), nil
		}

		if ticks >= cfg.MaxChaseTicks {
			_ = gw.CancelOrder(ctx, state.OrderID, signalID)
			return chaseFailure(signalID, elapsed, ticks, ChaseMaxTicksExceeded, price, currentOBI), nil
		}

		_ = gw.CancelOrder(ctx, state.OrderID, signalID)
		if side == domain.Long {
			price = price.Add(tickSize)
		} else {
			price = price.Sub(tickSize)
		}
		ticks++

		state, err = gw.SendOrder(ctx, broker.OrderRequest{
			Symbol: symbol, Side: side, Type: broker.OrderLimit, Size: size, LimitPrice: price,
		}, signalID)
		if err != nil {
			return ChaseResult{}, err
		}
	}
}

func chaseSuccess(signalID string, elapsed time.Duration, ticks int, price, obi decimal.Decimal) ChaseResult {
	return ChaseResult{Success: true, SignalID: signalID, ChaseTimeMs: elapsed.Milliseconds(), ChaseTicks: ticks, Reason: ChaseFilled, FinalPrice: price, FinalOBI: obi}
}

func chaseFailure(signalID string, elapsed time.Duration, ticks int, reason ChaseOutcome, price, obi decimal.Decimal) ChaseResult {
	return ChaseResult{Success: false, SignalID: signalID, ChaseTimeMs: elapsed.Milliseconds(), ChaseTicks: ticks, Reason: reason, FinalPrice: price, FinalOBI: obi}
}

// ShouldAddPyramidLayer reports whether an open Position qualifies for a new
// pyramid layer: price has moved 2% in the position's favor, regime is
// Risk-On, and the layer cap (4) hasn't been reached. Phase 2 only — the
// caller is responsible for gating on PhaseConfig.PyramidingAllowed.
func ShouldAddPyramidLayer(pos domain.Position, currentPrice decimal.Decimal, regime domain.RegimeVector) bool {
	const maxLayers = 4
	if len(pos.Layers) >= maxLayers {
		return false
	}
	if !regime.RiskOn {
		return false
	}
	if pos.Side == domain.Long {
		threshold := pos.EntryPrice.Mul(decimal.NewFromFloat(1.02))
		return currentPrice.GreaterThan(threshold)
	}
	threshold := pos.EntryPrice.Mul(decimal.NewFromFloat(0.98))
	return currentPrice.LessThan(threshold)
}

// AutoTrailStopLoss returns the stop-loss to apply after a pyramid layer was
// just added: on the 2nd layer, it trails to the position's current
// volume-weighted entry price; otherwise the existing stop is unchanged.
func AutoTrailStopLoss(pos domain.Position) decimal.Decimal {
	if len(pos.Layers) == 2 {
		return pos.EntryPrice
	}
	return pos.StopLoss
}
