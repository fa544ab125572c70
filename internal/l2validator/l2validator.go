// Package l2validator implements the microstructure gate: given a
// candidate order, decide whether the cached order book
// supports it and, if so, whether to route it as a maker (LIMIT) or taker
// (MARKET) order. Checks run in a fixed order; the first failure wins.
package l2validator

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/obcache"
)

// Recommendation is the routing hint returned alongside a pass/fail verdict.
type Recommendation string

const (
	RecommendAbort  Recommendation = "ABORT"
	RecommendLimit  Recommendation = "LIMIT"
	RecommendMarket Recommendation = "MARKET"
)

// AssetClass selects which preset spread/slippage/depth thresholds apply.
type AssetClass string

const (
	AssetCrypto AssetClass = "CRYPTO"
	AssetEquity AssetClass = "EQUITY"
)

// Preset holds the per-asset-class thresholds before momentum widening.
type Preset struct {
	MaxSpreadPct   decimal.Decimal
	MaxSlippagePct decimal.Decimal
	MinDepth       decimal.Decimal
}

// DefaultPresets holds per-asset-class thresholds: crypto books are thinner and wider-spread than equities, so
// crypto tolerates more before aborting.
func DefaultPresets() map[AssetClass]Preset {
	return map[AssetClass]Preset{
		AssetCrypto: {
			MaxSpreadPct:   decimal.NewFromFloat(0.30),
			MaxSlippagePct: decimal.NewFromFloat(0.50),
			MinDepth:       decimal.NewFromFloat(1),
		},
		AssetEquity: {
			MaxSpreadPct:   decimal.NewFromFloat(0.15),
			MaxSlippagePct: decimal.NewFromFloat(0.25),
			MinDepth:       decimal.NewFromFloat(1),
		},
	}
}

// Result is the outcome of a Check call.
type Result struct {
	Valid          bool
	Reason         string
	Recommendation Recommendation
}

// Validator evaluates candidate orders against the order-book cache.
type Validator struct {
	cache              *obcache.Cache
	presets            map[AssetClass]Preset
	minStructureScore  float64
	depth              int
}

func New(cache *obcache.Cache, presets map[AssetClass]Preset, minStructureScore float64, depth int) *Validator {
	if presets == nil {
		presets = DefaultPresets()
	}
	if depth <= 0 {
		depth = 10
	}
	return &Validator{cache: cache, presets: presets, minStructureScore: minStructureScore, depth: depth}
}

// Check runs the ordered microstructure checks for a
// candidate order of size in symbol, on side, given the regime vector's
// structure/momentum scores and the asset class governing thresholds.
func (v *Validator) Check(symbol string, side domain.Direction, size decimal.Decimal, assetClass AssetClass, structureScore, momentumScore float64, now time.Time) Result {
	if reason := v.cache.StaleReason(symbol, now); reason != "" {
		return Result{Valid: false, Reason: reason, Recommendation: RecommendAbort}
	}
	if structureScore < v.minStructureScore {
		return Result{Valid: false, Reason: "STRUCTURE_BELOW_THRESHOLD", Recommendation: RecommendAbort}
	}

	preset := v.presets[assetClass]
	maxSpread, maxSlippage := widen(preset.MaxSpreadPct, momentumScore), widen(preset.MaxSlippagePct, momentumScore)

	snap, _ := v.cache.Get(symbol)

	slippagePct, depthOK := expectedSlippagePct(snap, side, size, v.depth)
	if !depthOK {
		return Result{Valid: false, Reason: "INSUFFICIENT_DEPTH", Recommendation: RecommendAbort}
	}

	spreadPct, ok := snap.SpreadPct()
	if !ok {
		return Result{Valid: false, Reason: "INSUFFICIENT_DEPTH", Recommendation: RecommendAbort}
	}
	if spreadPct.GreaterThan(maxSpread) {
		return Result{Valid: false, Reason: "SPREAD_EXCEEDED", Recommendation: RecommendAbort}
	}
	if slippagePct.GreaterThan(maxSlippage) {
		return Result{Valid: false, Reason: "SLIPPAGE_EXCEEDED", Recommendation: RecommendAbort}
	}

	obi := snap.OBI(v.depth)
	reason, rec := obiGate(side, obi)
	return Result{Valid: true, Reason: reason, Recommendation: rec}
}

// widen applies the momentum-based threshold widening: +25% when
// momentum>80, +50% when momentum>90.
func widen(threshold decimal.Decimal, momentumScore float64) decimal.Decimal {
	factor := decimal.NewFromInt(1)
	switch {
	case momentumScore > 90:
		factor = decimal.NewFromFloat(1.5)
	case momentumScore > 80:
		factor = decimal.NewFromFloat(1.25)
	}
	return threshold.Mul(factor)
}

// expectedSlippagePct computes the size-weighted average fill price across
// book levels on the execution side (asks for BUY, bids for SELL) versus
// the best price, as a percentage. Returns ok=false if depth is
// insufficient to absorb size.
func expectedSlippagePct(snap domain.OrderBookSnapshot, side domain.Direction, size decimal.Decimal, maxLevels int) (decimal.Decimal, bool) {
	levels := snap.Asks
	best, ok := snap.BestAsk()
	if side == domain.Short {
		levels = snap.Bids
		best, ok = snap.BestBid()
	}
	if !ok || size.IsZero() {
		return decimal.Zero, false
	}

	remaining := size
	weightedCost := decimal.Zero
	for i, lvl := range levels {
		if i >= maxLevels {
			break
		}
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		weightedCost = weightedCost.Add(take.Mul(lvl.Price))
		remaining = remaining.Sub(take)
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
	}
	if remaining.GreaterThan(decimal.Zero) {
		return decimal.Zero, false
	}

	avgFill := weightedCost.Div(size)
	var diff decimal.Decimal
	if side == domain.Long {
		diff = avgFill.Sub(best)
	} else {
		diff = best.Sub(avgFill)
	}
	if best.IsZero() {
		return decimal.Zero, false
	}
	return diff.Div(best).Mul(decimal.NewFromInt(100)).Abs(), true
}

// obiGate applies the per-side OBI gating: for BUY, OBI<0.5
// recommends LIMIT with a HEAVY_SELL_WALL read, OBI>2.0 recommends MARKET,
// else LIMIT with no annotation. Mirrored for SELL.
func obiGate(side domain.Direction, obi decimal.Decimal) (reason string, rec Recommendation) {
	low := decimal.NewFromFloat(0.5)
	high := decimal.NewFromFloat(2.0)

	if side == domain.Long {
		switch {
		case obi.LessThan(low):
			return "HEAVY_SELL_WALL", RecommendLimit
		case obi.GreaterThan(high):
			return "", RecommendMarket
		default:
			return "", RecommendLimit
		}
	}

	// SELL side mirrors the axis: a heavy buy wall (high OBI) favors a
	// patient LIMIT; a heavy sell wall (low OBI) favors taking MARKET.
	switch {
	case obi.GreaterThan(high):
		return "HEAVY_BUY_WALL", RecommendLimit
	case obi.LessThan(low):
		return "", RecommendMarket
	default:
		return "", RecommendLimit
	}
}
