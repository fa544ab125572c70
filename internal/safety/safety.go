// Package safety implements the pre-trade gates: asset whitelist,
// master-arm check, a consecutive-losses/drawdown circuit breaker, and
// funding-proxy direction suppression. Checks short-circuit on first
// failure. The circuit breaker is backed by sony/gobreaker rather than a
// hand-rolled state machine.
package safety

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

// ArmChecker is the subset of masterarm.Switch the gates need.
type ArmChecker interface {
	Armed() bool
}

// Gates bundles every pre-trade check plus the mutable SafetyState they
// read and update.
type Gates struct {
	mu sync.RWMutex

	arm       ArmChecker
	whitelist map[string]bool // nil means "no whitelist enforced"
	breaker   *gobreaker.CircuitBreaker

	maxConsecutiveLosses int
	maxDailyDrawdownPct  float64
	maxWeeklyDrawdownPct float64
	cooldown             time.Duration

	fundingGreedCeiling decimal.Decimal // suppress new LONGs above this
	fundingFearFloor    decimal.Decimal // suppress new SHORTs below this

	state domain.SafetyState
	log   zerolog.Logger
}

// Config holds the gate tunables validated at startup.
type Config struct {
	Whitelist            []string // empty/nil disables whitelist enforcement
	MaxConsecutiveLosses int
	MaxDailyDrawdownPct  float64
	MaxWeeklyDrawdownPct float64
	CooldownHours        float64
	FundingGreedCeiling  decimal.Decimal
	FundingFearFloor     decimal.Decimal
}

func New(arm ArmChecker, cfg Config, log zerolog.Logger) *Gates {
	var wl map[string]bool
	if len(cfg.Whitelist) > 0 {
		wl = make(map[string]bool, len(cfg.Whitelist))
		for _, s := range cfg.Whitelist {
			wl[s] = true
		}
	}

	g := &Gates{
		arm:                  arm,
		whitelist:            wl,
		maxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		maxDailyDrawdownPct:  cfg.MaxDailyDrawdownPct,
		maxWeeklyDrawdownPct: cfg.MaxWeeklyDrawdownPct,
		cooldown:             time.Duration(cfg.CooldownHours * float64(time.Hour)),
		fundingGreedCeiling:  cfg.FundingGreedCeiling,
		fundingFearFloor:     cfg.FundingFearFloor,
		log:                  log,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "safety-circuit-breaker",
		MaxRequests: 1,
		Interval:    0, // never auto-clears counts; cooldown governs re-open
		Timeout:     g.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			g.mu.RLock()
			max := g.maxConsecutiveLosses
			g.mu.RUnlock()
			return int(counts.ConsecutiveFailures) >= max
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return g
}

// RecordTradeResult feeds a closed trade's outcome into the circuit
// breaker and the rolling drawdown snapshot. Call this from the
// ShadowState close path.
func (g *Gates) RecordTradeResult(pnl decimal.Decimal) {
	_, _ = g.breaker.Execute(func() (interface{}, error) {
		if pnl.IsNegative() {
			return nil, errs.Business("LOSING_TRADE", "trade closed at a loss")
		}
		return nil, nil
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if pnl.IsNegative() {
		g.state.ConsecutiveLosses++
	} else {
		g.state.ConsecutiveLosses = 0
	}
}

// UpdateThresholds applies a hot-reloaded set of risk thresholds without
// rebuilding the circuit breaker or losing its current trip state.
func (g *Gates) UpdateThresholds(maxConsecutiveLosses int, maxDailyDrawdownPct, maxWeeklyDrawdownPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.maxConsecutiveLosses = maxConsecutiveLosses
	g.maxDailyDrawdownPct = maxDailyDrawdownPct
	g.maxWeeklyDrawdownPct = maxWeeklyDrawdownPct
}

// UpdateDrawdown sets the observed daily/weekly P&L percentages used by the
// drawdown check, typically refreshed once per reconciliation tick.
func (g *Gates) UpdateDrawdown(dailyPct, weeklyPct float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.DailyPnLPct = decimal.NewFromFloat(dailyPct)
	g.state.WeeklyPnLPct = decimal.NewFromFloat(weeklyPct)
}

// UpdateFundingProxy sets the current funding/greed-fear proxy value.
func (g *Gates) UpdateFundingProxy(value decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.FundingProxy = value
}

// Snapshot returns a read-only copy of the current SafetyState.
func (g *Gates) Snapshot() domain.SafetyState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Check runs the ordered pre-trade gates for a
// candidate signal on symbol in direction dir. The first failing check wins.
func (g *Gates) Check(symbol string, dir domain.Direction) error {
	if g.whitelist != nil && !g.whitelist[symbol] {
		return errs.Business("ASSET_DISABLED", "symbol "+symbol+" is not on the trading whitelist")
	}
	if !g.arm.Armed() {
		return errs.Business("EXECUTION_DISABLED_BY_OPERATOR", "master arm is off")
	}

	g.mu.RLock()
	consecutiveLosses := g.state.ConsecutiveLosses
	dailyDD := g.state.DailyPnLPct
	weeklyDD := g.state.WeeklyPnLPct
	funding := g.state.FundingProxy
	maxConsecutiveLosses := g.maxConsecutiveLosses
	maxDailyDrawdownPct := g.maxDailyDrawdownPct
	maxWeeklyDrawdownPct := g.maxWeeklyDrawdownPct
	g.mu.RUnlock()

	if g.breaker.State() == gobreaker.StateOpen {
		return errs.Business("CIRCUIT_BREAKER_OPEN", "circuit breaker open after consecutive losses")
	}
	if maxConsecutiveLosses > 0 && consecutiveLosses >= maxConsecutiveLosses {
		return errs.Business("CIRCUIT_BREAKER_OPEN", "max consecutive losses reached, cooling down")
	}
	if maxDailyDrawdownPct > 0 && dailyDD.IsNegative() && dailyDD.Abs().GreaterThanOrEqual(decimal.NewFromFloat(maxDailyDrawdownPct)) {
		return errs.Business("DAILY_DRAWDOWN_EXCEEDED", "daily drawdown limit reached")
	}
	if maxWeeklyDrawdownPct > 0 && weeklyDD.IsNegative() && weeklyDD.Abs().GreaterThanOrEqual(decimal.NewFromFloat(maxWeeklyDrawdownPct)) {
		return errs.Business("WEEKLY_DRAWDOWN_EXCEEDED", "weekly drawdown limit reached")
	}

	if !g.fundingGreedCeiling.IsZero() && dir == domain.Long && funding.GreaterThan(g.fundingGreedCeiling) {
		return errs.Business("FUNDING_GREED_SUPPRESSED", "funding proxy above greed ceiling, suppressing new longs")
	}
	if !g.fundingFearFloor.IsZero() && dir == domain.Short && funding.LessThan(g.fundingFearFloor) {
		return errs.Business("FUNDING_FEAR_SUPPRESSED", "funding proxy below fear floor, suppressing new shorts")
	}

	return nil
}
