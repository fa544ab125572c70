// Package domain holds the shared entity types of the execution core. All
// price and size fields use decimal.Decimal rather than float64:
// pyramiding arithmetic and P&L accumulation must not drift under floating
// point error.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is long (+1) or short (-1).
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	if d == Long {
		return "LONG"
	}
	return "SHORT"
}

// SignalClass buckets an intent's expected holding period, used to pick an
// alpha half-life and to gate against PhaseConfig.AllowedSignalClasses.
type SignalClass string

const (
	ClassScalp SignalClass = "SCALP"
	ClassDay   SignalClass = "DAY"
	ClassSwing SignalClass = "SWING"
)

// IntentStatus is the Intent lifecycle state.
type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentValidated IntentStatus = "VALIDATED"
	IntentExecuted  IntentStatus = "EXECUTED"
	IntentRejected  IntentStatus = "REJECTED"
)

// ModelRecommendation is the regime model's directional read.
type ModelRecommendation string

const (
	RecTrendFollow ModelRecommendation = "TREND_FOLLOW"
	RecMeanRevert  ModelRecommendation = "MEAN_REVERT"
	RecNoTrade     ModelRecommendation = "NO_TRADE"
)

// RegimeState is a −1/0/+1 ternary axis (trend, vol, or regime).
type RegimeState int

const (
	RegimeBearish RegimeState = -1
	RegimeNeutral RegimeState = 0
	RegimeBullish RegimeState = 1
)

// RegimeVector describes the market context attached to an Intent at
// creation and frozen onto a Position at entry.
type RegimeVector struct {
	TrendState      RegimeState
	VolState        RegimeState
	RegimeState     RegimeState
	StructureScore  float64 // [0,100]
	MomentumScore   float64 // [0,100]
	Recommendation  ModelRecommendation
	FDI             float64
	IsSqueeze       bool
	RSIReset        bool
	EfficiencyRatio float64

	// RiskOn reports whether the regime currently favors holding/adding
	// risk; pyramiding and REGIME_KILL transitions key off this.
	RiskOn bool
}

// TakeProfitLevel is one leg of a take-profit vector, e.g. "TP1".
type TakeProfitLevel struct {
	Label string
	Price decimal.Decimal
}

// Intent is created when a PREPARE or CONFIRM signal is admitted. It is
// immutable after a terminal transition (EXECUTED or
// REJECTED).
type Intent struct {
	SignalId      string
	Symbol        string
	Direction     Direction
	Size          decimal.Decimal
	EntryZoneLow  decimal.Decimal
	EntryZoneHigh decimal.Decimal
	StopLoss      decimal.Decimal
	TakeProfits   []TakeProfitLevel
	Regime        RegimeVector
	Class         SignalClass
	AlphaHalfLife time.Duration

	Status    IntentStatus
	CreatedAt time.Time
	ExpiresAt time.Time // CreatedAt + TTL (default 5 min); GC boundary for PENDING intents

	RejectReason string
}

// Terminal reports whether the Intent has reached an immutable end state.
func (i Intent) Terminal() bool {
	return i.Status == IntentExecuted || i.Status == IntentRejected
}

// Fill is the broker's report of an execution attempt for one Intent,
// consumed by ShadowState.ConfirmExecution.
type Fill struct {
	SignalId string
	Filled   bool
	Size     decimal.Decimal
	Price    decimal.Decimal
	FilledAt time.Time
}

// PyramidLayer records one fill contributing to a Position's volume-weighted
// entry, in append-only order.
type PyramidLayer struct {
	SignalId  string
	Size      decimal.Decimal
	Price     decimal.Decimal
	FilledAt  time.Time
}

// Position is the authoritative local view of an open exposure. At most one
// Position exists per symbol in Shadow State at any time.
type Position struct {
	Symbol       string
	Side         Direction
	Size         decimal.Decimal
	EntryPrice   decimal.Decimal // volume-weighted
	StopLoss     decimal.Decimal
	TakeProfits  []TakeProfitLevel
	OpenedAt     time.Time
	PhaseAtEntry string
	RegimeAtEntry RegimeVector
	Layers       []PyramidLayer

	SignalIdChain []string // every signal-id that contributed a fill, in order
}

// CloseReason enumerates why a Position or slice of it was closed.
type CloseReason string

const (
	ReasonTP1               CloseReason = "TP1"
	ReasonStop              CloseReason = "STOP"
	ReasonRegimeKill        CloseReason = "REGIME_KILL"
	ReasonDeadMansSwitch    CloseReason = "DEAD_MANS_SWITCH"
	ReasonHardKill          CloseReason = "HARD_KILL"
	ReasonAbort             CloseReason = "ABORT"
	ReasonReconcileFlatten  CloseReason = "RECONCILE_FLATTEN"
	ReasonManual            CloseReason = "MANUAL"
)

// TakeProfitReason builds the CloseReason for the Nth take-profit leg, e.g.
// TakeProfitReason(2) -> "TP2".
func TakeProfitReason(n int) CloseReason {
	return CloseReason(TakeProfitLevelLabel(n))
}

// TakeProfitLevelLabel renders "TP<n>".
func TakeProfitLevelLabel(n int) string {
	return "TP" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TradeRecord is produced on any close (full, partial, stop, kill). It is
// immutable once created.
type TradeRecord struct {
	SignalIdChain  []string
	Symbol         string
	Side           Direction
	SizeClosed     decimal.Decimal
	EntryPrice     decimal.Decimal
	ExitPrice      decimal.Decimal
	RealizedPnL    decimal.Decimal
	RealizedPnLPct decimal.Decimal
	Reason         CloseReason
	ClosedAt       time.Time
}

// ComputePnL computes (exit-entry)*size for LONG, (entry-exit)*size for
// SHORT, and the percentage against entry.
func ComputePnL(side Direction, entry, exit, size decimal.Decimal) (pnl, pnlPct decimal.Decimal) {
	var diff decimal.Decimal
	if side == Long {
		diff = exit.Sub(entry)
	} else {
		diff = entry.Sub(exit)
	}
	pnl = diff.Mul(size)
	if entry.IsZero() {
		return pnl, decimal.Zero
	}
	pnlPct = diff.Div(entry).Mul(decimal.NewFromInt(100))
	return pnl, pnlPct
}

// PriceLevel is one rung of an order book ladder.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBookSnapshot is the per-symbol top-of-book + depth view. Bids are
// ordered descending by price, asks ascending.
type OrderBookSnapshot struct {
	Symbol       string
	Bids         []PriceLevel
	Asks         []PriceLevel
	LastUpdate   time.Time
	FeedConnected bool
}

func (s OrderBookSnapshot) BestBid() (decimal.Decimal, bool) {
	if len(s.Bids) == 0 {
		return decimal.Zero, false
	}
	return s.Bids[0].Price, true
}

func (s OrderBookSnapshot) BestAsk() (decimal.Decimal, bool) {
	if len(s.Asks) == 0 {
		return decimal.Zero, false
	}
	return s.Asks[0].Price, true
}

func (s OrderBookSnapshot) Spread() (decimal.Decimal, bool) {
	bid, ok1 := s.BestBid()
	ask, ok2 := s.BestAsk()
	if !ok1 || !ok2 {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

func (s OrderBookSnapshot) SpreadPct() (decimal.Decimal, bool) {
	spread, ok := s.Spread()
	if !ok {
		return decimal.Zero, false
	}
	bid, _ := s.BestBid()
	mid := bid.Add(spread.Div(decimal.NewFromInt(2)))
	if mid.IsZero() {
		return decimal.Zero, false
	}
	return spread.Div(mid).Mul(decimal.NewFromInt(100)), true
}

// OBI computes the order book imbalance (sum bid size / sum ask size) over
// the top depth levels of each side. OBI>1 favors bids, OBI<1 favors asks.
func (s OrderBookSnapshot) OBI(depth int) decimal.Decimal {
	sumSide := func(levels []PriceLevel) decimal.Decimal {
		total := decimal.Zero
		for i, lvl := range levels {
			if i >= depth {
				break
			}
			total = total.Add(lvl.Size)
		}
		return total
	}
	bidSum := sumSide(s.Bids)
	askSum := sumSide(s.Asks)
	if askSum.IsZero() {
		if bidSum.IsZero() {
			return decimal.NewFromInt(1)
		}
		return decimal.NewFromInt(1_000_000) // saturate rather than divide by zero
	}
	return bidSum.Div(askSum)
}

// PhaseConfig is the per-equity-band policy.
type PhaseConfig struct {
	Label              string
	MinEquity          decimal.Decimal
	RiskPct            decimal.Decimal
	MaxLeverage         int
	ExecutionMode      ExecutionMode
	AllowedClasses     []SignalClass
	PyramidingAllowed  bool
}

// ExecutionMode is MAKER (post-only passive) or TAKER (aggressive).
type ExecutionMode string

const (
	Maker ExecutionMode = "MAKER"
	Taker ExecutionMode = "TAKER"
)

func (p PhaseConfig) Allows(class SignalClass) bool {
	for _, c := range p.AllowedClasses {
		if c == class {
			return true
		}
	}
	return false
}

// SafetyState is the safety gate's own read-only-snapshot state.
type SafetyState struct {
	ConsecutiveLosses int
	DailyPnLPct       decimal.Decimal
	WeeklyPnLPct      decimal.Decimal
	CooldownUntil     time.Time
	FundingProxy      decimal.Decimal
}

// IdempotencyEntry is a cached response envelope keyed by signal-id.
type IdempotencyEntry struct {
	SignalId  string
	Response  []byte // serialized envelope (JSON)
	ExpiresAt time.Time
}
