// Package reconcile periodically diffs Shadow State against the broker's
// reported positions. Consecutive mismatches past a
// threshold escalate to an emergency flatten and disarm execution.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
)

// MismatchKind enumerates the diff outcomes.
type MismatchKind string

const (
	MismatchMissingInShadow MismatchKind = "MISSING_IN_SHADOW"
	MismatchMissingInBroker MismatchKind = "MISSING_IN_BROKER"
	MismatchSizeMismatch    MismatchKind = "SIZE_MISMATCH"
	MismatchSideMismatch    MismatchKind = "SIDE_MISMATCH"
)

// Mismatch describes one symbol-level discrepancy.
type Mismatch struct {
	Symbol string
	Kind   MismatchKind
	Shadow domain.Position
	Broker domain.Position
}

// EventKind enumerates what the loop reports to subscribers.
type EventKind string

const (
	EventSyncOK           EventKind = "sync_ok"
	EventMismatch         EventKind = "mismatch"
	EventEmergencyFlatten EventKind = "emergency_flatten"
)

// EmergencyFlattenReason is the fixed reason code for the escalation path.
const EmergencyFlattenReason = "CONSECUTIVE_MISMATCHES"

// Event is one reconciliation occurrence.
type Event struct {
	Kind      EventKind
	Mismatches []Mismatch
	At        time.Time
}

// BrokerPositions is the subset of broker.Gateway the loop needs.
type BrokerPositions interface {
	GetPositions(ctx context.Context) ([]domain.Position, error)
}

// ShadowPositions is the subset of shadowstate.State the loop needs.
type ShadowPositions interface {
	Positions() map[string]domain.Position
}

// Loop periodically diffs shadow vs. broker and escalates on repeated
// mismatches.
type Loop struct {
	broker BrokerPositions
	shadow ShadowPositions
	log    zerolog.Logger

	epsilon                  decimal.Decimal
	maxConsecutiveMismatches int

	mu                   sync.Mutex
	consecutiveMismatches int

	onEmergencyFlatten func()
	subscribers        []func(Event)
}

func New(broker BrokerPositions, shadow ShadowPositions, epsilon decimal.Decimal, maxConsecutiveMismatches int, onEmergencyFlatten func(), log zerolog.Logger) *Loop {
	return &Loop{
		broker:                   broker,
		shadow:                   shadow,
		epsilon:                  epsilon,
		maxConsecutiveMismatches: maxConsecutiveMismatches,
		onEmergencyFlatten:       onEmergencyFlatten,
		log:                      log,
	}
}

// Subscribe registers fn to receive every Event.
func (l *Loop) Subscribe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Loop) emit(ev Event) {
	l.mu.Lock()
	subs := append([]func(Event){}, l.subscribers...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Run ticks every interval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tickOnce(ctx, time.Now())
		}
	}
}

func (l *Loop) tickOnce(ctx context.Context, now time.Time) {
	brokerPositions, err := l.broker.GetPositions(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("reconciliation: broker positions unavailable this cycle")
		return
	}
	mismatches := Diff(l.shadow.Positions(), brokerPositions, l.epsilon)

	if len(mismatches) == 0 {
		l.mu.Lock()
		l.consecutiveMismatches = 0
		l.mu.Unlock()
		l.emit(Event{Kind: EventSyncOK, At: now})
		return
	}

	l.mu.Lock()
	l.consecutiveMismatches++
	count := l.consecutiveMismatches
	l.mu.Unlock()

	l.emit(Event{Kind: EventMismatch, Mismatches: mismatches, At: now})
	l.log.Warn().Int("count", count).Interface("mismatches", mismatches).Msg("reconciliation mismatch")

	if count < l.maxConsecutiveMismatches {
		return
	}

	l.emit(Event{Kind: EventEmergencyFlatten, Mismatches: mismatches, At: now})
	if l.onEmergencyFlatten != nil {
		l.onEmergencyFlatten()
	}
}

// Diff compares shadow's open positions against broker's reported
// positions and returns every mismatch. Size tolerance follows the
// Open Question decision in DESIGN.md: any non-zero delta beyond epsilon
// is a mismatch.
func Diff(shadow map[string]domain.Position, broker []domain.Position, epsilon decimal.Decimal) []Mismatch {
	brokerBySymbol := make(map[string]domain.Position, len(broker))
	for _, p := range broker {
		brokerBySymbol[p.Symbol] = p
	}

	var mismatches []Mismatch
	for symbol, sp := range shadow {
		bp, ok := brokerBySymbol[symbol]
		if !ok {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchMissingInBroker, Shadow: sp})
			continue
		}
		delete(brokerBySymbol, symbol)
		if sp.Side != bp.Side {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchSideMismatch, Shadow: sp, Broker: bp})
			continue
		}
		if sp.Size.Sub(bp.Size).Abs().GreaterThan(epsilon) {
			mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchSizeMismatch, Shadow: sp, Broker: bp})
		}
	}
	for symbol, bp := range brokerBySymbol {
		mismatches = append(mismatches, Mismatch{Symbol: symbol, Kind: MismatchMissingInShadow, Broker: bp})
	}
	return mismatches
}
