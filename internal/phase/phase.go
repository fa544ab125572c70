// Package phase maps current equity to a PhaseConfig and observes
// transitions between bands. Phase 1 (equity < $1000)
// is MAKER/SCALP-only with no pyramiding; Phase 2 (equity >= $1000) is
// TAKER, allows DAY/SWING, and allows pyramiding.
//
// Upstream documentation disagrees with itself on Phase 2's max leverage,
// stating both 15x and 20x. DefaultPhase2 carries 15x, the more
// conservative reading.
package phase

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
)

// DefaultPhase1 is the equity < $1000 band.
func DefaultPhase1(riskPct float64) domain.PhaseConfig {
	return domain.PhaseConfig{
		Label:             "PHASE_1",
		MinEquity:         decimal.Zero,
		RiskPct:           decimal.NewFromFloat(riskPct),
		MaxLeverage:       3,
		ExecutionMode:     domain.Maker,
		AllowedClasses:    []domain.SignalClass{domain.ClassScalp},
		PyramidingAllowed: false,
	}
}

// DefaultPhase2 is the equity >= $1000 band. MaxLeverage is pinned to 15x
// per the Open Question decision above (DESIGN.md).
func DefaultPhase2(riskPct float64) domain.PhaseConfig {
	return domain.PhaseConfig{
		Label:             "PHASE_2",
		MinEquity:         decimal.NewFromInt(1000),
		RiskPct:           decimal.NewFromFloat(riskPct),
		MaxLeverage:       15,
		ExecutionMode:     domain.Taker,
		AllowedClasses:    []domain.SignalClass{domain.ClassDay, domain.ClassSwing},
		PyramidingAllowed: true,
	}
}

// TransitionEvent is emitted whenever the active band changes.
type TransitionEvent struct {
	From   domain.PhaseConfig
	To     domain.PhaseConfig
	Equity decimal.Decimal
}

// Manager holds an ordered set of equity bands (ascending MinEquity) and
// tracks which one is currently active.
type Manager struct {
	mu     sync.RWMutex
	bands  []domain.PhaseConfig // ascending by MinEquity; bands[0] must have MinEquity == 0
	active domain.PhaseConfig
	log    zerolog.Logger

	subscribers []func(TransitionEvent)
}

// New builds a Manager from bands (which must include a zero-floor band)
// and evaluates the initial equity to pick the starting phase.
func New(bands []domain.PhaseConfig, initialEquity decimal.Decimal, log zerolog.Logger) *Manager {
	m := &Manager{bands: bands, log: log}
	m.active = m.resolve(initialEquity)
	return m
}

func (m *Manager) resolve(equity decimal.Decimal) domain.PhaseConfig {
	best := m.bands[0]
	for _, b := range m.bands {
		if equity.GreaterThanOrEqual(b.MinEquity) && b.MinEquity.GreaterThanOrEqual(best.MinEquity) {
			best = b
		}
	}
	return best
}

// Observe re-evaluates equity against the configured bands and, on a band
// change, updates the active phase and emits a TransitionEvent.
func (m *Manager) Observe(equity decimal.Decimal) domain.PhaseConfig {
	next := m.resolve(equity)

	m.mu.Lock()
	prev := m.active
	changed := prev.Label != next.Label
	if changed {
		m.active = next
	}
	m.mu.Unlock()

	if changed {
		m.log.Info().Str("from", prev.Label).Str("to", next.Label).Str("equity", equity.String()).Msg("phase transition")
		m.emit(TransitionEvent{From: prev, To: next, Equity: equity})
	}
	return next
}

// UpdatePhase2EquityThreshold applies a hot-reloaded Phase 2 equity
// boundary by rewriting the MinEquity of every band
// except the zero-floor band. Takes effect on the next Observe call.
func (m *Manager) UpdatePhase2EquityThreshold(threshold decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.bands {
		if m.bands[i].MinEquity.IsZero() {
			continue
		}
		m.bands[i].MinEquity = threshold
	}
}

// Current returns the active PhaseConfig.
func (m *Manager) Current() domain.PhaseConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Subscribe registers fn to be called on every phase transition.
func (m *Manager) Subscribe(fn func(TransitionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) emit(ev TransitionEvent) {
	m.mu.RLock()
	subs := append([]func(TransitionEvent){}, m.subscribers...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// ValidateSignal reports whether class is allowed under the active phase.
// A false result means the caller should reject the signal and emit a
// rejection event upstream (the webhook dispatcher owns that emission).
func (m *Manager) ValidateSignal(class domain.SignalClass) bool {
	return m.Current().Allows(class)
}
