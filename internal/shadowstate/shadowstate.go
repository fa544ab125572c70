// Package shadowstate is the sole authority for local position truth: the
// Intent lifecycle and the Position book it produces. Mutations are
// serialized behind a single mutex; readers receive copy-on-read snapshots
// so they never observe a torn update.
package shadowstate

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

// State holds every open Intent and Position, guarded by a single mutex.
// All mutating methods take the lock for their full duration; readers take
// an RLock only long enough to copy out what they need.
type State struct {
	mu sync.RWMutex

	intents   map[string]domain.Intent    // by SignalId
	positions map[string]domain.Position  // by Symbol
	history   []domain.TradeRecord

	log zerolog.Logger
}

func New(log zerolog.Logger) *State {
	return &State{
		intents:   make(map[string]domain.Intent),
		positions: make(map[string]domain.Position),
		log:       log,
	}
}

// ProcessIntent registers a new Intent in PENDING. Re-processing the same
// signal-id before it reaches a terminal state returns the existing Intent
// unchanged (idempotent within TTL); re-processing after it has gone
// terminal is rejected, since a REJECTED or EXECUTED
// intent never re-opens.
func (s *State) ProcessIntent(intent domain.Intent, ttl time.Duration, now time.Time) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[intent.SignalId]; ok {
		if existing.Terminal() {
			return domain.Intent{}, errs.Business("INTENT_ALREADY_TERMINAL",
				"signal_id "+intent.SignalId+" already reached a terminal state")
		}
		return existing, nil
	}

	intent.Status = domain.IntentPending
	intent.CreatedAt = now
	intent.ExpiresAt = now.Add(ttl)
	s.intents[intent.SignalId] = intent
	return intent, nil
}

// ValidateIntent transitions PENDING -> VALIDATED.
func (s *State) ValidateIntent(signalID string) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return domain.Intent{}, errs.Business("INTENT_NOT_FOUND", "no intent for signal_id "+signalID)
	}
	if intent.Status != domain.IntentPending {
		return domain.Intent{}, errs.Business("INTENT_INVALID_TRANSITION",
			"cannot validate intent in status "+string(intent.Status))
	}
	intent.Status = domain.IntentValidated
	s.intents[signalID] = intent
	return intent, nil
}

// RejectIntent transitions any non-terminal Intent to REJECTED, recording reason.
func (s *State) RejectIntent(signalID, reason string) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return domain.Intent{}, errs.Business("INTENT_NOT_FOUND", "no intent for signal_id "+signalID)
	}
	if intent.Terminal() {
		return domain.Intent{}, errs.Business("INTENT_ALREADY_TERMINAL",
			"signal_id "+signalID+" already reached a terminal state")
	}
	intent.Status = domain.IntentRejected
	intent.RejectReason = reason
	s.intents[signalID] = intent
	return intent, nil
}

// ConfirmExecution transitions PENDING|VALIDATED -> EXECUTED when fill.Filled
// and fill.Size > 0, else REJECTED. On EXECUTED it either opens a new
// Position for the symbol or pyramids an existing one: new_size = old_size +
// fill_size; new_entry is the size-weighted average of old and new fills.
func (s *State) ConfirmExecution(signalID string, fill domain.Fill, symbol string, side domain.Direction, phaseLabel string, regime domain.RegimeVector, stopLoss decimal.Decimal, takeProfits []domain.TakeProfitLevel) (domain.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[signalID]
	if !ok {
		return domain.Intent{}, errs.Business("INTENT_NOT_FOUND", "no intent for signal_id "+signalID)
	}
	if intent.Status != domain.IntentPending && intent.Status != domain.IntentValidated {
		return domain.Intent{}, errs.Business("INTENT_INVALID_TRANSITION",
			"cannot confirm execution for intent in status "+string(intent.Status))
	}

	if !fill.Filled || !fill.Size.IsPositive() {
		intent.Status = domain.IntentRejected
		intent.RejectReason = "fill not executed"
		s.intents[signalID] = intent
		return intent, nil
	}

	layer := domain.PyramidLayer{SignalId: signalID, Size: fill.Size, Price: fill.Price, FilledAt: fill.FilledAt}

	if existing, open := s.positions[symbol]; open {
		newSize := existing.Size.Add(fill.Size)
		weighted := existing.Size.Mul(existing.EntryPrice).Add(fill.Size.Mul(fill.Price))
		existing.EntryPrice = weighted.Div(newSize)
		existing.Size = newSize
		existing.Layers = append(existing.Layers, layer)
		existing.SignalIdChain = append(existing.SignalIdChain, signalID)
		s.positions[symbol] = existing
	} else {
		s.positions[symbol] = domain.Position{
			Symbol:        symbol,
			Side:          side,
			Size:          fill.Size,
			EntryPrice:    fill.Price,
			StopLoss:      stopLoss,
			TakeProfits:   takeProfits,
			OpenedAt:      fill.FilledAt,
			PhaseAtEntry:  phaseLabel,
			RegimeAtEntry: regime,
			Layers:        []domain.PyramidLayer{layer},
			SignalIdChain: []string{signalID},
		}
	}

	intent.Status = domain.IntentExecuted
	s.intents[signalID] = intent
	return intent, nil
}

// ClosePosition fully closes symbol's Position at exitPrice, producing a
// TradeRecord and removing the Position.
func (s *State) ClosePosition(symbol string, exitPrice decimal.Decimal, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return domain.TradeRecord{}, errs.Business("POSITION_NOT_FOUND", "no open position for "+symbol)
	}
	record := s.recordCloseLocked(pos, pos.Size, exitPrice, reason, now)
	delete(s.positions, symbol)
	return record, nil
}

// ClosePartialPosition reduces symbol's Position by closeSize, leaving entry
// price unchanged. 0 < closeSize < position.Size is required.
func (s *State) ClosePartialPosition(symbol string, exitPrice, closeSize decimal.Decimal, reason domain.CloseReason, now time.Time) (domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return domain.TradeRecord{}, errs.Business("POSITION_NOT_FOUND", "no open position for "+symbol)
	}
	if !closeSize.IsPositive() || closeSize.GreaterThanOrEqual(pos.Size) {
		return domain.TradeRecord{}, errs.Validation("INVALID_CLOSE_SIZE",
			"close_size must be within (0, position.size)")
	}

	record := s.recordCloseLocked(pos, closeSize, exitPrice, reason, now)
	pos.Size = pos.Size.Sub(closeSize)
	s.positions[symbol] = pos
	return record, nil
}

// CloseAllPositions flattens every open Position using priceFn to source an
// exit price per symbol, used by safety paths (heartbeat, drift guard,
// reconciliation) to emergency-flatten the book.
func (s *State) CloseAllPositions(priceFn func(symbol string) (decimal.Decimal, bool), reason domain.CloseReason, now time.Time) []domain.TradeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]domain.TradeRecord, 0, len(s.positions))
	for symbol, pos := range s.positions {
		exit, ok := priceFn(symbol)
		if !ok {
			s.log.Warn().Str("symbol", symbol).Msg("no exit price available during flatten, skipping")
			continue
		}
		records = append(records, s.recordCloseLocked(pos, pos.Size, exit, reason, now))
		delete(s.positions, symbol)
	}
	return records
}

// recordCloseLocked must be called with mu held. It computes P&L for
// closeSize of pos and appends a TradeRecord to history.
func (s *State) recordCloseLocked(pos domain.Position, closeSize, exitPrice decimal.Decimal, reason domain.CloseReason, now time.Time) domain.TradeRecord {
	pnl, pnlPct := domain.ComputePnL(pos.Side, pos.EntryPrice, exitPrice, closeSize)
	record := domain.TradeRecord{
		SignalIdChain:  append([]string(nil), pos.SignalIdChain...),
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		SizeClosed:     closeSize,
		EntryPrice:     pos.EntryPrice,
		ExitPrice:      exitPrice,
		RealizedPnL:    pnl,
		RealizedPnLPct: pnlPct,
		Reason:         reason,
		ClosedAt:       now,
	}
	s.history = append(s.history, record)
	return record
}

// ExpireIntents removes every PENDING Intent whose TTL has elapsed and
// returns how many were collected. VALIDATED intents are left alone: an
// execution may still be in flight for them.
func (s *State) ExpireIntents(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	collected := 0
	for id, intent := range s.intents {
		if intent.Status == domain.IntentPending && now.After(intent.ExpiresAt) {
			delete(s.intents, id)
			collected++
		}
	}
	return collected
}

// IsZombieSignal reports whether a close-style signal arrived with no
// matching open Position for symbol.
func (s *State) IsZombieSignal(symbol, signalID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, open := s.positions[symbol]
	return !open
}

// UpdateStopLoss mutates the open Position's stop, e.g. after the 2nd
// pyramid layer's auto-trail.
func (s *State) UpdateStopLoss(symbol string, stop decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return errs.Business("POSITION_NOT_FOUND", "no open position for "+symbol)
	}
	pos.StopLoss = stop
	s.positions[symbol] = pos
	return nil
}

// Position returns a copy of the open Position for symbol, if any.
func (s *State) Position(symbol string) (domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return copyPosition(pos), true
}

// Positions returns a copy-on-read snapshot of every open Position, keyed by symbol.
func (s *State) Positions() map[string]domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Position, len(s.positions))
	for symbol, pos := range s.positions {
		out[symbol] = copyPosition(pos)
	}
	return out
}

// Intent returns a copy of the Intent for signalID, if any.
func (s *State) Intent(signalID string) (domain.Intent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	intent, ok := s.intents[signalID]
	return intent, ok
}

// Intents returns a copy-on-read snapshot of every known Intent, keyed by
// signal-id, regardless of lifecycle status.
func (s *State) Intents() map[string]domain.Intent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.Intent, len(s.intents))
	for id, intent := range s.intents {
		out[id] = intent
	}
	return out
}

// History returns a copy of every TradeRecord produced so far, oldest first.
func (s *State) History() []domain.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TradeRecord, len(s.history))
	copy(out, s.history)
	return out
}

func copyPosition(pos domain.Position) domain.Position {
	cp := pos
	cp.TakeProfits = append([]domain.TakeProfitLevel(nil), pos.TakeProfits...)
	cp.Layers = append([]domain.PyramidLayer(nil), pos.Layers...)
	cp.SignalIdChain = append([]string(nil), pos.SignalIdChain...)
	return cp
}
