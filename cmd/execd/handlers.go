package main

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/console"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
	"github.com/titanhq/execution-core/internal/l2validator"
	"github.com/titanhq/execution-core/internal/metrics"
	"github.com/titanhq/execution-core/internal/obcache"
	"github.com/titanhq/execution-core/internal/strategy"
	"github.com/titanhq/execution-core/internal/webhook"
)

// intentTTL is the PENDING-intent garbage-collection boundary.
const intentTTL = 5 * time.Minute

// App implements webhook.Handlers, keeping that package free of a direct
// dependency on shadowstate/strategy/phase/safety.
var _ webhook.Handlers = (*App)(nil)

// buildIntent converts a webhook payload into the domain Intent that
// ShadowState.ProcessIntent expects.
func buildIntent(p webhook.Payload) domain.Intent {
	tps := make([]domain.TakeProfitLevel, 0, len(p.TakeProfits))
	for i, price := range p.TakeProfits {
		tps = append(tps, domain.TakeProfitLevel{
			Label: domain.TakeProfitLevelLabel(i + 1),
			Price: decimal.NewFromFloat(price),
		})
	}
	return domain.Intent{
		SignalId:      p.SignalID,
		Symbol:        p.Symbol,
		Direction:     p.Direction,
		Size:          decimal.NewFromFloat(p.Size),
		EntryZoneLow:  decimal.NewFromFloat(p.EntryZoneLow),
		EntryZoneHigh: decimal.NewFromFloat(p.EntryZoneHigh),
		StopLoss:      decimal.NewFromFloat(p.StopLoss),
		TakeProfits:   tps,
		Regime:        p.RegimeVector,
		Class:         p.SignalType,
		AlphaHalfLife: strategy.AlphaHalfLife(p.SignalType, 0, p.UrgencyScore),
	}
}

// Prepare creates a PENDING Intent and runs an L2 pre-check against the
// cached order book, returning its result with the intent status. The
// pre-check result is not stored; CONFIRM runs its own L2 check.
func (a *App) Prepare(ctx context.Context, p webhook.Payload) (any, error) {
	metrics.RecordSignalReceived(string(webhook.TypePrepare))

	intent, err := a.shadow.ProcessIntent(buildIntent(p), intentTTL, time.Now())
	if err != nil {
		metrics.RecordSignalRejected(errs.CodeOf(err))
		return nil, err
	}

	precheck := a.l2.Check(p.Symbol, p.Direction, intent.Size, assetClassFor(p.Symbol),
		p.RegimeVector.StructureScore, p.RegimeVector.MomentumScore, time.Now())
	recordL2Outcome(a.obCache, p.Symbol, precheck)

	return map[string]any{
		"intent_status": intent.Status,
		"l2_precheck":   precheck,
	}, nil
}

// recordL2Outcome classifies an l2validator.Result for the validations_total
// metric (pass/widened/rejected) and, on a passing check, mirrors the
// order-book imbalance gauge from the same cached snapshot the validator
// just read.
func recordL2Outcome(cache *obcache.Cache, symbol string, res l2validator.Result) {
	outcome := "pass"
	switch {
	case !res.Valid:
		outcome = "rejected"
	case res.Reason != "":
		outcome = "widened"
	}
	metrics.RecordL2Validation(symbol, outcome)

	if obi, ok := cache.OBI(symbol, 10); ok {
		metrics.SetOrderBookImbalance(symbol, obi)
	}
}

// Confirm runs master-arm/safety gates, the phase signal-class check, the
// L2 validator, and the phase-selected execution strategy, then records the
// outcome in Shadow State.
func (a *App) Confirm(ctx context.Context, p webhook.Payload) (any, error) {
	metrics.RecordSignalReceived(string(webhook.TypeConfirm))

	intent, ok := a.shadow.Intent(p.SignalID)
	if !ok {
		// No prior PREPARE stored: accept the inline payload.
		var err error
		intent, err = a.shadow.ProcessIntent(buildIntent(p), intentTTL, time.Now())
		if err != nil {
			metrics.RecordSignalRejected(errs.CodeOf(err))
			return nil, err
		}
	}

	if err := a.safetyGates.Check(p.Symbol, p.Direction); err != nil {
		metrics.RecordSafetyRejection(errs.CodeOf(err))
		metrics.RecordSignalRejected(errs.CodeOf(err))
		return nil, err
	}
	if !a.phaseMgr.ValidateSignal(p.SignalType) {
		metrics.RecordSignalRejected("SIGNAL_CLASS_DISALLOWED")
		return nil, errs.Business("SIGNAL_CLASS_DISALLOWED",
			"phase "+a.phaseMgr.Current().Label+" disallows signal class "+string(p.SignalType))
	}

	l2Result := a.l2.Check(p.Symbol, p.Direction, intent.Size, assetClassFor(p.Symbol),
		p.RegimeVector.StructureScore, p.RegimeVector.MomentumScore, time.Now())
	recordL2Outcome(a.obCache, p.Symbol, l2Result)
	if !l2Result.Valid {
		metrics.RecordSignalRejected(l2Result.Reason)
		return nil, errs.Validation(l2Result.Reason, "L2 validator rejected confirm")
	}

	if _, err := a.shadow.ValidateIntent(p.SignalID); err != nil {
		return nil, err
	}

	chaseCtx, cancel := context.WithCancel(ctx)
	a.trackChase(p.SignalID, cancel)
	defer a.untrackChase(p.SignalID)

	phaseCfg := a.phaseMgr.Current()

	var fill domain.Fill
	var outcome any

	if phaseCfg.ExecutionMode == domain.Maker {
		res, err := strategy.RunLimitOrKill(chaseCtx, a.gateway, a.obCache, strategy.SystemClock{},
			p.Symbol, p.Direction, intent.Size, p.SignalID)
		if err != nil {
			metrics.RecordChaseOutcome(p.Symbol, "error")
			return nil, errs.Transient("BROKER_ERROR", "limit-or-kill failed", err)
		}
		outcome = res
		if res.Outcome == strategy.LOKFilled || res.Outcome == strategy.LOKPartiallyFilled {
			fill = domain.Fill{SignalId: p.SignalID, Filled: true, Size: res.FilledSize, Price: res.AvgFillPrice, FilledAt: time.Now()}
		}
		metrics.RecordChaseOutcome(p.Symbol, strings.ToLower(string(res.Outcome)))
	} else {
		res, err := strategy.RunLimitChaser(chaseCtx, a.gateway, a.obCache, strategy.SystemClock{},
			p.Symbol, p.Direction, intent.Size, p.SignalID, intent.AlphaHalfLife, decimal.Zero, strategy.DefaultChaseConfig())
		if err != nil {
			metrics.RecordChaseOutcome(p.Symbol, "error")
			return nil, errs.Transient("BROKER_ERROR", "limit chaser failed", err)
		}
		outcome = res
		if res.Success {
			fill = domain.Fill{SignalId: p.SignalID, Filled: true, Size: intent.Size, Price: res.FinalPrice, FilledAt: time.Now()}
			metrics.RecordChaseOutcome(p.Symbol, "filled")
		} else {
			metrics.RecordChaseOutcome(p.Symbol, "alpha_decayed")
		}
	}

	if !fill.Filled {
		// Intent stays VALIDATED, not EXECUTED: an exhausted retry budget
		// or an unfilled chase never fabricates a position.
		return outcome, nil
	}

	if _, err := a.shadow.ConfirmExecution(p.SignalID, fill, p.Symbol, p.Direction, phaseCfg.Label,
		p.RegimeVector, decimal.NewFromFloat(p.StopLoss), intent.TakeProfits); err != nil {
		return nil, err
	}

	a.mu.Lock()
	prevRegime, hadRegime := a.regimeBySymbol[p.Symbol]
	a.regimeBySymbol[p.Symbol] = p.RegimeVector
	a.riskOnBySymbol[p.Symbol] = p.RegimeVector.RiskOn
	a.mu.Unlock()

	if hadRegime && prevRegime != p.RegimeVector {
		a.console.Broadcast(console.MsgRegimeChange, map[string]any{
			"symbol": p.Symbol, "regime": p.RegimeVector,
		})
	}
	if pos, ok := a.shadow.Position(p.Symbol); ok {
		a.console.Broadcast(console.MsgPositionUpdate, map[string]any{
			"symbol": p.Symbol, "side": pos.Side.String(), "size": pos.Size.String(), "entry": pos.EntryPrice.String(),
		})
	}

	return outcome, nil
}

// Abort cancels any in-flight chase for signalID and rejects its Intent.
func (a *App) Abort(ctx context.Context, p webhook.Payload) (any, error) {
	metrics.RecordSignalReceived(string(webhook.TypeAbort))
	a.cancelChase(p.SignalID)
	if a.shadow.IsZombieSignal(p.Symbol, p.SignalID) {
		// A close-style signal with nothing open is acknowledged, not
		// errored: the upstream producer may simply be behind.
		return map[string]any{"zombie": true}, nil
	}
	intent, err := a.shadow.RejectIntent(p.SignalID, "ABORT")
	if err != nil {
		return nil, err
	}
	return intent, nil
}

// Heartbeat forwards the beat to the dead-man switch.
func (a *App) Heartbeat(ctx context.Context, p webhook.Payload) (any, error) {
	metrics.RecordSignalReceived(string(webhook.TypeHeartbeat))
	a.dms.Beat(time.Now())
	return map[string]any{"armed": a.dms.Armed()}, nil
}

func (a *App) trackChase(signalID string, cancel context.CancelFunc) {
	a.chaseMu.Lock()
	a.activeChase[signalID] = cancel
	a.chaseMu.Unlock()
}

func (a *App) untrackChase(signalID string) {
	a.chaseMu.Lock()
	delete(a.activeChase, signalID)
	a.chaseMu.Unlock()
}

func (a *App) cancelChase(signalID string) {
	a.chaseMu.Lock()
	cancel, ok := a.activeChase[signalID]
	a.chaseMu.Unlock()
	if ok {
		cancel()
	}
}

// cancelAllChases is invoked by every emergency-flatten path before
// closing positions: in-flight strategies must die before close orders go
// out.
func (a *App) cancelAllChases() {
	a.chaseMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(a.activeChase))
	for id, cancel := range a.activeChase {
		cancels = append(cancels, cancel)
		delete(a.activeChase, id)
	}
	a.chaseMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
