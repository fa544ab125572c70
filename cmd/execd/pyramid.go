package main

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/metrics"
	"github.com/titanhq/execution-core/internal/strategy"
)

const pyramidCheckInterval = 2 * time.Second

// runPyramidMonitor polls every open Position for pyramid-layer and
// regime-kill conditions until ctx is cancelled.
func (a *App) runPyramidMonitor(ctx context.Context) {
	ticker := time.NewTicker(pyramidCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkPyramids()
		}
	}
}

func (a *App) checkPyramids() {
	pyramidingAllowed := a.phaseMgr.Current().PyramidingAllowed

	for symbol, pos := range a.shadow.Positions() {
		price, ok := a.exitPriceFor(symbol)
		if !ok {
			continue
		}

		if a.checkStopAndTakeProfit(symbol, pos, price) {
			continue // position fully closed by a stop or its last take-profit; nothing left to pyramid
		}

		if !pyramidingAllowed {
			continue
		}

		a.mu.Lock()
		regime := a.regimeBySymbol[symbol]
		riskOn := a.riskOnBySymbol[symbol]
		a.mu.Unlock()

		if !riskOn {
			now := time.Now()
			if rec, err := a.shadow.ClosePosition(symbol, price, domain.ReasonRegimeKill, now); err == nil {
				a.recordTradeClose(rec, now)
				a.clearExitBookkeeping(symbol)
				a.log.Info().Str("symbol", symbol).Msg("regime turned risk-off, closing pyramided position")
			}
			continue
		}

		if !strategy.ShouldAddPyramidLayer(pos, price, regime) {
			continue
		}

		a.addPyramidLayer(symbol, pos, regime)
	}
}

// checkStopAndTakeProfit closes (or partially closes) a Position when its
// stop or next take-profit leg is crossed by the current mark price,
// mirroring direction for LONG vs. SHORT. It reports whether the position
// was fully closed.
func (a *App) checkStopAndTakeProfit(symbol string, pos domain.Position, price decimal.Decimal) bool {
	stopHit := false
	if pos.StopLoss.IsPositive() {
		if pos.Side == domain.Long {
			stopHit = price.LessThanOrEqual(pos.StopLoss)
		} else {
			stopHit = price.GreaterThanOrEqual(pos.StopLoss)
		}
	}
	if stopHit {
		now := time.Now()
		if rec, err := a.shadow.ClosePosition(symbol, price, domain.ReasonStop, now); err == nil {
			a.recordTradeClose(rec, now)
			a.clearExitBookkeeping(symbol)
			a.log.Info().Str("symbol", symbol).Str("stop", pos.StopLoss.String()).Msg("stop-loss triggered")
			return true
		}
	}

	a.mu.Lock()
	nextTP := a.nextTPBySymbol[symbol]
	a.mu.Unlock()
	if nextTP >= len(pos.TakeProfits) {
		return false
	}

	level := pos.TakeProfits[nextTP]
	hit := false
	if pos.Side == domain.Long {
		hit = price.GreaterThanOrEqual(level.Price)
	} else {
		hit = price.LessThanOrEqual(level.Price)
	}
	if !hit {
		return false
	}

	closeSize := pos.Size.Div(decimal.NewFromInt(int64(len(pos.TakeProfits) - nextTP)))
	reason := domain.TakeProfitReason(nextTP + 1)
	now := time.Now()

	if closeSize.GreaterThanOrEqual(pos.Size) {
		if rec, err := a.shadow.ClosePosition(symbol, price, reason, now); err == nil {
			a.recordTradeClose(rec, now)
			a.clearExitBookkeeping(symbol)
			return true
		}
		return false
	}

	if rec, err := a.shadow.ClosePartialPosition(symbol, price, closeSize, reason, now); err == nil {
		a.recordTradeClose(rec, now)
		a.mu.Lock()
		a.nextTPBySymbol[symbol] = nextTP + 1
		a.mu.Unlock()
		a.log.Info().Str("symbol", symbol).Str("reason", string(reason)).Msg("take-profit leg hit")
	}
	return false
}

func (a *App) clearExitBookkeeping(symbol string) {
	a.mu.Lock()
	delete(a.nextTPBySymbol, symbol)
	delete(a.regimeBySymbol, symbol)
	delete(a.riskOnBySymbol, symbol)
	a.mu.Unlock()
}

// addPyramidLayer chases a half-size add-on fill under a fresh signal-id
// (the original intent is already EXECUTED and can't be re-confirmed), then
// folds the fill into the existing Position and applies the 2nd-layer
// auto-trail.
func (a *App) addPyramidLayer(symbol string, pos domain.Position, regime domain.RegimeVector) {
	layerSignalID := pos.SignalIdChain[0] + "_pyr" + strconv.Itoa(len(pos.Layers)+1)
	layerSize := pos.Size.Mul(decimal.NewFromFloat(0.5))

	layerIntent := domain.Intent{
		SignalId:      layerSignalID,
		Symbol:        symbol,
		Direction:     pos.Side,
		Size:          layerSize,
		StopLoss:      pos.StopLoss,
		TakeProfits:   pos.TakeProfits,
		Regime:        regime,
		Class:         domain.ClassDay,
		AlphaHalfLife: 30 * time.Second,
	}
	if _, err := a.shadow.ProcessIntent(layerIntent, intentTTL, time.Now()); err != nil {
		return
	}
	if _, err := a.shadow.ValidateIntent(layerSignalID); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.trackChase(layerSignalID, cancel)
	defer a.untrackChase(layerSignalID)

	res, err := strategy.RunLimitChaser(ctx, a.gateway, a.obCache, strategy.SystemClock{},
		symbol, pos.Side, layerSize, layerSignalID, layerIntent.AlphaHalfLife, decimal.Zero, strategy.DefaultChaseConfig())
	cancel()
	if err != nil {
		metrics.RecordChaseOutcome(symbol, "error")
		_, _ = a.shadow.RejectIntent(layerSignalID, "pyramid chase did not fill")
		return
	}
	if !res.Success {
		metrics.RecordChaseOutcome(symbol, "alpha_decayed")
		_, _ = a.shadow.RejectIntent(layerSignalID, "pyramid chase did not fill")
		return
	}
	metrics.RecordChaseOutcome(symbol, "filled")

	fill := domain.Fill{SignalId: layerSignalID, Filled: true, Size: layerSize, Price: res.FinalPrice, FilledAt: time.Now()}
	if _, err := a.shadow.ConfirmExecution(layerSignalID, fill, symbol, pos.Side, pos.PhaseAtEntry, regime, pos.StopLoss, pos.TakeProfits); err != nil {
		return
	}

	updated, ok := a.shadow.Position(symbol)
	if !ok {
		return
	}
	if newStop := strategy.AutoTrailStopLoss(updated); !newStop.Equal(updated.StopLoss) {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := a.gateway.UpdateStopLoss(stopCtx, symbol, newStop); err != nil {
			a.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to update stop-loss after pyramid auto-trail")
		} else if err := a.shadow.UpdateStopLoss(symbol, newStop); err != nil {
			a.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to record auto-trailed stop in shadow state")
		}
	}
}
