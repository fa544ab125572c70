package main

import (
	"context"
	"time"

	"github.com/titanhq/execution-core/internal/console"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/metrics"
	"github.com/titanhq/execution-core/internal/store"
)

// emergencyFlatten is the single kill path every safety component (DMS,
// drift guard, reconciliation) escalates to: cancel every in-flight chase,
// close every Shadow State position, mirror the close at the broker,
// disarm, log a CRITICAL system event, and push EMERGENCY_FLATTEN to the
// console.
func (a *App) emergencyFlatten(reason domain.CloseReason, triggerCode string) {
	a.cancelAllChases()

	now := time.Now()
	records := a.shadow.CloseAllPositions(a.exitPriceFor, reason, now)
	for _, rec := range records {
		a.recordTradeClose(rec, now)
		a.clearExitBookkeeping(rec.Symbol)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.gateway.CloseAllPositions(ctx, triggerCode); err != nil {
		// Cancel-before-close is best-effort; a failed broker close is
		// logged but never blocks the local flatten.
		a.log.Error().Err(err).Str("trigger", triggerCode).Msg("broker close-all-positions failed during emergency flatten")
	}

	a.masterArm.Disable(triggerCode)
	metrics.RecordEmergencyFlatten(triggerCode)

	symbols := make([]string, 0, len(records))
	for _, rec := range records {
		symbols = append(symbols, rec.Symbol)
	}

	eventID, err := a.db.InsertSystemEvent(store.SystemEvent{
		EventType: "emergency_flatten",
		Severity:  "CRITICAL",
		Service:   "execd",
		Message:   "emergency flatten triggered: " + triggerCode,
		Context: map[string]any{
			"positions_closed": len(records),
			"symbols":          symbols,
			"trigger_reason":   triggerCode,
		},
	})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to persist emergency_flatten system event")
	}

	a.console.Broadcast(console.MsgEmergencyFlatten, map[string]any{
		"event_id":         eventID,
		"positions_closed": len(records),
		"symbols":          symbols,
		"trigger_reason":   triggerCode,
		"at":               now,
	})
}
