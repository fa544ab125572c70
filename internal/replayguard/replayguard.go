// Package replayguard implements the two admission checks run on every
// incoming payload: timestamp drift and duplicate signal-id detection.
package replayguard

import (
	"context"
	"time"

	"github.com/titanhq/execution-core/internal/errs"
	"github.com/titanhq/execution-core/internal/sharedstore"
)

// Guard enforces drift and duplicate checks for inbound signal payloads.
type Guard struct {
	store       sharedstore.Store
	maxDriftMs  int64
	signalTTL   time.Duration
	now         func() time.Time
}

func New(store sharedstore.Store, maxDriftMs int64, signalTTL time.Duration) *Guard {
	return &Guard{store: store, maxDriftMs: maxDriftMs, signalTTL: signalTTL, now: time.Now}
}

// CheckDrift validates |now - payloadTs| <= maxDriftMs, returning a
// ValidationError tagged TIMESTAMP_DRIFT_EXCEEDED with the measured drift on
// failure. An empty/zero payloadTs is treated as a malformed timestamp.
func (g *Guard) CheckDrift(payloadTs time.Time) error {
	if payloadTs.IsZero() {
		return errs.Validation("INVALID_TIMESTAMP", "timestamp is missing or malformed")
	}
	drift := g.now().Sub(payloadTs)
	if drift < 0 {
		drift = -drift
	}
	if drift > time.Duration(g.maxDriftMs)*time.Millisecond {
		return errs.Validation("TIMESTAMP_DRIFT_EXCEEDED",
			driftMessage(drift))
	}
	return nil
}

func driftMessage(drift time.Duration) string {
	return "measured drift " + drift.String() + " exceeds allowed window"
}

// CheckDuplicate registers signalID as seen and reports whether this is the
// first sighting within the TTL window. A blank signalID is a
// MISSING_SIGNAL_ID ValidationError rather than a duplicate check.
func (g *Guard) CheckDuplicate(ctx context.Context, signalID string) error {
	if signalID == "" {
		return errs.Validation("MISSING_SIGNAL_ID", "signal_id is required")
	}
	set, err := g.store.SetNX(ctx, dedupeKey(signalID), []byte("1"), g.signalTTL)
	if err != nil {
		return errs.Transient("REPLAY_STORE_ERROR", "replay guard store unavailable", err)
	}
	if !set {
		return errs.Validation("DUPLICATE_SIGNAL_ID", "signal_id already processed within TTL")
	}
	return nil
}

// Admit runs both checks: drift first, then duplicate detection.
func (g *Guard) Admit(ctx context.Context, signalID string, payloadTs time.Time) error {
	if err := g.CheckDrift(payloadTs); err != nil {
		return err
	}
	return g.CheckDuplicate(ctx, signalID)
}

func dedupeKey(signalID string) string {
	return "replay:" + signalID
}
