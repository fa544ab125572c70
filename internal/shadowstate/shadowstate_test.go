package shadowstate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newState() *State {
	return New(zerolog.Nop())
}

func sampleIntent(signalID, symbol string) domain.Intent {
	return domain.Intent{
		SignalId:  signalID,
		Symbol:    symbol,
		Direction: domain.Long,
		Size:      dec("1"),
		Class:     domain.ClassScalp,
	}
}

func TestProcessIntentIsIdempotentWithinTTL(t *testing.T) {
	s := newState()
	now := time.Now()

	i1, err := s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, domain.IntentPending, i1.Status)

	i2, err := s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now.Add(time.Second))
	require.NoError(t, err, "re-processing before terminal should not error")
	require.Equal(t, i1.CreatedAt, i2.CreatedAt, "expected the original intent back unchanged")
}

func TestProcessIntentRejectsReopenAfterTerminal(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	_, err := s.RejectIntent("titan_BTCUSDT_1_15", "test")
	require.NoError(t, err, "reject should succeed")

	_, err = s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	require.Equal(t, "INTENT_ALREADY_TERMINAL", errs.CodeOf(err))
}

func TestValidateIntentTransition(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)

	v, err := s.ValidateIntent("titan_BTCUSDT_1_15")
	require.NoError(t, err)
	require.Equal(t, domain.IntentValidated, v.Status)

	_, err = s.ValidateIntent("titan_BTCUSDT_1_15")
	require.Equal(t, "INTENT_INVALID_TRANSITION", errs.CodeOf(err), "expected error on re-validate")
}

func TestConfirmExecutionOpensNewPosition(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ValidateIntent("titan_BTCUSDT_1_15")

	fill := domain.Fill{SignalId: "titan_BTCUSDT_1_15", Filled: true, Size: dec("1"), Price: dec("100"), FilledAt: now}
	intent, err := s.ConfirmExecution("titan_BTCUSDT_1_15", fill, "BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)
	require.NoError(t, err)
	require.Equal(t, domain.IntentExecuted, intent.Status)

	pos, open := s.Position("BTCUSDT")
	require.True(t, open, "expected an open position")
	require.True(t, pos.Size.Equal(dec("1")))
	require.True(t, pos.EntryPrice.Equal(dec("100")))
}

func TestConfirmExecutionPyramidsVolumeWeightedEntry(t *testing.T) {
	s := newState()
	now := time.Now()

	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: true, Size: dec("1"), Price: dec("100"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)

	s.ProcessIntent(sampleIntent("titan_BTCUSDT_2_15", "BTCUSDT"), time.Minute, now)
	intent, err := s.ConfirmExecution("titan_BTCUSDT_2_15", domain.Fill{Filled: true, Size: dec("1"), Price: dec("110"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)
	require.NoError(t, err)
	require.Equal(t, domain.IntentExecuted, intent.Status)

	pos, _ := s.Position("BTCUSDT")
	require.True(t, pos.Size.Equal(dec("2")), "expected pyramided size 2, got %s", pos.Size)
	require.True(t, pos.EntryPrice.Equal(dec("105")), "expected volume-weighted entry 105, got %s", pos.EntryPrice)
	require.Len(t, pos.Layers, 2, "expected append-only layer chain of length 2")
	require.Len(t, pos.SignalIdChain, 2)
}

func TestConfirmExecutionUnfilledRejectsIntent(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)

	intent, err := s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: false}, "BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)
	require.NoError(t, err)
	require.Equal(t, domain.IntentRejected, intent.Status, "expected REJECTED for unfilled fill")
	_, open := s.Position("BTCUSDT")
	require.False(t, open, "no position should have been opened")
}

func TestClosePositionProducesTradeRecordAndRemovesPosition(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: true, Size: dec("2"), Price: dec("100"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)

	record, err := s.ClosePosition("BTCUSDT", dec("110"), domain.ReasonTP1, now)
	require.NoError(t, err)
	require.True(t, record.RealizedPnL.Equal(dec("20")), "expected PnL 20, got %s", record.RealizedPnL)
	require.True(t, record.RealizedPnLPct.Equal(dec("10")), "expected PnL pct 10, got %s", record.RealizedPnLPct)

	_, open := s.Position("BTCUSDT")
	require.False(t, open, "position should be removed after full close")
	require.Len(t, s.History(), 1)
}

func TestClosePartialPositionKeepsEntryPriceAndReducesSize(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: true, Size: dec("2"), Price: dec("100"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)

	record, err := s.ClosePartialPosition("BTCUSDT", dec("120"), dec("0.5"), domain.ReasonTP1, now)
	require.NoError(t, err)
	require.True(t, record.SizeClosed.Equal(dec("0.5")))

	pos, open := s.Position("BTCUSDT")
	require.True(t, open, "position should remain open after partial close")
	require.True(t, pos.Size.Equal(dec("1.5")), "expected remaining size 1.5, got %s", pos.Size)
	require.True(t, pos.EntryPrice.Equal(dec("100")), "entry price must not change on partial close")
}

func TestClosePartialPositionRejectsOutOfRangeSize(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: true, Size: dec("1"), Price: dec("100"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)

	_, err := s.ClosePartialPosition("BTCUSDT", dec("100"), dec("1"), domain.ReasonTP1, now)
	require.Equal(t, "INVALID_CLOSE_SIZE", errs.CodeOf(err), "close_size == position.size should be rejected")

	_, err = s.ClosePartialPosition("BTCUSDT", dec("100"), dec("0"), domain.ReasonTP1, now)
	require.Equal(t, "INVALID_CLOSE_SIZE", errs.CodeOf(err), "zero close_size should be rejected")
}

func TestCloseAllPositionsFlattensEverything(t *testing.T) {
	s := newState()
	now := time.Now()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		s.ProcessIntent(sampleIntent("titan_"+sym+"_1_15", sym), time.Minute, now)
		s.ConfirmExecution("titan_"+sym+"_1_15", domain.Fill{Filled: true, Size: dec("1"), Price: dec("100"), FilledAt: now},
			sym, domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)
	}

	records := s.CloseAllPositions(func(symbol string) (decimal.Decimal, bool) { return dec("90"), true }, domain.ReasonHardKill, now)
	require.Len(t, records, 2)
	require.Empty(t, s.Positions(), "expected no open positions after flatten")
}

func TestIsZombieSignalTrueWithoutOpenPosition(t *testing.T) {
	s := newState()
	require.True(t, s.IsZombieSignal("BTCUSDT", "titan_BTCUSDT_9_15"))
}

func TestPositionsSnapshotIsIndependentOfFutureMutation(t *testing.T) {
	s := newState()
	now := time.Now()
	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ConfirmExecution("titan_BTCUSDT_1_15", domain.Fill{Filled: true, Size: dec("1"), Price: dec("100"), FilledAt: now},
		"BTCUSDT", domain.Long, "phase1", domain.RegimeVector{}, dec("95"), nil)

	snap := s.Positions()
	s.ClosePosition("BTCUSDT", dec("100"), domain.ReasonManual, now)

	_, stillThere := snap["BTCUSDT"]
	require.True(t, stillThere, "snapshot taken before close should be unaffected by later mutation")
}

func TestExpireIntentsCollectsOnlyPendingPastTTL(t *testing.T) {
	s := newState()
	now := time.Now()

	s.ProcessIntent(sampleIntent("titan_BTCUSDT_1_15", "BTCUSDT"), time.Minute, now)
	s.ProcessIntent(sampleIntent("titan_ETHUSDT_1_15", "ETHUSDT"), time.Minute, now)
	_, err := s.ValidateIntent("titan_ETHUSDT_1_15")
	require.NoError(t, err)

	require.Equal(t, 0, s.ExpireIntents(now.Add(30*time.Second)), "nothing expired yet")

	collected := s.ExpireIntents(now.Add(2 * time.Minute))
	require.Equal(t, 1, collected, "only the PENDING intent should be collected")

	_, ok := s.Intent("titan_BTCUSDT_1_15")
	require.False(t, ok, "expired PENDING intent should be gone")
	validated, ok := s.Intent("titan_ETHUSDT_1_15")
	require.True(t, ok, "VALIDATED intent must survive the sweep")
	require.Equal(t, domain.IntentValidated, validated.Status)
}
