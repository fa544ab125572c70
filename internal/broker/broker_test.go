package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

type fakeAdapter struct {
	sendErr       error
	sendCalls     int32
	transientFor  int32 // fail with Transient this many times before succeeding
	lastReq       OrderRequest
	canceled      []string
	positions     []domain.Position
	closeAllCalls int32
}

func (f *fakeAdapter) SendOrder(_ context.Context, req OrderRequest) (OrderState, error) {
	f.lastReq = req
	n := atomic.AddInt32(&f.sendCalls, 1)
	if n <= f.transientFor {
		return OrderState{}, errs.Transient("BROKER_TIMEOUT", "timed out", errors.New("timeout"))
	}
	if f.sendErr != nil {
		return OrderState{}, f.sendErr
	}
	return OrderState{OrderID: "ord-1", Status: OrderFilled, FilledSize: req.Size, AvgFillPrice: req.LimitPrice}, nil
}
func (f *fakeAdapter) GetOrderStatus(_ context.Context, orderID string) (OrderState, error) {
	return OrderState{OrderID: orderID, Status: OrderFilled}, nil
}
func (f *fakeAdapter) CancelOrder(_ context.Context, orderID string) error {
	f.canceled = append(f.canceled, orderID)
	return nil
}
func (f *fakeAdapter) UpdateStopLoss(context.Context, string, decimal.Decimal) error   { return nil }
func (f *fakeAdapter) UpdateTakeProfit(context.Context, string, decimal.Decimal) error { return nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]domain.Position, error)         { return f.positions, nil }
func (f *fakeAdapter) ClosePosition(context.Context, string) error                     { return nil }
func (f *fakeAdapter) CloseAllPositions(context.Context) error {
	atomic.AddInt32(&f.closeAllCalls, 1)
	return nil
}
func (f *fakeAdapter) TestConnection(context.Context) error { return nil }

type noopLimiter struct{ calls int32 }

func (n *noopLimiter) Wait(context.Context) error {
	atomic.AddInt32(&n.calls, 1)
	return nil
}

func TestSendOrderTagsSignalIDAndEmitsFilledEvent(t *testing.T) {
	adapter := &fakeAdapter{}
	limiter := &noopLimiter{}
	var events []Event
	gw := NewGateway(adapter, limiter, zerolog.Nop(), 3, time.Millisecond, 10*time.Millisecond)
	gw.Subscribe(func(e Event) { events = append(events, e) })

	state, err := gw.SendOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Type: OrderLimit, Size: decimal.NewFromInt(1)}, "titan_BTCUSDT_1_15")
	require.NoError(t, err)
	require.Equal(t, OrderFilled, state.Status)
	require.Equal(t, "titan_BTCUSDT_1_15", adapter.lastReq.SignalID, "expected adapter to receive tagged signal id")
	require.EqualValues(t, 1, atomic.LoadInt32(&limiter.calls), "expected rate limiter consulted exactly once")
	require.Len(t, events, 1)
	require.Equal(t, EventOrderFilled, events[0].Kind)
}

func TestSendOrderRetriesTransientFailures(t *testing.T) {
	adapter := &fakeAdapter{transientFor: 2}
	gw := NewGateway(adapter, &noopLimiter{}, zerolog.Nop(), 3, time.Millisecond, 5*time.Millisecond)

	state, err := gw.SendOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Size: decimal.NewFromInt(1)}, "sig-1")
	require.NoError(t, err, "expected eventual success after transient retries")
	require.Equal(t, OrderFilled, state.Status)
	require.EqualValues(t, 3, atomic.LoadInt32(&adapter.sendCalls), "expected 3 send attempts (2 failures + 1 success)")
}

func TestSendOrderDoesNotRetryBusinessFailures(t *testing.T) {
	adapter := &fakeAdapter{sendErr: errs.Business("ASSET_DISABLED", "symbol disabled")}
	gw := NewGateway(adapter, &noopLimiter{}, zerolog.Nop(), 3, time.Millisecond, 5*time.Millisecond)

	var events []Event
	gw.Subscribe(func(e Event) { events = append(events, e) })

	_, err := gw.SendOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Size: decimal.NewFromInt(1)}, "sig-1")
	require.Equal(t, "ASSET_DISABLED", errs.CodeOf(err), "expected ASSET_DISABLED to propagate immediately")
	require.EqualValues(t, 1, atomic.LoadInt32(&adapter.sendCalls), "expected exactly one attempt for a non-transient failure")
	require.Len(t, events, 1)
	require.Equal(t, EventOrderRejected, events[0].Kind)
}

func TestSendOrderExhaustsRetriesAndReturnsLastError(t *testing.T) {
	adapter := &fakeAdapter{transientFor: 100}
	gw := NewGateway(adapter, &noopLimiter{}, zerolog.Nop(), 2, time.Millisecond, 2*time.Millisecond)

	_, err := gw.SendOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Size: decimal.NewFromInt(1)}, "sig-1")
	require.Equal(t, "BROKER_TIMEOUT", errs.CodeOf(err), "expected BROKER_TIMEOUT after exhausting retries")
	require.EqualValues(t, 3, atomic.LoadInt32(&adapter.sendCalls), "expected maxRetries+1=3 attempts")
}

func TestCloseAllPositionsEmitsFlattenedEvent(t *testing.T) {
	adapter := &fakeAdapter{}
	gw := NewGateway(adapter, &noopLimiter{}, zerolog.Nop(), 1, time.Millisecond, time.Millisecond)
	var events []Event
	gw.Subscribe(func(e Event) { events = append(events, e) })

	require.NoError(t, gw.CloseAllPositions(context.Background(), "sig-flatten"))
	require.EqualValues(t, 1, atomic.LoadInt32(&adapter.closeAllCalls), "expected adapter.CloseAllPositions to be called once")
	require.Len(t, events, 1)
	require.Equal(t, EventPositionsFlattened, events[0].Kind)
}
