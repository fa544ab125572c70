// Package broker is the uniform operation surface over a pluggable
// exchange adapter: one narrow Adapter interface plus a Gateway that
// adds the cross-cutting guarantees every exchange call must get: a
// signal-id tag, a rate-limiter consultation, bounded retry, and an error
// taxonomy that never silently swallows a failure.
package broker

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

// OrderType distinguishes the two execution-strategy order shapes.
type OrderType string

const (
	OrderLimit  OrderType = "LIMIT"
	OrderMarket OrderType = "MARKET"
)

// OrderStatus mirrors the exchange's lifecycle for a single order.
type OrderStatus string

const (
	OrderOpen            OrderStatus = "OPEN"
	OrderFilled          OrderStatus = "FILLED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

// OrderRequest is everything an Adapter needs to place one order. SignalID
// is always populated by the Gateway before it reaches the Adapter.
type OrderRequest struct {
	SignalID  string
	Symbol    string
	Side      domain.Direction
	Type      OrderType
	Size      decimal.Decimal
	LimitPrice decimal.Decimal // zero for MARKET
}

// OrderState is the Adapter's report on one order at a point in time.
type OrderState struct {
	OrderID    string
	Status     OrderStatus
	FilledSize decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// Adapter is the narrow surface every exchange integration must implement.
type Adapter interface {
	SendOrder(ctx context.Context, req OrderRequest) (OrderState, error)
	GetOrderStatus(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
	UpdateStopLoss(ctx context.Context, symbol string, price decimal.Decimal) error
	UpdateTakeProfit(ctx context.Context, symbol string, price decimal.Decimal) error
	GetPositions(ctx context.Context) ([]domain.Position, error)
	ClosePosition(ctx context.Context, symbol string) error
	CloseAllPositions(ctx context.Context) error
	TestConnection(ctx context.Context) error
}

// EventKind enumerates the events a Gateway emits
type EventKind string

const (
	EventOrderFilled        EventKind = "order:filled"
	EventOrderRejected      EventKind = "order:rejected"
	EventOrderCanceled      EventKind = "order:canceled"
	EventPositionsFlattened EventKind = "positions:flattened"
)

// Event is one broker-gateway occurrence, fanned out to subscribers (e.g.
// the console and metrics packages).
type Event struct {
	Kind     EventKind
	SignalID string
	Symbol   string
	At       time.Time
	Detail   string
}

// RateLimiter is the subset of internal/ratelimiter the gateway consults
// before every external call.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Gateway wraps an Adapter with the guarantees every external call gets:
// every send tagged with signal-id, rate limiter consulted
// first, bounded retry on transient failures, events emitted rather than
// swallowed.
type Gateway struct {
	adapter Adapter
	limiter RateLimiter
	log     zerolog.Logger

	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration

	subscribers []func(Event)
}

func NewGateway(adapter Adapter, limiter RateLimiter, log zerolog.Logger, maxRetries int, backoffMin, backoffMax time.Duration) *Gateway {
	return &Gateway{
		adapter:    adapter,
		limiter:    limiter,
		log:        log,
		maxRetries: maxRetries,
		backoffMin: backoffMin,
		backoffMax: backoffMax,
	}
}

// Subscribe registers a function invoked synchronously for every Event.
func (g *Gateway) Subscribe(fn func(Event)) {
	g.subscribers = append(g.subscribers, fn)
}

func (g *Gateway) emit(ev Event) {
	for _, fn := range g.subscribers {
		fn(ev)
	}
}

// SendOrder tags req with SignalID (a no-op if the caller already set it),
// consults the rate limiter, and retries transient adapter failures with
// exponential backoff.
func (g *Gateway) SendOrder(ctx context.Context, req OrderRequest, signalID string) (OrderState, error) {
	req.SignalID = signalID

	var state OrderState
	err := g.withRetry(ctx, "send_order", func(ctx context.Context) error {
		var callErr error
		state, callErr = g.adapter.SendOrder(ctx, req)
		return callErr
	})
	if err != nil {
		g.emit(Event{Kind: EventOrderRejected, SignalID: signalID, Symbol: req.Symbol, At: time.Now(), Detail: err.Error()})
		return OrderState{}, err
	}

	switch state.Status {
	case OrderFilled, OrderPartiallyFilled:
		g.emit(Event{Kind: EventOrderFilled, SignalID: signalID, Symbol: req.Symbol, At: time.Now()})
	case OrderRejected:
		g.emit(Event{Kind: EventOrderRejected, SignalID: signalID, Symbol: req.Symbol, At: time.Now()})
	}
	return state, nil
}

func (g *Gateway) GetOrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	var state OrderState
	err := g.withRetry(ctx, "get_order_status", func(ctx context.Context) error {
		var callErr error
		state, callErr = g.adapter.GetOrderStatus(ctx, orderID)
		return callErr
	})
	return state, err
}

func (g *Gateway) CancelOrder(ctx context.Context, orderID, signalID string) error {
	err := g.withRetry(ctx, "cancel_order", func(ctx context.Context) error {
		return g.adapter.CancelOrder(ctx, orderID)
	})
	if err == nil {
		g.emit(Event{Kind: EventOrderCanceled, SignalID: signalID, At: time.Now()})
	}
	return err
}

func (g *Gateway) UpdateStopLoss(ctx context.Context, symbol string, price decimal.Decimal) error {
	return g.withRetry(ctx, "update_stop_loss", func(ctx context.Context) error {
		return g.adapter.UpdateStopLoss(ctx, symbol, price)
	})
}

func (g *Gateway) UpdateTakeProfit(ctx context.Context, symbol string, price decimal.Decimal) error {
	return g.withRetry(ctx, "update_take_profit", func(ctx context.Context) error {
		return g.adapter.UpdateTakeProfit(ctx, symbol, price)
	})
}

func (g *Gateway) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []domain.Position
	err := g.withRetry(ctx, "get_positions", func(ctx context.Context) error {
		var callErr error
		positions, callErr = g.adapter.GetPositions(ctx)
		return callErr
	})
	return positions, err
}

func (g *Gateway) ClosePosition(ctx context.Context, symbol, signalID string) error {
	err := g.withRetry(ctx, "close_position", func(ctx context.Context) error {
		return g.adapter.ClosePosition(ctx, symbol)
	})
	if err == nil {
		g.emit(Event{Kind: EventPositionsFlattened, SignalID: signalID, Symbol: symbol, At: time.Now()})
	}
	return err
}

func (g *Gateway) CloseAllPositions(ctx context.Context, signalID string) error {
	err := g.withRetry(ctx, "close_all_positions", func(ctx context.Context) error {
		return g.adapter.CloseAllPositions(ctx)
	})
	if err == nil {
		g.emit(Event{Kind: EventPositionsFlattened, SignalID: signalID, At: time.Now()})
	}
	return err
}

func (g *Gateway) TestConnection(ctx context.Context) error {
	return g.adapter.TestConnection(ctx)
}

// withRetry consults the rate limiter once, then retries op against
// transient errs.KindTransient failures with exponential backoff, up to
// maxRetries attempts. Business/Validation/Auth/Fatal failures are returned
// immediately — retrying them would not change the outcome.
func (g *Gateway) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return errs.Transient("RATE_LIMITER_UNAVAILABLE", "rate limiter wait failed for "+op, err)
		}
	}

	b := &backoff.Backoff{Min: g.backoffMin, Max: g.backoffMax, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errs.KindOf(lastErr) != errs.KindTransient {
			return lastErr
		}
		if attempt == g.maxRetries {
			break
		}
		g.log.Warn().Str("op", op).Int("attempt", attempt+1).Err(lastErr).Msg("broker call failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}
