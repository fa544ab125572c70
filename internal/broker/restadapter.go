package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
)

// RESTAdapter implements Adapter against a generic HMAC-authenticated REST
// exchange API: plain net/http client, signed headers, JSON body, driven
// by key/secret/base-URL configuration so any REST-based venue can be
// plugged in without an exchange SDK dependency.
type RESTAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
}

// NewRESTAdapter builds a RESTAdapter against baseURL (e.g.
// "https://paper-api.broker.example") using apiKey/apiSecret for
// HMAC-SHA256 request signing.
func NewRESTAdapter(apiKey, apiSecret, baseURL string) *RESTAdapter {
	return &RESTAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *RESTAdapter) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *RESTAdapter) doRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var raw []byte
	var reqBody io.Reader
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, errs.Validation("INVALID_REQUEST_BODY", "marshal broker request: "+err.Error())
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, errs.Fatal("BROKER_REQUEST_BUILD_FAILED", "build broker request", err)
	}
	req.Header.Set("X-API-Key", a.apiKey)
	req.Header.Set("X-Signature", a.sign(raw))
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errs.Transient("BROKER_UNREACHABLE", "broker request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transient("BROKER_RESPONSE_READ_FAILED", "read broker response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, errs.Transient("BROKER_SERVER_ERROR", fmt.Sprintf("broker returned %d: %s", resp.StatusCode, respBody), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Business("BROKER_REJECTED", fmt.Sprintf("broker returned %d: %s", resp.StatusCode, respBody))
	}
	return respBody, nil
}

type wireOrder struct {
	OrderID      string `json:"order_id"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	AvgFillPrice string `json:"avg_fill_price"`
}

func (w wireOrder) toOrderState() OrderState {
	size, _ := decimal.NewFromString(w.FilledSize)
	price, _ := decimal.NewFromString(w.AvgFillPrice)
	return OrderState{
		OrderID:      w.OrderID,
		Status:       OrderStatus(w.Status),
		FilledSize:   size,
		AvgFillPrice: price,
	}
}

func (a *RESTAdapter) SendOrder(ctx context.Context, req OrderRequest) (OrderState, error) {
	body := map[string]any{
		"signal_id":   req.SignalID,
		"symbol":      req.Symbol,
		"side":        req.Side.String(),
		"type":        string(req.Type),
		"size":        req.Size.String(),
		"limit_price": req.LimitPrice.String(),
	}
	raw, err := a.doRequest(ctx, http.MethodPost, "/v1/orders", body)
	if err != nil {
		return OrderState{}, err
	}
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return OrderState{}, errs.Transient("BROKER_BAD_RESPONSE", "decode send order response", err)
	}
	return w.toOrderState(), nil
}

func (a *RESTAdapter) GetOrderStatus(ctx context.Context, orderID string) (OrderState, error) {
	raw, err := a.doRequest(ctx, http.MethodGet, "/v1/orders/"+orderID, nil)
	if err != nil {
		return OrderState{}, err
	}
	var w wireOrder
	if err := json.Unmarshal(raw, &w); err != nil {
		return OrderState{}, errs.Transient("BROKER_BAD_RESPONSE", "decode order status response", err)
	}
	return w.toOrderState(), nil
}

func (a *RESTAdapter) CancelOrder(ctx context.Context, orderID string) error {
	_, err := a.doRequest(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil)
	return err
}

func (a *RESTAdapter) UpdateStopLoss(ctx context.Context, symbol string, price decimal.Decimal) error {
	_, err := a.doRequest(ctx, http.MethodPatch, "/v1/positions/"+symbol+"/stop-loss", map[string]any{"price": price.String()})
	return err
}

func (a *RESTAdapter) UpdateTakeProfit(ctx context.Context, symbol string, price decimal.Decimal) error {
	_, err := a.doRequest(ctx, http.MethodPatch, "/v1/positions/"+symbol+"/take-profit", map[string]any{"price": price.String()})
	return err
}

type wirePosition struct {
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	StopLoss   string `json:"stop_loss"`
}

func (a *RESTAdapter) GetPositions(ctx context.Context) ([]domain.Position, error) {
	raw, err := a.doRequest(ctx, http.MethodGet, "/v1/positions", nil)
	if err != nil {
		return nil, err
	}
	var wire []wirePosition
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, errs.Transient("BROKER_BAD_RESPONSE", "decode positions response", err)
	}
	out := make([]domain.Position, 0, len(wire))
	for _, w := range wire {
		size, _ := decimal.NewFromString(w.Size)
		entry, _ := decimal.NewFromString(w.EntryPrice)
		stop, _ := decimal.NewFromString(w.StopLoss)
		side := domain.Long
		if w.Side == "SHORT" {
			side = domain.Short
		}
		out = append(out, domain.Position{
			Symbol:     w.Symbol,
			Side:       side,
			Size:       size,
			EntryPrice: entry,
			StopLoss:   stop,
		})
	}
	return out, nil
}

func (a *RESTAdapter) ClosePosition(ctx context.Context, symbol string) error {
	_, err := a.doRequest(ctx, http.MethodDelete, "/v1/positions/"+symbol, nil)
	return err
}

func (a *RESTAdapter) CloseAllPositions(ctx context.Context) error {
	_, err := a.doRequest(ctx, http.MethodDelete, "/v1/positions", nil)
	return err
}

func (a *RESTAdapter) TestConnection(ctx context.Context) error {
	_, err := a.doRequest(ctx, http.MethodGet, "/v1/account", nil)
	return err
}
