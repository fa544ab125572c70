// Package webhook is the HMAC-authenticated signal ingestion endpoint: it
// verifies X-Signature/X-Source, runs every payload through the replay
// guard, serves cached responses for duplicates via the idempotency store,
// and routes PREPARE/CONFIRM/ABORT/HEARTBEAT to the rest of the execution
// core.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/titanhq/execution-core/internal/clockid"
	"github.com/titanhq/execution-core/internal/domain"
	"github.com/titanhq/execution-core/internal/errs"
	"github.com/titanhq/execution-core/internal/idempotency"
	"github.com/titanhq/execution-core/internal/metrics"
)

// SignalType is the body's `type` field.
type SignalType string

const (
	TypePrepare   SignalType = "PREPARE"
	TypeConfirm   SignalType = "CONFIRM"
	TypeAbort     SignalType = "ABORT"
	TypeHeartbeat SignalType = "HEARTBEAT"
)

// Payload is the webhook body shape. Entry/size/stop/
// takeprofits/regime_vector/signal_type are only meaningful for
// PREPARE/CONFIRM.
type Payload struct {
	SignalID     string              `json:"signal_id"`
	Type         SignalType          `json:"type"`
	Symbol       string              `json:"symbol"`
	Timestamp    time.Time           `json:"timestamp"`
	Direction    domain.Direction    `json:"direction"`
	Size         float64             `json:"size"`
	EntryZoneLow float64             `json:"entry_zone_low"`
	EntryZoneHigh float64            `json:"entry_zone_high"`
	StopLoss     float64             `json:"stop"`
	TakeProfits  []float64           `json:"takeprofits"`
	RegimeVector domain.RegimeVector `json:"regime_vector"`
	SignalType   domain.SignalClass  `json:"signal_type"`
	UrgencyScore float64             `json:"urgency_score"`
}

// Response is the envelope every route returns: signal_id, timestamp, and
// either status:"ok" or an error code + human message.
type Response struct {
	SignalID  string    `json:"signal_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
	Result    any       `json:"result,omitempty"`
}

// ReplayGuard is the subset of replayguard.Guard the dispatcher needs.
type ReplayGuard interface {
	Admit(ctx context.Context, signalID string, payloadTs time.Time) error
}

// Handlers is the routing surface the dispatcher delegates to for each
// signal type, implemented by the orchestrating layer in cmd/execd so this
// package stays free of a dependency on shadowstate/strategy/phase/safety
// directly.
type Handlers interface {
	Prepare(ctx context.Context, p Payload) (any, error)
	Confirm(ctx context.Context, p Payload) (any, error)
	Abort(ctx context.Context, p Payload) (any, error)
	Heartbeat(ctx context.Context, p Payload) (any, error)
}

// Dispatcher wires auth, replay-guard, idempotency, and routing.
type Dispatcher struct {
	hmacSecret    []byte
	allowedSources map[string]bool
	guard         ReplayGuard
	idem          *idempotency.Store
	handlers      Handlers
	log           zerolog.Logger

	mu                sync.RWMutex
	preparedIntents   map[string]Payload // by SignalID, awaiting a CONFIRM
}

func New(hmacSecret string, allowedSources []string, guard ReplayGuard, idem *idempotency.Store, handlers Handlers, log zerolog.Logger) *Dispatcher {
	sources := make(map[string]bool, len(allowedSources))
	for _, s := range allowedSources {
		sources[s] = true
	}
	return &Dispatcher{
		hmacSecret:      []byte(hmacSecret),
		allowedSources:  sources,
		guard:           guard,
		idem:            idem,
		handlers:        handlers,
		log:             log,
		preparedIntents: make(map[string]Payload),
	}
}

// RegisterRoutes mounts the single webhook endpoint on r.
func (d *Dispatcher) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhook", d.handle)
}

// PreparedIntent returns the stored PREPARE payload for signalID, if any,
// so CONFIRM can accept an inline payload when no prior PREPARE exists.
func (d *Dispatcher) PreparedIntent(signalID string) (Payload, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.preparedIntents[signalID]
	return p, ok
}

func (d *Dispatcher) storePrepared(p Payload) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preparedIntents[p.SignalID] = p
}

func (d *Dispatcher) clearPrepared(signalID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.preparedIntents, signalID)
}

func (d *Dispatcher) handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(400, gin.H{"error": "BAD_REQUEST", "message": "could not read request body"})
		return
	}

	if err := d.verifyAuth(c.GetHeader("X-Signature"), c.GetHeader("X-Source"), body); err != nil {
		c.JSON(errs.HTTPStatus(err), gin.H{"error": errs.CodeOf(err), "message": err.Error()})
		return
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		c.JSON(400, gin.H{"error": "MALFORMED_BODY", "message": "could not parse json body"})
		return
	}

	if _, err := clockid.Parse(p.SignalID); err != nil {
		c.JSON(400, gin.H{"error": "MALFORMED_SIGNAL_ID", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()

	// PREPARE and CONFIRM (and ABORT) legitimately share one signal-id for
	// the same bar, so the replay/idempotency key has to
	// be scoped by message type: otherwise a CONFIRM would be rejected as a
	// duplicate of its own prior PREPARE, or would be served PREPARE's
	// cached response instead of actually executing.
	dedupeKey := string(p.Type) + ":" + p.SignalID

	if err := d.guard.Admit(ctx, dedupeKey, p.Timestamp); err != nil {
		c.JSON(errs.HTTPStatus(err), Response{SignalID: p.SignalID, Timestamp: time.Now(), Error: errs.CodeOf(err), Message: err.Error()})
		return
	}

	result, err := d.idem.Process(ctx, dedupeKey, func() ([]byte, error) {
		resp := d.route(ctx, p)
		return json.Marshal(resp)
	})
	if err != nil {
		c.JSON(500, gin.H{"error": "INTERNAL", "message": err.Error()})
		return
	}

	var resp Response
	_ = json.Unmarshal(result.Value, &resp)
	status := 200
	if resp.Error != "" {
		status = errs.HTTPStatus(errs.New(errs.KindValidation, resp.Error, resp.Message))
	}
	c.Data(status, "application/json", result.Value)
}

// verifyAuth checks the hex HMAC-SHA256 signature over body with a
// timing-safe comparison, and that the source header is on the allowed
// list.
func (d *Dispatcher) verifyAuth(signatureHeader, sourceHeader string, body []byte) error {
	if !d.allowedSources[sourceHeader] {
		return errs.Auth("UNAUTHORIZED_SOURCE", "source header not permitted")
	}
	mac := hmac.New(sha256.New, d.hmacSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	given, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return errs.Auth("INVALID_SIGNATURE", "signature header is not valid hex")
	}
	expectedBytes, _ := hex.DecodeString(expected)
	if !hmac.Equal(given, expectedBytes) {
		return errs.Auth("INVALID_SIGNATURE", "hmac signature mismatch")
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, p Payload) Response {
	start := time.Now()
	defer func() {
		metrics.RecordWebhookDuration(string(p.Type), time.Since(start).Seconds())
	}()

	resp := Response{SignalID: p.SignalID, Timestamp: time.Now()}

	var (
		result any
		err    error
	)
	switch p.Type {
	case TypePrepare:
		result, err = d.handlers.Prepare(ctx, p)
		if err == nil {
			d.storePrepared(p)
		}
	case TypeConfirm:
		result, err = d.handlers.Confirm(ctx, p)
		d.clearPrepared(p.SignalID)
	case TypeAbort:
		result, err = d.handlers.Abort(ctx, p)
		d.clearPrepared(p.SignalID)
	case TypeHeartbeat:
		result, err = d.handlers.Heartbeat(ctx, p)
	default:
		err = errs.Validation("UNKNOWN_SIGNAL_TYPE", "unrecognized signal type")
	}

	if err != nil {
		resp.Error = errs.CodeOf(err)
		if resp.Error == "" {
			resp.Error = "INTERNAL"
		}
		resp.Message = err.Error()
		return resp
	}
	resp.Status = "ok"
	resp.Result = result
	return resp
}
