// Package console implements the operator-facing real-time fan-out:
// client-capped websocket connections, periodic state
// snapshots from an injected provider, batched + delta-compressed updates,
// gzip above a size threshold, and a set of critical event kinds that
// bypass batching entirely.
package console

import (
	"bytes"
	"encoding/json"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// MessageKind enumerates every frame the server can push.
type MessageKind string

const (
	MsgConnected        MessageKind = "CONNECTED"
	MsgStateUpdate       MessageKind = "STATE_UPDATE"
	MsgEquityUpdate      MessageKind = "EQUITY_UPDATE"
	MsgPositionUpdate    MessageKind = "POSITION_UPDATE"
	MsgPhaseChange       MessageKind = "PHASE_CHANGE"
	MsgRegimeChange      MessageKind = "REGIME_CHANGE"
	MsgMasterArmChange   MessageKind = "MASTER_ARM_CHANGE"
	MsgEmergencyFlatten  MessageKind = "EMERGENCY_FLATTEN"
	MsgConfigChange      MessageKind = "CONFIG_CHANGE"
)

// criticalKinds bypass batching entirely.
var criticalKinds = map[MessageKind]bool{
	MsgPhaseChange:      true,
	MsgMasterArmChange:  true,
	MsgEmergencyFlatten: true,
}

// CloseCapacity is the websocket close code used when the client cap is
// exceeded.
const CloseCapacity = 1013

// StateProvider produces a full state snapshot on demand; the broadcaster
// polls it on an interval and diffs successive snapshots for delta
// compression.
type StateProvider func() map[string]any

// Frame is one outbound message: Kind plus either a Full snapshot or a
// Delta of only the changed top-level fields.
type Frame struct {
	Kind  MessageKind    `json:"kind"`
	Full  map[string]any `json:"full,omitempty"`
	Delta map[string]any `json:"delta,omitempty"`
	At    time.Time      `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex
}

// Config holds the fan-out's tunables.
type Config struct {
	MaxClients          int
	HeartbeatInterval    time.Duration // default ping cadence
	SnapshotInterval     time.Duration // default 1s
	BatchInterval        time.Duration
	MaxBatchSize         int
	CompressAboveBytes   int // default 2048 (2KB)
}

// Hub is the console websocket fan-out.
type Hub struct {
	cfg      Config
	provider StateProvider
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[*client]bool
	lastFull map[string]any

	batchMu sync.Mutex
	batch   []Frame
}

func New(cfg Config, provider StateProvider, log zerolog.Logger) *Hub {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.CompressAboveBytes <= 0 {
		cfg.CompressAboveBytes = 2048
	}
	return &Hub{
		cfg:      cfg,
		provider: provider,
		log:      log,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*client]bool),
	}
}

// ServeHTTP upgrades the connection, enforcing the client cap with close
// code 1013 on overflow, then sends the welcome CONNECTED frame carrying
// the current snapshot.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("console websocket upgrade failed")
		return
	}

	h.mu.Lock()
	if h.cfg.MaxClients > 0 && len(h.clients) >= h.cfg.MaxClients {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCapacity, "capacity"), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	c := &client{conn: conn, send: make(chan []byte, 32)}
	h.clients[c] = true
	h.mu.Unlock()

	snapshot := h.provider()
	h.sendDirect(c, Frame{Kind: MsgConnected, Full: snapshot, At: time.Now()})

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		switch string(msg) {
		case "PING":
			h.sendDirect(c, Frame{Kind: "PONG", At: time.Now()})
		case "REQUEST_STATE":
			h.sendDirect(c, Frame{Kind: MsgStateUpdate, Full: h.provider(), At: time.Now()})
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			c.mu.Unlock()
			if err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				h.drop(c)
				return
			}
		}
	}
}

func (h *Hub) heartbeatInterval() time.Duration {
	if h.cfg.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return h.cfg.HeartbeatInterval
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}

// ClientCount reports the current connected client count.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues a Frame for fan-out. Critical kinds (PHASE_CHANGE,
// MASTER_ARM_CHANGE, EMERGENCY_FLATTEN) bypass batching and are sent
// immediately; everything else accumulates in the batch until the batch
// interval or max size fires.
func (h *Hub) Broadcast(kind MessageKind, payload map[string]any) {
	if criticalKinds[kind] {
		h.sendAll(Frame{Kind: kind, Full: payload, At: time.Now()})
		return
	}
	h.batchMu.Lock()
	h.batch = append(h.batch, Frame{Kind: kind, Full: payload, At: time.Now()})
	flush := len(h.batch) >= h.cfg.MaxBatchSize
	h.batchMu.Unlock()
	if flush {
		h.flushBatch()
	}
}

func (h *Hub) flushBatch() {
	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	pending := h.batch
	h.batch = nil
	h.batchMu.Unlock()

	for _, f := range pending {
		h.sendAll(f)
	}
}

// RunBatcher flushes the pending batch every interval until the returned
// stop function is called. Call from cmd/execd alongside RunSnapshotLoop.
func (h *Hub) RunBatcher(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				ticker.Stop()
				return
			case <-ticker.C:
				h.flushBatch()
			}
		}
	}()
	return func() { close(done) }
}

// RunSnapshotLoop polls the provider every SnapshotInterval and broadcasts
// a delta-compressed STATE_UPDATE against the last full snapshot seen.
func (h *Hub) RunSnapshotLoop(stop <-chan struct{}) {
	interval := h.cfg.SnapshotInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.publishSnapshot()
		}
	}
}

func (h *Hub) publishSnapshot() {
	full := h.provider()

	h.mu.Lock()
	prev := h.lastFull
	h.lastFull = full
	h.mu.Unlock()

	delta := diff(prev, full)
	if len(delta) == 0 {
		return
	}
	h.Broadcast(MsgStateUpdate, delta)
}

// diff returns only the top-level keys of next whose value differs from
// prev, or is new.
func diff(prev, next map[string]any) map[string]any {
	if prev == nil {
		return next
	}
	out := make(map[string]any)
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			out[k] = v
		}
	}
	return out
}

// sendAll marshals frame once, gzip-compresses it if it exceeds the
// configured threshold, and pushes it to every connected client.
func (h *Hub) sendAll(frame Frame) {
	payload := h.encode(frame)

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn().Msg("console client send buffer full, dropping slow client")
			h.drop(c)
		}
	}
}

func (h *Hub) sendDirect(c *client, frame Frame) {
	payload := h.encode(frame)
	select {
	case c.send <- payload:
	default:
	}
}

// encode marshals frame to JSON and gzips it when it is CompressAboveBytes
// or longer. No extra marker is added: a gzipped frame starts with the gzip
// magic bytes 0x1F 0x8B, which the client demuxes on; plain JSON always
// starts with '{' so there is no ambiguity.
func (h *Hub) encode(frame Frame) []byte {
	raw, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("console frame marshal failed")
		return []byte(`{}`)
	}
	if len(raw) < h.cfg.CompressAboveBytes {
		return raw
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		h.log.Error().Err(err).Msg("console frame gzip failed, sending uncompressed")
		return raw
	}
	_ = gw.Close()
	return buf.Bytes()
}
