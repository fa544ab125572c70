// Package heartbeat implements the dead-man switch: a periodic liveness
// check against upstream heartbeats that flattens every
// open position when too many are missed in a row, but only while the
// market is open.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MarketOpenChecker reports whether the market is currently open. Emergency
// flatten on missed heartbeats only fires when this returns true.
type MarketOpenChecker func() bool

// EventKind enumerates what DMS reports to subscribers.
type EventKind string

const (
	EventHeartbeatMissed  EventKind = "heartbeat_missed"
	EventEmergencyFlatten EventKind = "emergency_flatten"
)

// Event is one DMS occurrence.
type Event struct {
	Kind    EventKind
	Missed  int
	At      time.Time
}

// DMS is the dead-man switch. It is driven by a periodic Run loop (the
// check_interval_ms ticker) and by inbound Beat() calls from the webhook
// dispatcher's HEARTBEAT route.
type DMS struct {
	mu               sync.Mutex
	lastHeartbeat    time.Time
	missed           int
	armed            bool // false after an emergency flatten, until Reset
	expectedInterval time.Duration
	maxMissed        int
	marketOpen       MarketOpenChecker

	onEmergencyFlatten func()
	log                zerolog.Logger

	subscribers []func(Event)
}

// New constructs a DMS. expectedInterval is how often upstream promises to
// beat; maxMissed is how many missed beats trip the switch.
func New(expectedInterval time.Duration, maxMissed int, marketOpen MarketOpenChecker, onEmergencyFlatten func(), log zerolog.Logger) *DMS {
	return &DMS{
		lastHeartbeat:    time.Now(),
		armed:            true,
		expectedInterval: expectedInterval,
		maxMissed:        maxMissed,
		marketOpen:       marketOpen,
		onEmergencyFlatten: onEmergencyFlatten,
		log:              log,
	}
}

// Beat records a received heartbeat, resetting the missed counter.
func (d *DMS) Beat(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHeartbeat = at
	d.missed = 0
}

// Subscribe registers fn to receive every DMS Event.
func (d *DMS) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, fn)
}

func (d *DMS) emit(ev Event) {
	d.mu.Lock()
	subs := append([]func(Event){}, d.subscribers...)
	d.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Run ticks every checkInterval, comparing now against the last heartbeat.
// Missing more than expectedInterval counts one miss; reaching maxMissed
// while the market is open triggers an emergency flatten and disarms the
// DMS until an explicit Reset.
func (d *DMS) Run(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.checkOnce(time.Now())
		}
	}
}

func (d *DMS) checkOnce(now time.Time) {
	d.mu.Lock()
	if !d.armed {
		d.mu.Unlock()
		return
	}
	age := now.Sub(d.lastHeartbeat)
	if age <= d.expectedInterval {
		d.mu.Unlock()
		return
	}
	d.missed++
	missed := d.missed
	d.mu.Unlock()

	d.emit(Event{Kind: EventHeartbeatMissed, Missed: missed, At: now})
	d.log.Warn().Int("missed", missed).Dur("age", age).Msg("heartbeat missed")

	if missed < d.maxMissed {
		return
	}
	if d.marketOpen != nil && !d.marketOpen() {
		d.log.Warn().Msg("max missed heartbeats reached but market is closed, suppressing flatten")
		return
	}

	d.mu.Lock()
	d.armed = false
	d.mu.Unlock()

	d.emit(Event{Kind: EventEmergencyFlatten, Missed: missed, At: now})
	if d.onEmergencyFlatten != nil {
		// Errors in the flatten/alert path are logged by the caller and
		// never block this local state transition.
		d.onEmergencyFlatten()
	}
}

// Armed reports whether the DMS will still act on missed heartbeats.
func (d *DMS) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed
}

// Reset re-arms the DMS and clears the last-heartbeat timestamp to now,
// requiring a fresh heartbeat stream before the missed counter can grow
// again.
func (d *DMS) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = true
	d.missed = 0
	d.lastHeartbeat = time.Now()
}
