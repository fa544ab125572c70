// Package masterarm holds the global execution enable/disable switch. It
// is process-wide state, so every read and write goes through sync/atomic
// rather than a mutex-guarded struct field; a torn read during hot-reload
// must be impossible.
package masterarm

import (
	"sync"
	"sync/atomic"
	"time"
)

// Switch is the master arm: a single atomic boolean plus a subscriber list
// that is notified on every transition, so the console and broker gateway
// can react without polling.
type Switch struct {
	armed int32 // atomic; 1 = armed, 0 = disabled

	mu          sync.Mutex
	subscribers []func(armed bool, reason string, at time.Time)
}

// New returns a Switch armed by default.
func New() *Switch {
	s := &Switch{}
	atomic.StoreInt32(&s.armed, 1)
	return s
}

// Armed reports the current state.
func (s *Switch) Armed() bool {
	return atomic.LoadInt32(&s.armed) == 1
}

// Disable turns execution off (e.g. operator action, emergency flatten,
// circuit breaker). reason is forwarded to subscribers for logging/console
// display and is not otherwise interpreted.
func (s *Switch) Disable(reason string) {
	if atomic.SwapInt32(&s.armed, 0) == 0 {
		return // already disabled; no duplicate notification
	}
	s.notify(false, reason)
}

// Enable re-arms execution. Safety components that disarmed via Disable
// generally require their own explicit Reset before Enable has any
// practical effect (e.g. heartbeat.DMS.Reset), but the switch itself does
// not enforce that ordering.
func (s *Switch) Enable(reason string) {
	if atomic.SwapInt32(&s.armed, 1) == 1 {
		return
	}
	s.notify(true, reason)
}

// Subscribe registers fn to be called on every armed/disarmed transition.
func (s *Switch) Subscribe(fn func(armed bool, reason string, at time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Switch) notify(armed bool, reason string) {
	s.mu.Lock()
	subs := append([]func(bool, string, time.Time){}, s.subscribers...)
	s.mu.Unlock()
	now := time.Now()
	for _, fn := range subs {
		fn(armed, reason, now)
	}
}
