// Package ratelimiter implements the token-bucket gate in front of the
// broker: every outbound call waits on it, and a FIFO queue-depth
// tracker surfaces back-pressure to execution strategies before the bucket
// itself runs dry.
package ratelimiter

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// EventKind enumerates the back-pressure signals the limiter emits.
type EventKind string

const (
	EventApproaching EventKind = "approaching"
	EventForceMarket EventKind = "force_market"
	EventAlert       EventKind = "alert"
)

// Event carries a back-pressure signal and the queue depth that produced it.
type Event struct {
	Kind  EventKind
	Depth int64
}

// Limiter wraps a token bucket sized at RequestsPerSec (1..50) with a FIFO
// queue-depth observer. Callers call Wait before every external broker
// call; Wait blocks on the token bucket and reports queue depth while it
// waits.
type Limiter struct {
	bucket *rate.Limiter

	warnThreshold  int64
	forceThreshold int64

	depth             int64
	consecutiveWarns  int64
	alertAfterWarns   int64

	mu          sync.Mutex
	subscribers []func(Event)
}

func New(requestsPerSec float64, warnThreshold, forceThreshold int, alertAfterWarns int) *Limiter {
	return &Limiter{
		bucket:          rate.NewLimiter(rate.Limit(requestsPerSec), int(requestsPerSec)+1),
		warnThreshold:   int64(warnThreshold),
		forceThreshold:  int64(forceThreshold),
		alertAfterWarns: int64(alertAfterWarns),
	}
}

// Subscribe registers fn to receive every back-pressure Event.
func (l *Limiter) Subscribe(fn func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Limiter) emit(ev Event) {
	l.mu.Lock()
	subs := append([]func(Event){}, l.subscribers...)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Wait enqueues the caller, blocks until the token bucket admits it, and
// reports queue-depth based back-pressure along the way. It always
// dequeues before returning, including on ctx cancellation.
func (l *Limiter) Wait(ctx context.Context) error {
	depth := atomic.AddInt64(&l.depth, 1)
	defer atomic.AddInt64(&l.depth, -1)

	l.reportDepth(depth)

	return l.bucket.Wait(ctx)
}

func (l *Limiter) reportDepth(depth int64) {
	switch {
	case depth > l.forceThreshold:
		l.emit(Event{Kind: EventForceMarket, Depth: depth})
		warns := atomic.AddInt64(&l.consecutiveWarns, 1)
		if l.alertAfterWarns > 0 && warns >= l.alertAfterWarns {
			l.emit(Event{Kind: EventAlert, Depth: depth})
		}
	case depth > l.warnThreshold:
		l.emit(Event{Kind: EventApproaching, Depth: depth})
		warns := atomic.AddInt64(&l.consecutiveWarns, 1)
		if l.alertAfterWarns > 0 && warns >= l.alertAfterWarns {
			l.emit(Event{Kind: EventAlert, Depth: depth})
		}
	default:
		atomic.StoreInt64(&l.consecutiveWarns, 0)
	}
}

// Depth reports the current queue depth.
func (l *Limiter) Depth() int64 {
	return atomic.LoadInt64(&l.depth)
}

// ShouldForceMarket reports whether the current queue depth is past the
// force-market threshold — the hint execution strategies consume to skip
// maker attempts entirely.
func (l *Limiter) ShouldForceMarket() bool {
	return atomic.LoadInt64(&l.depth) > l.forceThreshold
}
