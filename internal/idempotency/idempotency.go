// Package idempotency implements the signal-id keyed response cache:
// lookup returns a prior response if one exists, else the
// caller executes, stores, and returns. The process helper guarantees
// at-most-once execution per id within TTL.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/titanhq/execution-core/internal/sharedstore"
)

// Store caches response envelopes by signal-id.
type Store struct {
	backend sharedstore.Store
	ttl     time.Duration

	// inflight de-dupes concurrent callers racing on the same signal-id
	// within a single process so fn runs exactly once even under a cache
	// miss race, consistent with the "guarantees at-most-once execution"
	// contract.
	mu       sync.Mutex
	inflight map[string]*sync.WaitGroup
}

func New(backend sharedstore.Store, ttl time.Duration) *Store {
	return &Store{backend: backend, ttl: ttl, inflight: make(map[string]*sync.WaitGroup)}
}

// Lookup returns a cached envelope for signalID, if present.
func (s *Store) Lookup(ctx context.Context, signalID string) (value []byte, cached bool, err error) {
	return s.backend.Get(ctx, key(signalID))
}

// Store unconditionally caches value for signalID for the store's TTL.
func (s *Store) Store(ctx context.Context, signalID string, value []byte) error {
	return s.backend.Set(ctx, key(signalID), value, s.ttl)
}

// Result is the envelope Process returns: the produced (or cached) value and
// whether it was served from cache.
type Result struct {
	Value  []byte
	Cached bool
}

// Process returns the cached response for signalID if one exists; otherwise
// it runs fn exactly once, caches the result, and returns it. Concurrent
// callers for the same signalID within one process block on the same fn
// invocation rather than racing it.
func (s *Store) Process(ctx context.Context, signalID string, fn func() ([]byte, error)) (Result, error) {
	if cached, ok, err := s.Lookup(ctx, signalID); err != nil {
		return Result{}, err
	} else if ok {
		return Result{Value: cached, Cached: true}, nil
	}

	s.mu.Lock()
	if wg, running := s.inflight[signalID]; running {
		s.mu.Unlock()
		wg.Wait()
		if cached, ok, err := s.Lookup(ctx, signalID); err == nil && ok {
			return Result{Value: cached, Cached: true}, nil
		}
		// fallthrough: the other caller's fn failed to persist; run our own
	} else {
		wg = &sync.WaitGroup{}
		wg.Add(1)
		s.inflight[signalID] = wg
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, signalID)
			s.mu.Unlock()
			wg.Done()
		}()
		// A caller that finished between our first Lookup and registering
		// here has already stored its result; serve that instead of
		// running fn a second time.
		if cached, ok, err := s.Lookup(ctx, signalID); err == nil && ok {
			return Result{Value: cached, Cached: true}, nil
		}
	}

	value, err := fn()
	if err != nil {
		return Result{}, err
	}
	if err := s.Store(ctx, signalID, value); err != nil {
		return Result{}, err
	}
	return Result{Value: value, Cached: false}, nil
}

func key(signalID string) string {
	return "idem:" + signalID
}
