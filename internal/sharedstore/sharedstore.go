// Package sharedstore is the keyed, TTL'd store shared by the replay guard
// and idempotency store: a size-bounded LRU with per-entry TTL, promoted
// to a fallback role when a shared keyed store (Redis) is configured as
// the primary source.
package sharedstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the uniform keyed-TTL interface both the Redis-backed and
// in-memory implementations satisfy.
type Store interface {
	// SetNX stores value under key with the given TTL only if key is not
	// already present, returning whether it was newly set (false means a
	// value already existed — the caller's duplicate-detection signal).
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (set bool, err error)
	// Get returns the stored value and whether it exists (and hasn't expired).
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set unconditionally stores value under key with ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisStore wraps a *redis.Client.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(addr string) *RedisStore {
	return &RedisStore{Client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.Client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

// LRUStore is a size-bounded, per-entry-TTL in-memory store used standalone
// or as the fallback when the shared Redis store errors.
type LRUStore struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func NewLRUStore(capacity int) *LRUStore {
	if capacity <= 0 {
		capacity = 10_000
	}
	return &LRUStore{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (s *LRUStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		e := el.Value.(*entry)
		if time.Now().Before(e.expiresAt) {
			return false, nil
		}
		// expired: evict and fall through to insert fresh
		s.ll.Remove(el)
		delete(s.items, key)
	}
	s.insertLocked(key, value, ttl)
	return true, nil
}

func (s *LRUStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		s.ll.Remove(el)
		delete(s.items, key)
		return nil, false, nil
	}
	s.ll.MoveToFront(el)
	return e.value, true, nil
}

func (s *LRUStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[key]; ok {
		s.ll.Remove(el)
		delete(s.items, key)
	}
	s.insertLocked(key, value, ttl)
	return nil
}

func (s *LRUStore) insertLocked(key string, value []byte, ttl time.Duration) {
	el := s.ll.PushFront(&entry{key: key, value: value, expiresAt: time.Now().Add(ttl)})
	s.items[key] = el
	for s.ll.Len() > s.capacity {
		back := s.ll.Back()
		if back == nil {
			break
		}
		s.ll.Remove(back)
		delete(s.items, back.Value.(*entry).key)
	}
}

// Len reports the current entry count, for tests and metrics.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Fallback composes a primary Store (typically Redis) with an LRU
// fallback: every call tries primary first, and on error transparently
// retries against the LRU.
type Fallback struct {
	Primary  Store
	Fallback *LRUStore
	OnError  func(op string, err error)
}

func NewFallback(primary Store, lruCapacity int, onError func(op string, err error)) *Fallback {
	return &Fallback{Primary: primary, Fallback: NewLRUStore(lruCapacity), OnError: onError}
}

func (f *Fallback) notify(op string, err error) {
	if f.OnError != nil {
		f.OnError(op, err)
	}
}

func (f *Fallback) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if f.Primary != nil {
		set, err := f.Primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			return set, nil
		}
		f.notify("SetNX", err)
	}
	return f.Fallback.SetNX(ctx, key, value, ttl)
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.Primary != nil {
		v, found, err := f.Primary.Get(ctx, key)
		if err == nil {
			return v, found, nil
		}
		f.notify("Get", err)
	}
	return f.Fallback.Get(ctx, key)
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.Primary != nil {
		if err := f.Primary.Set(ctx, key, value, ttl); err == nil {
			return nil
		} else {
			f.notify("Set", err)
		}
	}
	return f.Fallback.Set(ctx, key, value, ttl)
}
