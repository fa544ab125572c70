// Package obcache is the per-symbol order-book cache.
// A single writer (the WS feed consumer) publishes immutable snapshots;
// many readers read the latest snapshot under a shared RWMutex read lock.
package obcache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/titanhq/execution-core/internal/domain"
)

// Cache holds the latest OrderBookSnapshot per symbol.
type Cache struct {
	mu         sync.RWMutex
	snapshots  map[string]domain.OrderBookSnapshot
	maxAge     time.Duration
	disconnected bool
	log        zerolog.Logger
}

func New(maxAge time.Duration, log zerolog.Logger) *Cache {
	return &Cache{
		snapshots: make(map[string]domain.OrderBookSnapshot),
		maxAge:    maxAge,
		log:       log,
	}
}

// Update is called exclusively by the WS feed consumer goroutine.
func (c *Cache) Update(snap domain.OrderBookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[snap.Symbol] = snap
}

// SetFeedDisconnected marks the whole cache as stale regardless of
// per-symbol last-update age: a disconnected upstream feed means no entry
// can be trusted.
func (c *Cache) SetFeedDisconnected(disconnected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = disconnected
}

// Get returns a copy of the latest snapshot for symbol, and whether one
// exists at all.
func (c *Cache) Get(symbol string) (domain.OrderBookSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[symbol]
	return snap, ok
}

// StaleReason classifies why a cache entry for a symbol cannot be used,
// or "" if it is fresh.
func (c *Cache) StaleReason(symbol string, now time.Time) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.disconnected {
		return "STALE_L2_CACHE_DISCONNECTED"
	}
	snap, ok := c.snapshots[symbol]
	if !ok {
		return "STALE_L2_CACHE"
	}
	if now.Sub(snap.LastUpdate) > c.maxAge {
		return "STALE_L2_CACHE"
	}
	return ""
}

// OBI is a convenience wrapper returning the order book imbalance over
// depth levels for symbol, or false if no snapshot exists.
func (c *Cache) OBI(symbol string, depth int) (float64, bool) {
	snap, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	obi, _ := snap.OBI(depth).Float64()
	return obi, true
}
