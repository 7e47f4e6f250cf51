// Package cache memoises results of idempotent tool calls in two tiers.
//
// L1 is a fixed-capacity, in-process LRU with a short TTL. L2 is an optional
// shared [Store] (Redis or PostgreSQL) with a longer TTL that several toolgate
// instances can read and write concurrently. L2 is consulted only on an L1
// miss, and an L2 hit is copied into L1.
//
// The shared tier is best effort: its errors are logged and treated as misses
// so a broken cache never fails a tool call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default cache tuning.
const (
	DefaultL1Capacity = 100
	DefaultL1TTL      = 5 * time.Minute
	DefaultL2TTL      = time.Hour
)

// ErrMiss is returned by a [Store] when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Store is the shared second tier.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Purger is implemented by stores that need expired entries removed
// explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Tier names where a cached value was found.
type Tier int

const (
	TierNone Tier = iota
	TierL1
	TierL2
)

// String returns "l1", "l2" or "miss".
func (t Tier) String() string {
	switch t {
	case TierL1:
		return "l1"
	case TierL2:
		return "l2"
	default:
		return "miss"
	}
}

// Config holds the cache tuning.
type Config struct {
	L1Capacity int
	L1TTL      time.Duration
	L2TTL      time.Duration
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	L1Hits    int64
	L2Hits    int64
	Misses    int64
	Puts      int64
	L2Errors  int64
	L1Entries int
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.L1Hits + s.L2Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(total)
}

// Cache is the two-tier result cache. It is safe for concurrent use.
type Cache struct {
	cfg Config
	l1  *expirable.LRU[string, []byte]
	l2  Store

	l1Hits   atomic.Int64
	l2Hits   atomic.Int64
	misses   atomic.Int64
	puts     atomic.Int64
	l2Errors atomic.Int64
}

// New creates a cache. l2 may be nil for an in-process cache only. When l2
// is set its TTL must be longer than L1's.
func New(cfg Config, l2 Store) (*Cache, error) {
	if cfg.L1Capacity <= 0 {
		cfg.L1Capacity = DefaultL1Capacity
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = DefaultL1TTL
	}
	if cfg.L2TTL <= 0 {
		cfg.L2TTL = DefaultL2TTL
	}
	if l2 != nil && cfg.L2TTL <= cfg.L1TTL {
		return nil, fmt.Errorf("cache: l2 ttl %s must exceed l1 ttl %s", cfg.L2TTL, cfg.L1TTL)
	}
	return &Cache{
		cfg: cfg,
		l1:  expirable.NewLRU[string, []byte](cfg.L1Capacity, nil, cfg.L1TTL),
		l2:  l2,
	}, nil
}

// Get looks key up in L1, then L2. It returns the value and the tier that
// answered.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, Tier, bool) {
	if v, ok := c.l1.Get(key); ok {
		c.l1Hits.Add(1)
		return v, TierL1, true
	}

	if c.l2 != nil {
		v, err := c.l2.Get(ctx, key)
		switch {
		case err == nil:
			c.l2Hits.Add(1)
			c.l1.Add(key, v)
			return v, TierL2, true
		case !errors.Is(err, ErrMiss):
			c.l2Errors.Add(1)
			slog.Warn("cache: shared tier lookup failed", "err", err)
		}
	}

	c.misses.Add(1)
	return nil, TierNone, false
}

// Put stores value under key in both tiers.
func (c *Cache) Put(ctx context.Context, key string, value []byte) {
	c.puts.Add(1)
	c.l1.Add(key, value)
	if c.l2 == nil {
		return
	}
	if err := c.l2.Set(ctx, key, value, c.cfg.L2TTL); err != nil {
		c.l2Errors.Add(1)
		slog.Warn("cache: shared tier write failed", "err", err)
	}
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.l1.Remove(key)
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// Purge empties L1. The shared tier is left to its TTL.
func (c *Cache) Purge() {
	c.l1.Purge()
}

// Sweep removes expired rows from a shared tier that needs it. It matches the
// monitor's sweep hook signature.
func (c *Cache) Sweep(ctx context.Context, _ time.Time) {
	p, ok := c.l2.(Purger)
	if !ok {
		return
	}
	n, err := p.PurgeExpired(ctx)
	if err != nil {
		slog.Warn("cache: purge expired entries", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("cache: purged expired entries", "count", n)
	}
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:    c.l1Hits.Load(),
		L2Hits:    c.l2Hits.Load(),
		Misses:    c.misses.Load(),
		Puts:      c.puts.Load(),
		L2Errors:  c.l2Errors.Load(),
		L1Entries: c.l1.Len(),
	}
}

// Config returns the effective configuration after defaults.
func (c *Cache) Config() Config { return c.cfg }
