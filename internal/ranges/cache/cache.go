// Package cache serves parameter bounds with bounded staleness. Readings are
// evaluated on every inbound message, so the hot path answers from an
// in-memory snapshot; a background refresher swaps in a new snapshot every
// TTL. A stale but non-empty cache is served as-is rather than blocking the
// pipeline on a routine expiry.
package cache

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"citysense-cloud/internal/observability/metrics"
	ranges "citysense-cloud/internal/ranges/domain"
)

// DefaultTTL bounds the staleness of served ranges.
const DefaultTTL = 30 * time.Second

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type snapshot struct {
	entries  map[string]ranges.ParameterRange
	loadedAt time.Time
}

// Cache is a refresh-ahead cache over a range repository. Construct once at
// process start and inject wherever bounds are read or written.
type Cache struct {
	repo   ranges.Repository
	ttl    time.Duration
	clock  Clock
	logger *log.Logger

	current atomic.Pointer[snapshot]

	// swapMu serializes reloads and write-through updates; readers never
	// take it, they load the snapshot pointer atomically.
	swapMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes the cache.
type Option func(*Cache)

// WithTTL overrides the refresh period.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(c *Cache) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New constructs a cache.
func New(repo ranges.Repository, logger *log.Logger, opts ...Option) (*Cache, error) {
	if repo == nil {
		return nil, errors.New("range cache: nil repository")
	}
	if logger == nil {
		logger = log.Default()
	}
	cache := &Cache{
		repo:   repo,
		ttl:    DefaultTTL,
		clock:  systemClock{},
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(cache)
	}
	cache.current.Store(&snapshot{entries: map[string]ranges.ParameterRange{}})
	return cache, nil
}

// Get returns the bounds for a parameter, or false when none are configured.
// A stale non-empty cache answers immediately; a stale empty cache performs
// a blocking reload first so a cold start never masks configured ranges.
func (c *Cache) Get(ctx context.Context, parameter string) (ranges.ParameterRange, bool) {
	if c == nil {
		return ranges.ParameterRange{}, false
	}
	snap := c.current.Load()
	if len(snap.entries) == 0 && c.stale(snap) {
		if err := c.Reload(ctx); err != nil {
			c.logger.Printf("range cache: blocking reload failed: %v", err)
		}
		snap = c.current.Load()
	}
	rng, ok := snap.entries[parameter]
	return rng, ok
}

// Update writes bounds through to the backing store, then makes them visible
// to the very next evaluation without waiting for the scheduled refresh.
func (c *Cache) Update(ctx context.Context, rng ranges.ParameterRange) error {
	if c == nil {
		return errors.New("range cache: nil cache")
	}
	if rng.Parameter == "" {
		return errors.New("range cache: empty parameter")
	}
	if err := c.repo.Upsert(ctx, rng); err != nil {
		return err
	}

	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	old := c.current.Load()
	entries := make(map[string]ranges.ParameterRange, len(old.entries)+1)
	for key, value := range old.entries {
		entries[key] = value
	}
	entries[rng.Parameter] = rng
	c.current.Store(&snapshot{entries: entries, loadedAt: c.clock.Now()})
	return nil
}

// Reload performs a full reload and atomically swaps in the new mapping;
// readers never observe a partially-populated map.
func (c *Cache) Reload(ctx context.Context) error {
	if c == nil {
		return errors.New("range cache: nil cache")
	}
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	// Another caller may have reloaded while we waited for the lock. A
	// fresh empty snapshot is a genuine zero-config state, not a miss.
	if snap := c.current.Load(); !c.stale(snap) {
		return nil
	}

	loaded, err := c.repo.ListAll(ctx)
	if err != nil {
		metrics.IncRangeCacheReload("error")
		return err
	}
	entries := make(map[string]ranges.ParameterRange, len(loaded))
	for _, rng := range loaded {
		entries[rng.Parameter] = rng
	}
	c.current.Store(&snapshot{entries: entries, loadedAt: c.clock.Now()})
	metrics.IncRangeCacheReload("success")
	return nil
}

// List returns the cached ranges, reloading first if the cache has never
// been populated.
func (c *Cache) List(ctx context.Context) []ranges.ParameterRange {
	if c == nil {
		return nil
	}
	snap := c.current.Load()
	if len(snap.entries) == 0 && c.stale(snap) {
		if err := c.Reload(ctx); err != nil {
			c.logger.Printf("range cache: blocking reload failed: %v", err)
		}
		snap = c.current.Load()
	}
	result := make([]ranges.ParameterRange, 0, len(snap.entries))
	for _, rng := range snap.entries {
		result = append(result, rng)
	}
	return result
}

// Start launches the background refresher. It runs until Stop is called or
// the context is cancelled.
func (c *Cache) Start(ctx context.Context) {
	if c == nil {
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.refresh(ctx); err != nil {
					c.logger.Printf("range cache: scheduled reload failed: %v", err)
				}
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the background refresher and waits for it to exit.
func (c *Cache) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// refresh is the scheduled full reload; unlike Reload it swaps even when the
// current snapshot is fresh, so write skew from external admin edits heals
// within one TTL.
func (c *Cache) refresh(ctx context.Context) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	loaded, err := c.repo.ListAll(ctx)
	if err != nil {
		metrics.IncRangeCacheReload("error")
		return err
	}
	entries := make(map[string]ranges.ParameterRange, len(loaded))
	for _, rng := range loaded {
		entries[rng.Parameter] = rng
	}
	c.current.Store(&snapshot{entries: entries, loadedAt: c.clock.Now()})
	metrics.IncRangeCacheReload("success")
	return nil
}

func (c *Cache) stale(snap *snapshot) bool {
	if snap.loadedAt.IsZero() {
		return true
	}
	return c.clock.Now().Sub(snap.loadedAt) > c.ttl
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
