// Package require maintains the derived requirement mapping (which flags
// gate which operations at which layer) and resolves call sites against it.
// The mapping is rebuilt wholesale from the flag store on a TTL, with the
// same bounded-staleness policy as the value cache: stale entries are served
// until expiry or explicit invalidation, and a store outage extends the life
// of the last good snapshot.
package require

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flaggate/flaggate/internal/core"
	"github.com/flaggate/flaggate/internal/store"
)

// DefaultTTL bounds how stale the requirement mapping may be in processes
// that did not perform the write.
const DefaultTTL = 30 * time.Second

const defaultRefreshTimeout = 2 * time.Second

// FlagLister is the slice of the store the cache needs.
type FlagLister interface {
	ListFlags(ctx context.Context) ([]store.Flag, error)
}

// snapshot is an immutable per-layer view of every flag's requirements,
// swapped atomically on refresh.
type snapshot struct {
	repository map[string]core.RepositoryBlock
	service    map[string]core.ServiceBlock
	api        map[string]core.APIBlock
	expires    time.Time
}

// Cache assembles and serves requirement snapshots.
type Cache struct {
	lister         FlagLister
	log            *slog.Logger
	now            func() time.Time
	ttl            time.Duration
	refreshTimeout time.Duration

	onRefresh    func()
	onInvalidate func()

	mu   sync.RWMutex
	snap *snapshot
}

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithLogger sets the logger for refresh warnings.
func WithLogger(log *slog.Logger) CacheOption {
	return func(c *Cache) { c.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithTTL overrides the snapshot TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRefreshHooks sets counters invoked on snapshot rebuilds and explicit
// invalidations, used to drive Prometheus metrics.
func WithRefreshHooks(onRefresh, onInvalidate func()) CacheOption {
	return func(c *Cache) {
		c.onRefresh = onRefresh
		c.onInvalidate = onInvalidate
	}
}

// NewCache creates a requirement cache over the given flag lister.
func NewCache(lister FlagLister, opts ...CacheOption) *Cache {
	c := &Cache{
		lister:         lister,
		log:            slog.Default(),
		now:            time.Now,
		ttl:            DefaultTTL,
		refreshTimeout: defaultRefreshTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Invalidate drops the current snapshot; the next reader rebuilds it. Wired
// to the service's requirements-changed hook so same-process writers see
// their change immediately.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()

	if c.onInvalidate != nil {
		c.onInvalidate()
	}
}

// current returns a usable snapshot, rebuilding on expiry. On rebuild
// failure the previous snapshot is served beyond its TTL with a warning; if
// there has never been a successful build, an empty snapshot (no gating) is
// returned.
func (c *Cache) current(ctx context.Context) *snapshot {
	now := c.now()

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil && now.Before(snap.expires) {
		return snap
	}

	rebuilt, err := c.rebuild(ctx, now)
	if err != nil {
		c.log.Warn("requirement cache refresh failed, serving stale snapshot", "error", err)
		if snap != nil {
			return snap
		}
		return &snapshot{}
	}

	c.mu.Lock()
	c.snap = rebuilt
	c.mu.Unlock()

	return rebuilt
}

func (c *Cache) rebuild(ctx context.Context, now time.Time) (*snapshot, error) {
	refreshCtx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	flags, err := c.lister.ListFlags(refreshCtx)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	snap := &snapshot{
		repository: make(map[string]core.RepositoryBlock),
		service:    make(map[string]core.ServiceBlock),
		api:        make(map[string]core.APIBlock),
		expires:    now.Add(c.ttl),
	}
	for _, flag := range flags {
		if flag.Requirements == nil {
			continue
		}
		if len(flag.Requirements.Repository) > 0 {
			snap.repository[flag.Name] = flag.Requirements.Repository
		}
		if len(flag.Requirements.Service) > 0 {
			snap.service[flag.Name] = flag.Requirements.Service
		}
		if len(flag.Requirements.API) > 0 {
			snap.api[flag.Name] = flag.Requirements.API
		}
	}

	if c.onRefresh != nil {
		c.onRefresh()
	}

	return snap, nil
}
