// Package service orchestrates the flag store, registry, and evaluator
// behind a TTL-bounded value cache. It owns the consistency policy: writers
// invalidate their own process's cache synchronously, other processes
// converge within one cache TTL, and store outages degrade to stale or
// default values instead of failing gated calls.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flaggate/flaggate/internal/core"
	"github.com/flaggate/flaggate/internal/registry"
	"github.com/flaggate/flaggate/internal/store"
)

const (
	// DefaultCacheTTL bounds how stale another process's view of a flag
	// may be after a write.
	DefaultCacheTTL = 30 * time.Second

	defaultStoreTimeout = 2 * time.Second
	historyTimeout      = 2 * time.Second
)

// Management-path sentinels. The hot evaluation path never returns these;
// an unknown flag evaluates to disabled there.
var (
	ErrUnknownFlag  = registry.ErrUnknownFlag
	ErrInvalidValue = core.ErrInvalidValue
)

// Service is the flag evaluation and management facade.
type Service struct {
	store        store.Store
	registry     *registry.Registry
	log          *slog.Logger
	now          func() time.Time
	ttl          time.Duration
	storeTimeout time.Duration

	// cache maps flag name to a cached record. The map is replaced
	// wholesale on every mutation so concurrent readers always observe a
	// complete snapshot.
	mu    sync.RWMutex
	cache map[string]cacheEntry

	onEvaluation          func(enabled bool)
	onRequirementsChanged []func()

	countersMu sync.Mutex
	counters   map[string]*flagCounters
}

type cacheEntry struct {
	flag    store.Flag
	known   bool
	expires time.Time
}

type flagCounters struct {
	byLayer     map[core.Layer]uint64
	allowed     uint64
	blocked     uint64
	lastChecked time.Time
}

// FlagMetrics is the per-flag check aggregation served by the management
// API. Counters are best-effort.
type FlagMetrics struct {
	FlagName      string            `json:"flag_name"`
	ChecksByLayer map[string]uint64 `json:"checks_by_layer"`
	Allowed       uint64            `json:"allowed"`
	Blocked       uint64            `json:"blocked"`
	LastChecked   *time.Time        `json:"last_checked,omitempty"`
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for cache and degradation warnings.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheTTL overrides the value cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithStoreTimeout bounds each store round-trip on the evaluation path.
func WithStoreTimeout(timeout time.Duration) Option {
	return func(s *Service) {
		if timeout > 0 {
			s.storeTimeout = timeout
		}
	}
}

// WithEvaluationRecorder sets a hook invoked with every evaluation result,
// used to drive the Prometheus evaluation counter.
func WithEvaluationRecorder(record func(enabled bool)) Option {
	return func(s *Service) { s.onEvaluation = record }
}

// New creates a [Service] over the given store and registry.
func New(st store.Store, reg *registry.Registry, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if reg == nil {
		return nil, errors.New("registry is nil")
	}

	svc := &Service{
		store:        st,
		registry:     reg,
		log:          slog.Default(),
		now:          time.Now,
		ttl:          DefaultCacheTTL,
		storeTimeout: defaultStoreTimeout,
		cache:        make(map[string]cacheEntry),
		counters:     make(map[string]*flagCounters),
	}
	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Seed persists registry defaults for any registered flag the store does not
// know yet. Called once at startup, before traffic.
func (s *Service) Seed(ctx context.Context) error {
	for _, def := range s.registry.Known() {
		_, err := s.store.GetFlag(ctx, def.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("seed %q: %w", def.Name, err)
		}

		if _, err := s.store.CreateFlag(ctx, store.Flag{
			Name:  def.Name,
			Type:  def.Type,
			Value: def.Default,
		}); err != nil {
			return fmt.Errorf("seed %q: %w", def.Name, err)
		}
		s.log.Info("seeded flag from registry default", "flag", def.Name, "type", def.Type)
	}

	return nil
}

// OnRequirementsChanged registers a callback invoked after every successful
// requirements write. The requirement cache hooks its invalidation here so
// same-process writers observe their change immediately.
func (s *Service) OnRequirementsChanged(fn func()) {
	s.onRequirementsChanged = append(s.onRequirementsChanged, fn)
}

// IsEnabled evaluates the named flag for the given context. It never fails:
// unknown flags and store outages resolve to the safest available answer
// (stale cache, registry default, or disabled) rather than an error.
func (s *Service) IsEnabled(ctx context.Context, name string, evalCtx core.EvaluationContext) bool {
	flag, known := s.lookup(ctx, name)
	if !known {
		return false
	}

	if evalCtx.Now.IsZero() {
		evalCtx.Now = s.now()
	}

	enabled := core.Evaluate(flag.Name, flag.Type, flag.Value, evalCtx)
	if s.onEvaluation != nil {
		s.onEvaluation(enabled)
	}

	return enabled
}

// SetValue validates the value against the flag's declared type, persists
// it, appends a history entry, and invalidates the local cache entry.
func (s *Service) SetValue(ctx context.Context, name string, value core.Value, actor string) (store.Flag, error) {
	flagType, old, err := s.resolveWriteTarget(ctx, name)
	if err != nil {
		return store.Flag{}, err
	}

	if err := value.Validate(flagType); err != nil {
		return store.Flag{}, err
	}

	updated, err := s.store.SaveValue(ctx, name, value)
	if err != nil {
		return store.Flag{}, fmt.Errorf("set value: %w", err)
	}

	s.appendHistoryBestEffort(ctx, store.HistoryEntry{
		FlagName:   name,
		Actor:      actor,
		ChangeType: store.ChangeValue,
		OldValue:   marshalForHistory(old.Value),
		NewValue:   marshalForHistory(updated.Value),
	})
	s.invalidate(name)

	return updated, nil
}

// SetRequirements replaces the flag's requirement mapping, appends a history
// entry, invalidates the local cache, and notifies requirement-cache
// subscribers.
func (s *Service) SetRequirements(ctx context.Context, name string, requirements *core.Requirements, actor string) (store.Flag, error) {
	_, old, err := s.resolveWriteTarget(ctx, name)
	if err != nil {
		return store.Flag{}, err
	}

	updated, err := s.store.SaveRequirements(ctx, name, requirements)
	if err != nil {
		return store.Flag{}, fmt.Errorf("set requirements: %w", err)
	}

	s.appendHistoryBestEffort(ctx, store.HistoryEntry{
		FlagName:   name,
		Actor:      actor,
		ChangeType: store.ChangeRequirements,
		OldValue:   marshalForHistory(old.Requirements),
		NewValue:   marshalForHistory(updated.Requirements),
	})
	s.invalidate(name)
	for _, fn := range s.onRequirementsChanged {
		fn()
	}

	return updated, nil
}

// GetFlag returns the stored record, synthesizing one from the registry
// default for registered flags that have not been seeded yet.
func (s *Service) GetFlag(ctx context.Context, name string) (store.Flag, error) {
	flag, err := s.store.GetFlag(ctx, name)
	if err == nil {
		return flag, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	def, ok := s.registry.Lookup(name)
	if !ok {
		return store.Flag{}, fmt.Errorf("flag %q: %w", name, ErrUnknownFlag)
	}

	return store.Flag{Name: def.Name, Type: def.Type, Value: def.Default}, nil
}

// ListFlags returns all stored flags.
func (s *Service) ListFlags(ctx context.Context) ([]store.Flag, error) {
	flags, err := s.store.ListFlags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	return flags, nil
}

// GetRequirements returns the flag's requirement mapping; nil when none is
// configured.
func (s *Service) GetRequirements(ctx context.Context, name string) (*core.Requirements, error) {
	flag, err := s.GetFlag(ctx, name)
	if err != nil {
		return nil, err
	}

	return flag.Requirements, nil
}

// GetHistory returns up to limit mutation records, newest first.
func (s *Service) GetHistory(ctx context.Context, name string, limit int) ([]store.HistoryEntry, error) {
	if _, err := s.GetFlag(ctx, name); err != nil {
		return nil, err
	}

	entries, err := s.store.ListHistory(ctx, name, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	return entries, nil
}

// RecordCheck updates the best-effort per-flag check counters. Called by
// the enforcement guards on every check outcome.
func (s *Service) RecordCheck(name string, layer core.Layer, allowed bool) {
	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	counters, ok := s.counters[name]
	if !ok {
		counters = &flagCounters{byLayer: make(map[core.Layer]uint64)}
		s.counters[name] = counters
	}

	counters.byLayer[layer]++
	if allowed {
		counters.allowed++
	} else {
		counters.blocked++
	}
	counters.lastChecked = s.now()
}

// GetMetrics returns the per-flag check aggregation.
func (s *Service) GetMetrics(ctx context.Context, name string) (FlagMetrics, error) {
	if _, err := s.GetFlag(ctx, name); err != nil {
		return FlagMetrics{}, err
	}

	metrics := FlagMetrics{
		FlagName:      name,
		ChecksByLayer: make(map[string]uint64),
	}

	s.countersMu.Lock()
	defer s.countersMu.Unlock()

	counters, ok := s.counters[name]
	if !ok {
		return metrics, nil
	}

	for layer, count := range counters.byLayer {
		metrics.ChecksByLayer[string(layer)] = count
	}
	metrics.Allowed = counters.allowed
	metrics.Blocked = counters.blocked
	if !counters.lastChecked.IsZero() {
		lastChecked := counters.lastChecked
		metrics.LastChecked = &lastChecked
	}

	return metrics, nil
}

// lookup returns the flag record to evaluate, refreshing the cache entry on
// TTL expiry. Concurrent refreshes for the same flag are allowed; the slot
// is last-write-wins.
func (s *Service) lookup(ctx context.Context, name string) (store.Flag, bool) {
	now := s.now()

	s.mu.RLock()
	entry, cached := s.cache[name]
	s.mu.RUnlock()

	if cached && now.Before(entry.expires) {
		return entry.flag, entry.known
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	flag, err := s.store.GetFlag(loadCtx, name)
	switch {
	case err == nil:
		s.storeEntry(name, cacheEntry{flag: flag, known: true, expires: now.Add(s.ttl)})
		return flag, true

	case errors.Is(err, store.ErrNotFound):
		def, ok := s.registry.Lookup(name)
		if !ok {
			s.log.Debug("flag unknown to store and registry, treating as disabled", "flag", name)
			s.storeEntry(name, cacheEntry{known: false, expires: now.Add(s.ttl)})
			return store.Flag{}, false
		}
		fallback := store.Flag{Name: def.Name, Type: def.Type, Value: def.Default}
		s.storeEntry(name, cacheEntry{flag: fallback, known: true, expires: now.Add(s.ttl)})
		return fallback, true

	default:
		// Store unreachable: serve the last-known value if we have one,
		// else the registry default, else disabled.
		s.log.Warn("flag store unavailable, serving degraded value", "flag", name, "error", err)
		if cached {
			return entry.flag, entry.known
		}
		if def, ok := s.registry.Lookup(name); ok {
			return store.Flag{Name: def.Name, Type: def.Type, Value: def.Default}, true
		}
		return store.Flag{}, false
	}
}

// resolveWriteTarget determines the declared type and current record for a
// management write, seeding registered-but-unstored flags on first write.
func (s *Service) resolveWriteTarget(ctx context.Context, name string) (core.FlagType, store.Flag, error) {
	current, err := s.store.GetFlag(ctx, name)
	if err == nil {
		return current.Type, current, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", store.Flag{}, fmt.Errorf("load flag: %w", err)
	}

	def, ok := s.registry.Lookup(name)
	if !ok {
		return "", store.Flag{}, fmt.Errorf("flag %q: %w", name, ErrUnknownFlag)
	}

	created, err := s.store.CreateFlag(ctx, store.Flag{
		Name:  def.Name,
		Type:  def.Type,
		Value: def.Default,
	})
	if err != nil {
		return "", store.Flag{}, fmt.Errorf("seed flag for write: %w", err)
	}

	return created.Type, created, nil
}

// invalidate drops the cache entry for name via a copy-on-write swap, so the
// writing process observes its own change immediately.
func (s *Service) invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]cacheEntry, len(s.cache))
	for key, entry := range s.cache {
		if key == name {
			continue
		}
		next[key] = entry
	}
	s.cache = next
}

func (s *Service) storeEntry(name string, entry cacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]cacheEntry, len(s.cache)+1)
	for key, existing := range s.cache {
		next[key] = existing
	}
	next[name] = entry
	s.cache = next
}

func (s *Service) appendHistoryBestEffort(ctx context.Context, entry store.HistoryEntry) {
	// The mutation has already committed; history must not roll it back.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()

	if err := s.store.AppendHistory(appendCtx, entry); err != nil {
		s.log.Warn("append history failed", "flag", entry.FlagName, "change", entry.ChangeType, "error", err)
	}
}

func marshalForHistory(payload any) json.RawMessage {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage("null")
	}

	return serialized
}
