package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flaggate/flaggate/internal/core"
)

// MemoryStore is an in-process [Store]. It backs tests and deployments that
// run without a database; flag state then lives only as long as the process.
type MemoryStore struct {
	mu      sync.RWMutex
	flags   map[string]Flag
	history map[string][]HistoryEntry
	now     func() time.Time

	// failWith, when set, makes every call fail. Tests use it to exercise
	// store-unavailable degradation.
	failWith error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flags:   make(map[string]Flag),
		history: make(map[string][]HistoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// FailWith makes all subsequent calls return err; nil restores normal
// operation. Intended for tests.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	s.failWith = err
	s.mu.Unlock()
}

func (s *MemoryStore) GetFlag(_ context.Context, name string) (Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return Flag{}, s.failWith
	}

	flag, ok := s.flags[name]
	if !ok {
		return Flag{}, fmt.Errorf("get flag %q: %w", name, ErrNotFound)
	}

	return flag, nil
}

func (s *MemoryStore) ListFlags(_ context.Context) ([]Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	flags := make([]Flag, 0, len(s.flags))
	for _, flag := range s.flags {
		flags = append(flags, flag)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Name < flags[j].Name })

	return flags, nil
}

func (s *MemoryStore) CreateFlag(_ context.Context, flag Flag) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return Flag{}, s.failWith
	}

	if _, exists := s.flags[flag.Name]; exists {
		return Flag{}, fmt.Errorf("create flag %q: already exists", flag.Name)
	}

	now := s.now()
	flag.CreatedAt = now
	flag.UpdatedAt = now
	s.flags[flag.Name] = flag

	return flag, nil
}

func (s *MemoryStore) SaveValue(_ context.Context, name string, value core.Value) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return Flag{}, s.failWith
	}

	flag, ok := s.flags[name]
	if !ok {
		return Flag{}, fmt.Errorf("save value for %q: %w", name, ErrNotFound)
	}

	flag.Value = value
	flag.UpdatedAt = s.now()
	s.flags[name] = flag

	return flag, nil
}

func (s *MemoryStore) SaveRequirements(_ context.Context, name string, requirements *core.Requirements) (Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return Flag{}, s.failWith
	}

	flag, ok := s.flags[name]
	if !ok {
		return Flag{}, fmt.Errorf("save requirements for %q: %w", name, ErrNotFound)
	}

	flag.Requirements = requirements
	flag.UpdatedAt = s.now()
	s.flags[name] = flag

	return flag, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	s.history[entry.FlagName] = append(s.history[entry.FlagName], entry)

	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, name string, limit int) ([]HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.failWith != nil {
		return nil, s.failWith
	}

	entries := s.history[name]
	// Newest first.
	out := make([]HistoryEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}

	return out, nil
}
