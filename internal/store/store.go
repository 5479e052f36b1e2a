// Package store provides persistence for flags and their mutation history.
// The store is the single source of truth; caches above it are never
// authoritative. Two implementations exist: [MemoryStore] for tests and
// storeless deployments, and [PostgresStore] backed by pgxpool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/flaggate/flaggate/internal/core"
)

var (
	// ErrNotFound indicates the named flag has no stored record.
	ErrNotFound = errors.New("flag not found")
	// ErrUnavailable indicates a transient infrastructure fault reaching
	// the persistence layer. Callers on the evaluation path degrade to
	// cached or default values instead of propagating it.
	ErrUnavailable = errors.New("flag store unavailable")
)

// Change types recorded in history entries.
const (
	ChangeValue        = "value"
	ChangeRequirements = "requirements"
)

// Flag is the persisted flag record.
type Flag struct {
	Name         string             `json:"name"`
	Type         core.FlagType      `json:"type"`
	Value        core.Value         `json:"value"`
	Requirements *core.Requirements `json:"requirements,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// HistoryEntry is an immutable audit record appended on every mutation.
type HistoryEntry struct {
	ID         string          `json:"id"`
	FlagName   string          `json:"flag_name"`
	Actor      string          `json:"actor"`
	ChangeType string          `json:"change_type"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store is the persistence abstraction for flag records and history.
type Store interface {
	// GetFlag returns the stored record for name, or ErrNotFound.
	GetFlag(ctx context.Context, name string) (Flag, error)
	// ListFlags returns all stored flags ordered by name.
	ListFlags(ctx context.Context) ([]Flag, error)
	// CreateFlag inserts a new record; used by bootstrap seeding.
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	// SaveValue replaces the value of an existing flag.
	SaveValue(ctx context.Context, name string, value core.Value) (Flag, error)
	// SaveRequirements replaces the requirement mapping of an existing flag.
	SaveRequirements(ctx context.Context, name string, requirements *core.Requirements) (Flag, error)
	// AppendHistory records a mutation. History is append-only.
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	// ListHistory returns up to limit entries for name, newest first.
	ListHistory(ctx context.Context, name string, limit int) ([]HistoryEntry, error)
}
