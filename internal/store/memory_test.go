package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/flaggate/flaggate/internal/core"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	instant := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return instant })

	created, err := s.CreateFlag(ctx, Flag{Name: "F", Type: core.TypeBoolean, Value: core.BoolValue(true)})
	if err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}
	if !created.CreatedAt.Equal(instant) || !created.UpdatedAt.Equal(instant) {
		t.Fatalf("CreateFlag timestamps = %s / %s, want %s", created.CreatedAt, created.UpdatedAt, instant)
	}

	got, err := s.GetFlag(ctx, "F")
	if err != nil {
		t.Fatalf("GetFlag: %v", err)
	}
	if got.Value.Bool == nil || !*got.Value.Bool {
		t.Fatalf("GetFlag value = %+v, want bool true", got.Value)
	}

	if _, err := s.CreateFlag(ctx, Flag{Name: "F", Type: core.TypeBoolean, Value: core.BoolValue(false)}); err == nil {
		t.Fatal("CreateFlag of an existing name should fail")
	}
}

func TestMemoryStoreGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetFlag(context.Background(), "MISSING"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFlag error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSaveValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	instant := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return instant })

	if _, err := s.CreateFlag(ctx, Flag{Name: "P", Type: core.TypePercentage, Value: core.PercentValue(0)}); err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}

	instant = instant.Add(time.Minute)
	updated, err := s.SaveValue(ctx, "P", core.PercentValue(25))
	if err != nil {
		t.Fatalf("SaveValue: %v", err)
	}
	if updated.Value.Percent == nil || *updated.Value.Percent != 25 {
		t.Fatalf("SaveValue value = %+v, want percent 25", updated.Value)
	}
	if !updated.UpdatedAt.After(updated.CreatedAt) {
		t.Fatalf("UpdatedAt %s should advance past CreatedAt %s", updated.UpdatedAt, updated.CreatedAt)
	}

	if _, err := s.SaveValue(ctx, "MISSING", core.PercentValue(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SaveValue error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreSaveRequirements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.CreateFlag(ctx, Flag{Name: "F", Type: core.TypeBoolean, Value: core.BoolValue(true)}); err != nil {
		t.Fatalf("CreateFlag: %v", err)
	}

	requirements := &core.Requirements{API: core.APIBlock{"/widgets*": true}}
	updated, err := s.SaveRequirements(ctx, "F", requirements)
	if err != nil {
		t.Fatalf("SaveRequirements: %v", err)
	}
	if updated.Requirements == nil || !updated.Requirements.API["/widgets*"] {
		t.Fatalf("SaveRequirements = %+v, want api block", updated.Requirements)
	}

	cleared, err := s.SaveRequirements(ctx, "F", nil)
	if err != nil {
		t.Fatalf("SaveRequirements(nil): %v", err)
	}
	if cleared.Requirements != nil {
		t.Fatalf("SaveRequirements(nil) = %+v, want nil", cleared.Requirements)
	}
}

func TestMemoryStoreListFlagsSorted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, name := range []string{"C", "A", "B"} {
		if _, err := s.CreateFlag(ctx, Flag{Name: name, Type: core.TypeBoolean, Value: core.BoolValue(false)}); err != nil {
			t.Fatalf("CreateFlag(%q): %v", name, err)
		}
	}

	flags, err := s.ListFlags(ctx)
	if err != nil {
		t.Fatalf("ListFlags: %v", err)
	}
	for i, want := range []string{"A", "B", "C"} {
		if flags[i].Name != want {
			t.Fatalf("ListFlags[%d] = %q, want %q", i, flags[i].Name, want)
		}
	}
}

func TestMemoryStoreHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		entry := HistoryEntry{
			FlagName:   "F",
			Actor:      "ops",
			ChangeType: ChangeValue,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			NewValue:   []byte(fmt.Sprintf(`{"percent":%d}`, i)),
		}
		if err := s.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}

	entries, err := s.ListHistory(ctx, "F", 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("ListHistory returned %d entries, want 5", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CreatedAt.After(entries[i-1].CreatedAt) {
			t.Fatalf("entries not newest first at index %d", i)
		}
	}

	limited, err := s.ListHistory(ctx, "F", 2)
	if err != nil {
		t.Fatalf("ListHistory(limit=2): %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("ListHistory(limit=2) returned %d entries", len(limited))
	}
	if !limited[0].CreatedAt.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("ListHistory(limit=2)[0] = %s, want newest entry", limited[0].CreatedAt)
	}
}

func TestMemoryStoreHistoryAssignsIDs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.AppendHistory(ctx, HistoryEntry{FlagName: "F", ChangeType: ChangeValue}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	entries, err := s.ListHistory(ctx, "F", 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if entries[0].ID == "" {
		t.Fatal("AppendHistory should assign an ID")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("AppendHistory should stamp CreatedAt")
	}
}

func TestMemoryStoreFailWith(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.FailWith(ErrUnavailable)

	if _, err := s.GetFlag(ctx, "F"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("GetFlag error = %v, want ErrUnavailable", err)
	}
	if _, err := s.ListFlags(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("ListFlags error = %v, want ErrUnavailable", err)
	}

	s.FailWith(nil)
	if _, err := s.ListFlags(ctx); err != nil {
		t.Fatalf("ListFlags after recovery: %v", err)
	}
}
