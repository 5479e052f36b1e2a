package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flaggate/flaggate/internal/core"
)

// PostgresStore implements [Store] backed by a pgxpool connection pool.
// Values and requirement mappings are stored as jsonb columns; history rows
// are append-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a [PostgresStore] on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for health checks and metrics gauges.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) GetFlag(ctx context.Context, name string) (Flag, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT name, type, value, requirements, created_at, updated_at
		FROM flags
		WHERE name = $1
	`, name)

	flag, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, fmt.Errorf("get flag %q: %w", name, ErrNotFound)
		}
		return Flag{}, fmt.Errorf("get flag %q: %w: %w", name, ErrUnavailable, err)
	}

	return flag, nil
}

func (s *PostgresStore) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT name, type, value, requirements, created_at, updated_at
		FROM flags
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w: %w", ErrUnavailable, err)
	}

	return flags, nil
}

func (s *PostgresStore) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	value, requirements, err := marshalPayloads(flag)
	if err != nil {
		return Flag{}, err
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO flags (name, type, value, requirements)
		VALUES ($1, $2, $3, $4)
		RETURNING name, type, value, requirements, created_at, updated_at
	`, flag.Name, flag.Type, value, requirements)

	created, err := scanFlag(row)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag %q: %w", flag.Name, err)
	}

	return created, nil
}

func (s *PostgresStore) SaveValue(ctx context.Context, name string, value core.Value) (Flag, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Flag{}, fmt.Errorf("marshal value for %q: %w", name, err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE flags
		SET value = $2, updated_at = NOW()
		WHERE name = $1
		RETURNING name, type, value, requirements, created_at, updated_at
	`, name, payload)

	updated, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, fmt.Errorf("save value for %q: %w", name, ErrNotFound)
		}
		return Flag{}, fmt.Errorf("save value for %q: %w: %w", name, ErrUnavailable, err)
	}

	return updated, nil
}

func (s *PostgresStore) SaveRequirements(ctx context.Context, name string, requirements *core.Requirements) (Flag, error) {
	var payload []byte
	if requirements != nil {
		serialized, err := json.Marshal(requirements)
		if err != nil {
			return Flag{}, fmt.Errorf("marshal requirements for %q: %w", name, err)
		}
		payload = serialized
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE flags
		SET requirements = $2, updated_at = NOW()
		WHERE name = $1
		RETURNING name, type, value, requirements, created_at, updated_at
	`, name, payload)

	updated, err := scanFlag(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Flag{}, fmt.Errorf("save requirements for %q: %w", name, ErrNotFound)
		}
		return Flag{}, fmt.Errorf("save requirements for %q: %w: %w", name, ErrUnavailable, err)
	}

	return updated, nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO flag_history (id, flag_name, actor, change_type, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.FlagName, entry.Actor, entry.ChangeType, ensureJSON(entry.OldValue), ensureJSON(entry.NewValue))
	if err != nil {
		return fmt.Errorf("append history for %q: %w: %w", entry.FlagName, ErrUnavailable, err)
	}

	return nil
}

func (s *PostgresStore) ListHistory(ctx context.Context, name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, flag_name, actor, change_type, old_value, new_value, created_at
		FROM flag_history
		WHERE flag_name = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("list history for %q: %w: %w", name, ErrUnavailable, err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var entry HistoryEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.FlagName,
			&entry.Actor,
			&entry.ChangeType,
			&entry.OldValue,
			&entry.NewValue,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history rows for %q: %w", name, err)
	}

	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlag(row rowScanner) (Flag, error) {
	var (
		flag         Flag
		value        []byte
		requirements []byte
	)
	if err := row.Scan(
		&flag.Name,
		&flag.Type,
		&value,
		&requirements,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	); err != nil {
		return Flag{}, err
	}

	if len(value) > 0 {
		if err := json.Unmarshal(value, &flag.Value); err != nil {
			return Flag{}, fmt.Errorf("decode value: %w", err)
		}
	}
	if len(requirements) > 0 {
		var decoded core.Requirements
		if err := json.Unmarshal(requirements, &decoded); err != nil {
			return Flag{}, fmt.Errorf("decode requirements: %w", err)
		}
		flag.Requirements = &decoded
	}

	return flag, nil
}

func marshalPayloads(flag Flag) ([]byte, []byte, error) {
	value, err := json.Marshal(flag.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal value for %q: %w", flag.Name, err)
	}

	var requirements []byte
	if flag.Requirements != nil {
		requirements, err = json.Marshal(flag.Requirements)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal requirements for %q: %w", flag.Name, err)
		}
	}

	return value, requirements, nil
}

func ensureJSON(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}

	return payload
}
