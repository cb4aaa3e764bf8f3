package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/stackharvest/internal/store"
)

// ProgressStore keeps one State per key as a JSONB document.
type ProgressStore struct {
	db    DB
	table string
	key   string
}

// NewProgressStore binds key to table (DefaultProgressTable when empty).
func NewProgressStore(db DB, table, key string) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if key == "" {
		return nil, fmt.Errorf("progress key is required")
	}
	table, err := checkTable(table, DefaultProgressTable)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{db: db, table: table, key: key}, nil
}

// Load returns the stored state or store.ErrNotFound.
func (s *ProgressStore) Load(ctx context.Context) (store.State, error) {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE key = $1`, s.table)
	var raw []byte
	if err := s.db.QueryRow(ctx, query, s.key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.State{}, store.ErrNotFound
		}
		return store.State{}, fmt.Errorf("load progress %s: %w", s.key, err)
	}
	var state store.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return store.State{}, fmt.Errorf("decode progress %s: %w", s.key, err)
	}
	return state, nil
}

// Store upserts the state for the key.
func (s *ProgressStore) Store(ctx context.Context, state store.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (key, state, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.db.Exec(ctx, query, s.key, raw, state.UpdatedAt); err != nil {
		return fmt.Errorf("store progress %s: %w", s.key, err)
	}
	return nil
}
