package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/stackharvest/internal/store"
)

// RunStore implements store.RunRepository.
type RunStore struct {
	db    DB
	table string
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore writes run history into table (DefaultRunTable when empty).
func NewRunStore(db DB, table string) (*RunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, DefaultRunTable)
	if err != nil {
		return nil, err
	}
	return &RunStore{db: db, table: table}, nil
}

// UpsertRunStart inserts or updates a run's start row.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, kind, key string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, kind, key, started_at, status)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status
WHERE %s.status <> EXCLUDED.status`, s.table, s.table)
	if _, err := s.db.Exec(ctx, query, runID, kind, key, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	items int64,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, items = $3, error_message = $4
WHERE id = $5`, s.table)
	if _, err := s.db.Exec(ctx, query, finishedAt, status, items, errMsg, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}
