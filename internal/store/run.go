package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RunStatus mirrors the harvest_runs status column.
type RunStatus string

// Run statuses persisted in harvest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRepository records the start and outcome of each run.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, kind string, key string, startedAt time.Time) error
	// CompleteRun marks the run finished with its totals.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, items int64, errMsg *string) error
}
