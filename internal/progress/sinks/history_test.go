package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// TestHistorySinkPersistsLifecycle ensures run start and completion reach the repository.
func TestHistorySinkPersistsLifecycle(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{}
	sink := NewHistorySink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, Kind: "fetch", Note: "fetch_java", TS: now},
		{RunID: runID, Stage: progress.StagePageFetched, Kind: "fetch", Page: 1, Items: 30, TS: now},
		{RunID: runID, Stage: progress.StageRunError, Kind: "fetch", Items: 30, Note: "worker 2 died", TS: now.Add(time.Second)},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Len(t, repo.starts, 1)
	require.Equal(t, runUUID, repo.starts[0].runID)
	require.Equal(t, "fetch_java", repo.starts[0].key)
	require.Len(t, repo.completes, 1)
	require.Equal(t, store.RunError, repo.completes[0].status)
	require.Equal(t, int64(30), repo.completes[0].items)
	require.NotNil(t, repo.completes[0].errMsg)
	require.Equal(t, "worker 2 died", *repo.completes[0].errMsg)
}

// TestHistorySinkHandlesErrors surfaces repository failures back to the caller.
func TestHistorySinkHandlesErrors(t *testing.T) {
	t.Parallel()

	repo := &fakeRunRepo{startErr: errors.New("boom")}
	sink := NewHistorySink(repo, nil)
	runID := progress.UUIDToBytes(uuid.New())
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.ErrorContains(t, err, "upsert run start")
}

func TestHistorySinkNilRepository(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(nil, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunDone, TS: time.Now()},
	}))
}

type runStart struct {
	runID uuid.UUID
	kind  string
	key   string
}

type runComplete struct {
	runID  uuid.UUID
	status store.RunStatus
	items  int64
	errMsg *string
}

type fakeRunRepo struct {
	starts    []runStart
	completes []runComplete
	startErr  error
}

func (f *fakeRunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, kind, key string, _ time.Time) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, runStart{runID: runID, kind: kind, key: key})
	return nil
}

func (f *fakeRunRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	_ time.Time,
	status store.RunStatus,
	items int64,
	errMsg *string,
) error {
	f.completes = append(f.completes, runComplete{runID: runID, status: status, items: items, errMsg: errMsg})
	return nil
}
