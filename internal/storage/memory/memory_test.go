package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/store"
)

func TestProgressStoreLifecycle(t *testing.T) {
	t.Parallel()

	ps := NewProgressStore()
	ctx := context.Background()

	_, err := ps.Load(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	state := store.State{Fetch: &store.FetchState{
		Cursors: []crawler.WorkerCursor{{WorkerID: 1, Page: 3, Step: 2}},
		Errors:  map[int]crawler.ErrorDetail{1: {Code: 400}},
	}}
	require.NoError(t, ps.Store(ctx, state))
	state.Fetch.Cursors[0].Page = 99
	state.Fetch.Errors[1] = crawler.ErrorDetail{Code: 500}

	loaded, err := ps.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Fetch.Cursors[0].Page, "store must keep a copy")
	require.Equal(t, 400, loaded.Fetch.Errors[1].Code)
	require.Equal(t, 1, ps.Stores())
}

func TestProgressStoreSeed(t *testing.T) {
	t.Parallel()

	ps := NewProgressStore(store.State{Discovery: &store.DiscoveryState{Start: 20, PageSize: 10}})
	loaded, err := ps.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, loaded.Discovery.Start)
	require.Equal(t, 0, ps.Stores())
}

func TestSinkCollectsAndCloses(t *testing.T) {
	t.Parallel()

	sink := NewSink()
	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, []crawler.Question{{ID: 1}, {ID: 2}}))
	require.NoError(t, sink.Append(ctx, []crawler.Question{{ID: 3}}))
	require.Len(t, sink.Rows(), 3)
	require.Equal(t, 2, sink.Batches())

	require.NoError(t, sink.Close(ctx))
	require.True(t, sink.Closed())
	require.ErrorIs(t, sink.Append(ctx, []crawler.Question{{ID: 4}}), ErrSinkClosed)
}
