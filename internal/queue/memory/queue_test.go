package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue[string](1)
	result := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), "https://stackoverflow.com/questions/1/a"))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "https://stackoverflow.com/questions/1/a", got)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	qEnqueue := NewQueue[int](1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), 1))
	err = qEnqueue.Enqueue(ctx, 2)
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 7))
	q.Close()
	q.Close()

	require.ErrorIs(t, q.Enqueue(context.Background(), 8), ErrClosed)
	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, got)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestQueuePollTimeout(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	start := time.Now()
	_, ok, err := q.Poll(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	require.NoError(t, q.Enqueue(context.Background(), 5))
	item, ok, err := q.Poll(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, item)
}

func TestQueuePollParentCanceled(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := q.Poll(ctx, time.Second)
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	t.Parallel()

	q := NewQueue[int](2)
	require.NoError(t, q.Enqueue(context.Background(), 1))
	require.NoError(t, q.Enqueue(context.Background(), 2))
	require.True(t, q.Full())

	var pushed atomic.Bool
	go func() {
		_ = q.Enqueue(context.Background(), 3)
		pushed.Store(true)
	}()
	time.Sleep(30 * time.Millisecond)
	require.False(t, pushed.Load(), "enqueue must block on a full queue")

	require.Equal(t, []int{1, 2}, q.DrainAll())
	require.Eventually(t, pushed.Load, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, q.Len())
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	const capacity = 4
	q := NewQueue[int](capacity)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := q.Enqueue(ctx, i); err != nil {
					return
				}
			}
		}()
	}

	drained := 0
	deadline := time.After(5 * time.Second)
	for drained < 8*50 {
		require.LessOrEqual(t, q.Len(), capacity)
		drained += len(q.DrainAll())
		select {
		case <-deadline:
			t.Fatalf("drained only %d items", drained)
		default:
		}
	}
	wg.Wait()
	require.Equal(t, 400, drained)
	require.Equal(t, capacity, q.Cap())
}
