package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDetailDetection(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("fetch page 3: %w", NewErrorDetail(502, "throttle_violation", `{"error_id":502}`))
	detail, ok := AsErrorDetail(wrapped)
	require.True(t, ok)
	require.Equal(t, 502, detail.Code)
	require.Equal(t, "throttle_violation", detail.Message)
	require.True(t, IsTerminal(wrapped))

	require.False(t, IsTerminal(errors.New("connection reset")))
	require.False(t, IsTerminal(nil))
}

func TestRetryPolicyBounded(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(RetryConfig{MaxAttempts: 3})
	transient := &net.OpError{Op: "dial", Err: errors.New("refused")}

	require.True(t, policy.ShouldRetry(transient, 1))
	require.True(t, policy.ShouldRetry(transient, 2))
	require.False(t, policy.ShouldRetry(transient, 3))
	require.False(t, policy.ShouldRetry(NewErrorDetail(400, "bad", ""), 1))
	require.False(t, policy.ShouldRetry(context.Canceled, 1))
	require.False(t, policy.ShouldRetry(nil, 1))
}

func TestRetryPolicyUnbounded(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(RetryConfig{MaxAttempts: -1})
	require.True(t, policy.ShouldRetry(errors.New("eof"), 10_000))
	policy = NewExponentialRetryPolicy(RetryConfig{})
	require.True(t, policy.ShouldRetry(errors.New("eof"), 10_000))
}

func TestRetryPolicyBackoffCapped(t *testing.T) {
	t.Parallel()

	policy := NewExponentialRetryPolicy(RetryConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	for attempt := 1; attempt < 100; attempt++ {
		d := policy.Backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 40*time.Millisecond)
	}
	first := policy.Backoff(1)
	assert.GreaterOrEqual(t, first, 5*time.Millisecond)
	assert.LessOrEqual(t, first, 10*time.Millisecond)
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestFetchTallyConcurrentUpdates(t *testing.T) {
	t.Parallel()

	tally := NewFetchTally(10, 100)
	var wg sync.WaitGroup
	for w := 1; w <= 8; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tally.RecordPage(3)
			}
			tally.RecordError(id, ErrorDetail{Code: id})
			tally.RecordError(id, ErrorDetail{Code: 999})
		}(w)
	}
	wg.Wait()

	snap := tally.Snapshot()
	require.Equal(t, int64(10+8*50), snap.PagesFetched)
	require.Equal(t, int64(100+8*50*3), snap.ItemsFetched)
	require.Len(t, snap.Errors, 8)
	require.Equal(t, 3, snap.Errors[3].Code)
}

func TestDefaultCursorPartitionsPages(t *testing.T) {
	t.Parallel()

	const workers = 4
	seen := make(map[int]int)
	for id := 1; id <= workers; id++ {
		c := DefaultCursor(id, workers)
		for i := 0; i < 5; i++ {
			require.Equal(t, id%workers, c.Page%workers)
			seen[c.Page]++
			c = c.Advance()
		}
	}
	for page, count := range seen {
		require.Equal(t, 1, count, "page %d fetched by more than one worker", page)
	}
}

func TestSplitAndJoinTags(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"android", "webview"}, SplitTags(" android; ;webview;"))
	require.Equal(t, "go;concurrency", JoinTags([]string{"go", "concurrency"}))
	require.Empty(t, SplitTags(""))
}

func TestFormatElapsed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.500s"},
		{59*time.Second + 999*time.Millisecond, "59.999s"},
		{2*time.Minute + 3*time.Second, "2min 3.000s"},
		{90 * time.Minute, "1.500h"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, FormatElapsed(tc.d))
	}
}

func TestSummaryString(t *testing.T) {
	t.Parallel()

	s := Summary{
		RunID:   "run-1",
		Kind:    RunKindFetch,
		Elapsed: 2 * time.Second,
		Pages:   4,
		Items:   120,
		Errors:  map[string]ErrorDetail{"2": {Code: 502, Message: "throttle_violation"}},
		Failed:  true,
	}
	out := s.String()
	require.Contains(t, out, "fetch run run-1 failed")
	require.Contains(t, out, "total pages: 4")
	require.Contains(t, out, "total items: 120")
	require.Contains(t, out, "error [2]: 502 throttle_violation")
}
