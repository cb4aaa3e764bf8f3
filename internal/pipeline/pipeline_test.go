package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/storage/memory"
	"github.com/JakeFAU/stackharvest/internal/store"
)

func TestRunResolvesTargetLinks(t *testing.T) {
	t.Parallel()

	discovery := &searchStub{}
	sink := &recordingSink{}
	progress := memory.NewProgressStore()
	p := newTestPipeline(t, Config{
		Target:    25,
		PageSize:  10,
		Consumers: 4,
		Discovery: discovery,
		Detail:    &detailStub{},
		Sink:      sink,
		Progress:  progress,
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	require.False(t, summary.Failed)
	require.Equal(t, int64(25), summary.Links)
	require.Equal(t, int64(25), summary.Items)
	require.Len(t, sink.rows(), 25)
	require.True(t, sink.isClosed())
	require.Equal(t, PhaseCompleted, p.Phase())
	require.Equal(t, []int{0, 10, 20}, discovery.offsets())

	state, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 25, state.Discovery.Start)
	require.Equal(t, 10, state.Discovery.PageSize)
	require.Equal(t, int64(25), state.Discovery.ItemsFetched)
}

func TestRunNeverExceedsItemQueueCapacity(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{delay: 5 * time.Millisecond}
	p := newTestPipeline(t, Config{
		Target:            40,
		PageSize:          10,
		Consumers:         8,
		LinkQueueCapacity: 3,
		ItemQueueCapacity: 4,
		Discovery:         &searchStub{},
		Detail:            &detailStub{},
		Sink:              sink,
		Progress:          memory.NewProgressStore(),
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(40), summary.Items)
	for _, size := range sink.batchSizes() {
		require.LessOrEqual(t, size, 4)
	}
}

func TestRunDropsLinksAfterTransportRetries(t *testing.T) {
	t.Parallel()

	detail := &detailStub{transient: map[string]int{link(3): 99, link(4): 2}}
	p := newTestPipeline(t, Config{
		Target:    10,
		PageSize:  10,
		Discovery: &searchStub{},
		Detail:    detail,
		Sink:      &recordingSink{},
		Progress:  memory.NewProgressStore(),
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Failed, "exhausted retries only drop the link")
	require.Equal(t, int64(1), summary.Dropped)
	require.Equal(t, int64(9), summary.Items)
	require.Equal(t, 3, detail.attempts(link(3)))
	require.Equal(t, 3, detail.attempts(link(4)))
}

func TestRunRecordsTerminalDetailError(t *testing.T) {
	t.Parallel()

	detail := &detailStub{terminal: map[string]*crawler.ErrorDetail{link(2): crawler.NewErrorDetail(404, "not found", "")}}
	p := newTestPipeline(t, Config{
		Target:    5,
		PageSize:  5,
		Discovery: &searchStub{},
		Detail:    detail,
		Sink:      &recordingSink{},
		Progress:  memory.NewProgressStore(),
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Failed)
	require.Contains(t, summary.Errors, link(2))
	require.Equal(t, 1, detail.attempts(link(2)))
	require.Equal(t, int64(4), summary.Items)
}

func TestRunStopsOnTerminalSearchResponse(t *testing.T) {
	t.Parallel()

	discovery := &searchStub{terminalAt: 10}
	progress := memory.NewProgressStore()
	p := newTestPipeline(t, Config{
		Target:    100,
		PageSize:  10,
		Discovery: discovery,
		Detail:    &detailStub{},
		Sink:      &recordingSink{},
		Progress:  progress,
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Failed)
	require.Contains(t, summary.Errors, ErrorKeyProducer)
	require.Equal(t, int64(10), summary.Items)

	state, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, state.Discovery.Start)
}

func TestRunBoundsFailingSearchPages(t *testing.T) {
	t.Parallel()

	discovery := &searchStub{alwaysFail: true}
	progress := memory.NewProgressStore()
	p := newTestPipeline(t, Config{
		Target:         0,
		PageSize:       10,
		MaxFailedPages: 2,
		Discovery:      discovery,
		Detail:         &detailStub{},
		Sink:           &recordingSink{},
		Progress:       progress,
	})

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not terminate against a failing source")
	}
	require.Len(t, discovery.offsets(), 6, "2 pages x 3 attempts")
	state, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Zero(t, state.Discovery.Start)
}

func TestRunResumesFromStoredStart(t *testing.T) {
	t.Parallel()

	discovery := &searchStub{lastOffset: 30}
	prev := store.State{Discovery: &store.DiscoveryState{Start: 20, PageSize: 10, LinksFound: 20, ItemsFetched: 20}}
	progress := memory.NewProgressStore(prev)
	p := newTestPipeline(t, Config{
		PageSize:  10,
		Discovery: discovery,
		Detail:    &detailStub{},
		Sink:      &recordingSink{},
		Progress:  progress,
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{20, 30}, discovery.offsets(), "an empty page ends discovery")
	require.Equal(t, int64(10), summary.Items)

	state, err := progress.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, state.Discovery.Start)
	require.Equal(t, int64(30), state.Discovery.ItemsFetched)
}

func TestRunReportsSinkCloseFailure(t *testing.T) {
	t.Parallel()

	p := newTestPipeline(t, Config{
		Target:    3,
		PageSize:  3,
		Discovery: &searchStub{},
		Detail:    &detailStub{},
		Sink:      &recordingSink{closeErr: errors.New("flush failed")},
		Progress:  memory.NewProgressStore(),
	})

	_, err := p.Run(context.Background())
	require.ErrorContains(t, err, "close sink")
}

func TestRunCountsRejectedBatchesAsDropped(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{appendErr: errors.New("sink unavailable")}
	p := newTestPipeline(t, Config{
		Target:    5,
		PageSize:  5,
		Consumers: 2,
		Discovery: &searchStub{},
		Detail:    &detailStub{},
		Sink:      sink,
		Progress:  memory.NewProgressStore(),
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)

	require.True(t, summary.Failed)
	require.Contains(t, summary.Errors, ErrorKeyAppender)
	require.Equal(t, int64(5), summary.Links)
	require.Equal(t, int64(0), summary.Items)
	require.Equal(t, int64(5), summary.Dropped)
	require.Equal(t, summary.Links, summary.Items+summary.Dropped)
	require.Empty(t, sink.rows())
}

func TestFlushIntervalDrainsBeforeCapacity(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	detail := &detailStub{delay: 20 * time.Millisecond}
	p := newTestPipeline(t, Config{
		Target:            6,
		PageSize:          6,
		Consumers:         1,
		ItemQueueCapacity: 100,
		FlushInterval:     5 * time.Millisecond,
		Discovery:         &searchStub{},
		Detail:            detail,
		Sink:              sink,
		Progress:          memory.NewProgressStore(),
	})

	summary, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(6), summary.Items)
	require.Greater(t, len(sink.batchSizes()), 1)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "discovery source")
	_, err = New(Config{Discovery: &searchStub{}, Detail: &detailStub{}, Sink: &recordingSink{}})
	require.ErrorContains(t, err, "progress store")
}

func TestConsumerPoolCancelsStragglers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	pool := newConsumerPool(context.Background(), 1, func(ctx context.Context, _ string) {
		close(started)
		<-ctx.Done()
	})
	require.NoError(t, pool.Submit(context.Background(), "a"))
	<-started
	require.Equal(t, 1, pool.Pending())
	require.False(t, pool.Shutdown(10*time.Millisecond))
	require.ErrorIs(t, pool.Submit(context.Background(), "b"), errPoolClosed)
}

func TestConsumerPoolDrainsSubmittedWork(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handled []string
	pool := newConsumerPool(context.Background(), 2, func(_ context.Context, link string) {
		mu.Lock()
		handled = append(handled, link)
		mu.Unlock()
	})
	for i := range 5 {
		require.NoError(t, pool.Submit(context.Background(), strconv.Itoa(i)))
	}
	require.True(t, pool.Shutdown(time.Second))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, handled, 5)
}

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	cfg.Backoff = noDelay{}
	cfg.PollTimeout = 10 * time.Millisecond
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func link(n int) string {
	return fmt.Sprintf("https://stackoverflow.com/questions/%d/q-%d", n, n)
}

type noDelay struct{}

func (noDelay) ShouldRetry(err error, _ int) bool { return err != nil }
func (noDelay) Backoff(int) time.Duration        { return 0 }

// searchStub returns pageSize sequential links per offset.
type searchStub struct {
	mu         sync.Mutex
	seen       []int
	terminalAt int
	lastOffset int
	alwaysFail bool
}

func (s *searchStub) Discover(_ context.Context, offset, pageSize int, _ string) ([]string, error) {
	s.mu.Lock()
	s.seen = append(s.seen, offset)
	s.mu.Unlock()
	if s.alwaysFail {
		return nil, errors.New("connection refused")
	}
	if s.terminalAt > 0 && offset >= s.terminalAt {
		return nil, crawler.NewErrorDetail(429, "too many requests", "")
	}
	if s.lastOffset > 0 && offset >= s.lastOffset {
		return nil, nil
	}
	out := make([]string, pageSize)
	for i := range out {
		out[i] = link(offset + i)
	}
	return out, nil
}

func (s *searchStub) offsets() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.seen...)
}

type detailStub struct {
	mu        sync.Mutex
	calls     map[string]int
	transient map[string]int
	terminal  map[string]*crawler.ErrorDetail
	delay     time.Duration
}

func (d *detailStub) Resolve(ctx context.Context, l string) (crawler.Question, error) {
	d.mu.Lock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[l]++
	attempt := d.calls[l]
	d.mu.Unlock()

	if d.delay > 0 {
		if err := crawler.Sleep(ctx, d.delay); err != nil {
			return crawler.Question{}, err
		}
	}
	if detail, ok := d.terminal[l]; ok {
		return crawler.Question{}, detail
	}
	if attempt <= d.transient[l] {
		return crawler.Question{}, errors.New("read: connection reset by peer")
	}
	parts := strings.Split(l, "/")
	id, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return crawler.Question{}, err
	}
	return crawler.Question{ID: id, Link: l}, nil
}

func (d *detailStub) attempts(l string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[l]
}

type recordingSink struct {
	mu       sync.Mutex
	batches  [][]crawler.Question
	closed   bool
	delay     time.Duration
	appendErr error
	closeErr  error
}

func (s *recordingSink) Append(_ context.Context, rows []crawler.Question) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.appendErr != nil {
		return s.appendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.Question(nil), rows...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *recordingSink) rows() []crawler.Question {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []crawler.Question
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *recordingSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
