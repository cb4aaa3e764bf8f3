// Package pipeline implements the discovery pipeline: a producer that lists
// candidate links page by page, a consumer pool that resolves each link into
// a row, and an appender that batches resolved rows into a sink. All stages
// exchange data through bounded queues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stackharvest/internal/clock/system"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/id/uuid"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/queue/memory"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// Error keys used in the run summary for failures not tied to one link.
const (
	ErrorKeyProducer = "producer"
	ErrorKeyAppender = "appender"
)

// Config wires a Pipeline.
type Config struct {
	Query string
	// Target is the number of links to discover in this run. Zero or less
	// means until the search source runs dry.
	Target            int
	PageSize          int
	Consumers         int
	LinkQueueCapacity int
	ItemQueueCapacity int
	PollTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// Retries bounds transport attempts for one search page or one link.
	Retries int
	// MaxFailedPages bounds consecutive search pages whose retries were all
	// exhausted before the producer gives up.
	MaxFailedPages int
	// FlushInterval, when positive, drains the item queue on a timer too.
	FlushInterval time.Duration
	Key           string

	Discovery crawler.DiscoverySource
	Detail    crawler.DetailSource
	Sink      crawler.Sink
	Progress  store.ProgressStore
	Backoff   crawler.RetryPolicy
	Clock     crawler.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Consumers <= 0 {
		c.Consumers = 16
	}
	if c.LinkQueueCapacity <= 0 {
		c.LinkQueueCapacity = 32
	}
	if c.ItemQueueCapacity <= 0 {
		c.ItemQueueCapacity = 32
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Retries <= 0 {
		c.Retries = 3
	}
	if c.MaxFailedPages <= 0 {
		c.MaxFailedPages = 3
	}
	if c.Backoff == nil {
		c.Backoff = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxAttempts: c.Retries})
	}
	if c.Clock == nil {
		c.Clock = system.New()
	}
	if c.Emitter == nil {
		c.Emitter = progress.Discard
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Pipeline is the discovery pipeline. A Pipeline runs once.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
	phase  phaseState
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Discovery == nil {
		return nil, errors.New("pipeline: discovery source is required")
	}
	if cfg.Detail == nil {
		return nil, errors.New("pipeline: detail source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline: sink is required")
	}
	if cfg.Progress == nil {
		return nil, errors.New("pipeline: progress store is required")
	}
	cfg.applyDefaults()
	return &Pipeline{cfg: cfg, logger: cfg.Logger.Named("pipeline")}, nil
}

// Phase reports the current phase.
func (p *Pipeline) Phase() Phase {
	return p.phase.load()
}

// runState is shared by the stages of one run.
type runState struct {
	run     *progress.Run
	linkQ   *memory.Queue[string]
	itemQ   *memory.Queue[crawler.Question]
	flush   chan struct{}
	links   atomic.Int64
	items   atomic.Int64
	dropped atomic.Int64

	mu     sync.Mutex
	errors map[string]crawler.ErrorDetail
}

func (s *runState) recordError(key string, detail crawler.ErrorDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.errors[key]; !exists {
		s.errors[key] = detail
	}
}

func (s *runState) errorsSnapshot() map[string]crawler.ErrorDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errors) == 0 {
		return nil
	}
	out := make(map[string]crawler.ErrorDetail, len(s.errors))
	for k, v := range s.errors {
		out[k] = v
	}
	return out
}

// requestFlush wakes the appender. Signals coalesce: one pending signal is
// enough because the appender drains the whole queue.
func (s *runState) requestFlush() {
	select {
	case s.flush <- struct{}{}:
	default:
	}
}

// Run blocks until the producer finished, every submitted link was handled
// and the appender wrote its final batch and closed the sink. The Summary is
// always returned; the error reports a progress store, sink close or context
// failure.
func (p *Pipeline) Run(ctx context.Context) (crawler.Summary, error) {
	started := p.cfg.Clock.Now()
	runID := uuid.NewRunID()
	logger := p.logger.With(zap.String("run_id", runID.String()), zap.String("key", p.cfg.Key))

	prev := p.loadState(ctx, logger)
	start := 0
	if prev.Discovery != nil {
		start = prev.Discovery.Start
		if prev.Discovery.PageSize != 0 && prev.Discovery.PageSize != p.cfg.PageSize {
			logger.Info("page size changed since last run",
				zap.Int("stored", prev.Discovery.PageSize),
				zap.Int("configured", p.cfg.PageSize),
			)
		}
	}

	state := &runState{
		run:    progress.NewRun(p.cfg.Emitter, runID, string(crawler.RunKindDiscover)),
		linkQ:  memory.NewQueue[string](p.cfg.LinkQueueCapacity),
		itemQ:  memory.NewQueue[crawler.Question](p.cfg.ItemQueueCapacity),
		flush:  make(chan struct{}, 1),
		errors: make(map[string]crawler.ErrorDetail),
	}
	state.run.Started(p.cfg.Key)
	p.setPhase(state, PhaseRunning)
	logger.Info("discovery run started",
		zap.String("query", p.cfg.Query),
		zap.Int("target", p.cfg.Target),
		zap.Int("start", start),
		zap.Int("consumers", p.cfg.Consumers),
	)

	g, gctx := errgroup.WithContext(ctx)
	var finalStart int
	g.Go(func() error {
		finalStart = p.produce(gctx, state, start)
		return nil
	})

	appenderStop := make(chan struct{})
	g.Go(func() error {
		return p.appendLoop(gctx, state, appenderStop)
	})

	pool := newConsumerPool(gctx, p.cfg.Consumers, func(ctx context.Context, link string) {
		p.consume(ctx, state, link)
	})
	p.coordinate(gctx, state, pool)

	p.setPhase(state, PhaseDraining)
	logger.Debug("draining consumer pool", zap.Int("pending", pool.Pending()))
	if !pool.Shutdown(p.cfg.ShutdownTimeout) {
		logger.Warn("consumer pool did not drain in time, canceled stragglers",
			zap.Duration("timeout", p.cfg.ShutdownTimeout),
			zap.Int("pending", pool.Pending()),
		)
	}
	close(appenderStop)
	groupErr := g.Wait()
	p.setPhase(state, PhaseCompleted)

	links, items := state.links.Load(), state.items.Load()
	next := store.State{Fetch: prev.Fetch, UpdatedAt: p.cfg.Clock.Now()}
	next.Discovery = &store.DiscoveryState{Start: finalStart, PageSize: p.cfg.PageSize, LinksFound: links, ItemsFetched: items}
	if prev.Discovery != nil {
		next.Discovery.LinksFound += prev.Discovery.LinksFound
		next.Discovery.ItemsFetched += prev.Discovery.ItemsFetched
	}
	storeErr := p.cfg.Progress.Store(context.WithoutCancel(ctx), next)

	summary := crawler.Summary{
		RunID:   runID.String(),
		Kind:    crawler.RunKindDiscover,
		Started: started,
		Elapsed: p.cfg.Clock.Now().Sub(started),
		Items:   items,
		Links:   links,
		Dropped: state.dropped.Load(),
		Errors:  state.errorsSnapshot(),
	}
	summary.Failed = len(summary.Errors) > 0

	logger.Info("discovery run finished",
		zap.Int64("links", links),
		zap.Int64("items", items),
		zap.Int64("dropped", summary.Dropped),
		zap.Int("next_start", finalStart),
		zap.Duration("elapsed", summary.Elapsed),
	)

	var errs []error
	if groupErr != nil {
		errs = append(errs, groupErr)
	}
	if storeErr != nil {
		logger.Error("progress store failed; run is not resumable", zap.Error(storeErr))
		errs = append(errs, fmt.Errorf("store progress: %w", storeErr))
	}
	if err := ctx.Err(); err != nil && groupErr == nil {
		errs = append(errs, fmt.Errorf("discovery run interrupted: %w", err))
	}
	note := ""
	if summary.Failed {
		note = fmt.Sprintf("%d terminal errors", len(summary.Errors))
	}
	state.run.Finished(summary.Failed || len(errs) > 0, items, summary.Elapsed, note)
	return summary, errors.Join(errs...)
}

func (p *Pipeline) setPhase(state *runState, phase Phase) {
	p.phase.store(phase)
	state.run.Phase(phase.String())
	p.logger.Debug("pipeline phase", zap.Stringer("phase", phase))
}

func (p *Pipeline) loadState(ctx context.Context, logger *zap.Logger) store.State {
	state, err := p.cfg.Progress.Load(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Info("no stored progress, starting fresh")
		return store.State{}
	case err != nil:
		logger.Warn("progress load failed, starting fresh", zap.Error(err))
		return store.State{}
	}
	return state
}

// coordinate moves links from the link queue into the consumer pool until the
// producer closed the queue and it is empty.
func (p *Pipeline) coordinate(ctx context.Context, state *runState, pool *consumerPool) {
	logger := p.logger.Named("coordinator")
	for {
		link, ok, err := state.linkQ.Poll(ctx, p.cfg.PollTimeout)
		switch {
		case errors.Is(err, memory.ErrClosed):
			logger.Debug("link queue closed and empty")
			return
		case err != nil:
			logger.Debug("coordinator stopped", zap.Error(err))
			return
		case !ok:
			continue
		}
		if err := pool.Submit(ctx, link); err != nil {
			logger.Debug("submit stopped", zap.Error(err))
			return
		}
	}
}

// produce walks the search results from start and returns the offset the
// next run should resume at. It closes the link queue on return.
func (p *Pipeline) produce(ctx context.Context, state *runState, start int) int {
	defer state.linkQ.Close()
	logger := p.logger.Named("producer")
	found := 0
	failedPages := 0
	for p.cfg.Target <= 0 || found < p.cfg.Target {
		links, err := p.discoverPage(ctx, start)
		if err != nil {
			if ctx.Err() != nil {
				return start
			}
			if detail, ok := crawler.AsErrorDetail(err); ok {
				logger.Error("search source returned a terminal response",
					zap.Int("start", start),
					zap.Int("code", detail.Code),
					zap.String("message", detail.Message),
				)
				state.recordError(ErrorKeyProducer, detail)
				return start
			}
			failedPages++
			logger.Warn("search page failed after retries",
				zap.Int("start", start),
				zap.Int("failed_pages", failedPages),
				zap.Error(err),
			)
			if failedPages >= p.cfg.MaxFailedPages {
				logger.Warn("giving up on search source", zap.Int("start", start))
				return start
			}
			continue
		}
		failedPages = 0
		if len(links) == 0 {
			logger.Info("search source has no more results", zap.Int("start", start))
			return start
		}
		if p.cfg.Target > 0 && found+len(links) > p.cfg.Target {
			links = links[:p.cfg.Target-found]
		}
		for _, link := range links {
			if err := state.linkQ.Enqueue(ctx, link); err != nil {
				return start
			}
			found++
			start++
			state.links.Add(1)
			state.run.LinkFound(link, state.linkQ.Len())
		}
		logger.Info("links produced",
			zap.Int("page_links", len(links)),
			zap.Int("found", found),
			zap.Int("next_start", start),
		)
	}
	return start
}

func (p *Pipeline) discoverPage(ctx context.Context, start int) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		links, err := p.cfg.Discovery.Discover(ctx, start, p.cfg.PageSize, p.cfg.Query)
		if err == nil {
			return links, nil
		}
		if crawler.IsTerminal(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt == p.cfg.Retries {
			break
		}
		if err := crawler.Sleep(ctx, p.cfg.Backoff.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("discover offset %d: %d attempts failed: %w", start, p.cfg.Retries, lastErr)
}

// consume resolves one link and queues the row. A link that cannot be
// resolved is dropped.
func (p *Pipeline) consume(ctx context.Context, state *runState, link string) {
	logger := p.logger.Named("consumer")
	question, err := p.resolve(ctx, link)
	if err != nil {
		if ctx.Err() != nil {
			state.dropped.Add(1)
			return
		}
		code := 0
		if detail, ok := crawler.AsErrorDetail(err); ok {
			code = detail.Code
			state.recordError(link, detail)
		}
		state.dropped.Add(1)
		state.run.LinkDropped(link, code, err.Error())
		logger.Warn("dropping link", zap.String("link", link), zap.Error(err))
		return
	}

	if state.itemQ.Full() {
		state.requestFlush()
	}
	if err := state.itemQ.Enqueue(ctx, question); err != nil {
		state.dropped.Add(1)
		return
	}
	if state.itemQ.Full() {
		state.requestFlush()
	}
	state.run.RowResolved(link, state.itemQ.Len())
}

func (p *Pipeline) resolve(ctx context.Context, link string) (crawler.Question, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.Retries; attempt++ {
		question, err := p.cfg.Detail.Resolve(ctx, link)
		if err == nil {
			return question, nil
		}
		if crawler.IsTerminal(err) || ctx.Err() != nil {
			return crawler.Question{}, err
		}
		lastErr = err
		if attempt == p.cfg.Retries {
			break
		}
		if err := crawler.Sleep(ctx, p.cfg.Backoff.Backoff(attempt)); err != nil {
			return crawler.Question{}, err
		}
	}
	return crawler.Question{}, fmt.Errorf("resolve %s: %d attempts failed: %w", link, p.cfg.Retries, lastErr)
}

// appendLoop drains the item queue into the sink whenever it is signaled,
// then performs a final drain and closes the sink once stop is closed. stop
// is closed only after the consumer pool has shut down.
func (p *Pipeline) appendLoop(ctx context.Context, state *runState, stop <-chan struct{}) error {
	logger := p.logger.Named("appender")
	writeCtx := context.WithoutCancel(ctx)

	var tick <-chan time.Time
	if p.cfg.FlushInterval > 0 {
		ticker := time.NewTicker(p.cfg.FlushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-state.flush:
			p.flushBatch(writeCtx, state, logger)
		case <-tick:
			p.flushBatch(writeCtx, state, logger)
		case <-stop:
			p.flushBatch(writeCtx, state, logger)
			if err := p.cfg.Sink.Close(writeCtx); err != nil {
				logger.Error("close sink failed", zap.Error(err))
				return fmt.Errorf("close sink: %w", err)
			}
			return nil
		}
	}
}

func (p *Pipeline) flushBatch(ctx context.Context, state *runState, logger *zap.Logger) {
	batch := state.itemQ.DrainAll()
	if len(batch) == 0 {
		return
	}
	if err := p.cfg.Sink.Append(ctx, batch); err != nil {
		logger.Error("append batch failed", zap.Int("rows", len(batch)), zap.Error(err))
		state.recordError(ErrorKeyAppender, crawler.ErrorDetail{Code: crawler.CodeSinkFailure, Message: err.Error()})
		state.dropped.Add(int64(len(batch)))
		return
	}
	state.items.Add(int64(len(batch)))
	state.run.BatchAppended(len(batch))
	logger.Debug("batch appended", zap.Int("rows", len(batch)))
}
