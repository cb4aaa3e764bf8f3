// Package dispatcher runs a fixed set of paginated cursor workers against one
// page source, waits for every worker to reach a terminal state and persists
// their cursors once.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/clock/system"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/id/uuid"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/store"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

// SinkFactory opens the sink a worker appends to.
type SinkFactory func(ctx context.Context, workerID int) (crawler.Sink, error)

// Config wires a Dispatcher.
type Config struct {
	Workers  int
	Filters  []string
	Key      string
	Source   crawler.PageSource
	SinkFor  SinkFactory
	Progress store.ProgressStore
	Retry    crawler.RetryPolicy
	Clock    crawler.Clock
	Emitter  progress.Emitter
	Logger   *zap.Logger
}

// Dispatcher is the paginated fetch orchestrator.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
}

// New validates cfg and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Workers < 1 {
		return nil, fmt.Errorf("dispatcher: workers must be >= 1, got %d", cfg.Workers)
	}
	if cfg.Source == nil {
		return nil, errors.New("dispatcher: page source is required")
	}
	if cfg.SinkFor == nil {
		return nil, errors.New("dispatcher: sink factory is required")
	}
	if cfg.Progress == nil {
		return nil, errors.New("dispatcher: progress store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = progress.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, logger: cfg.Logger.Named("dispatcher")}, nil
}

// Run blocks until every worker has completed, died or been canceled. It
// always returns a Summary; the error is non-nil when the sinks could not be
// opened, the progress could not be stored, or ctx ended first.
func (d *Dispatcher) Run(ctx context.Context) (crawler.Summary, error) {
	started := d.cfg.Clock.Now()
	runID := uuid.NewRunID()
	run := progress.NewRun(d.cfg.Emitter, runID, string(crawler.RunKindFetch))
	logger := d.logger.With(zap.String("run_id", runID.String()), zap.String("key", d.cfg.Key))

	prev := d.loadState(ctx, logger)
	cursors := seedCursors(prev.Fetch, d.cfg.Workers, logger)
	var pages, items int64
	if prev.Fetch != nil {
		pages, items = prev.Fetch.PagesFetched, prev.Fetch.ItemsFetched
	}
	tally := crawler.NewFetchTally(pages, items)

	summary := crawler.Summary{RunID: runID.String(), Kind: crawler.RunKindFetch, Started: started}
	sinks, err := d.openSinks(ctx)
	if err != nil {
		return summary, err
	}

	run.Started(d.cfg.Key)
	logger.Info("fetch run started", zap.Int("workers", d.cfg.Workers), zap.Strings("filters", d.cfg.Filters))

	workers := make([]*worker.Worker, len(cursors))
	for i, cursor := range cursors {
		w, err := worker.New(worker.Config{
			Cursor:  cursor,
			Filters: d.cfg.Filters,
			Source:  d.cfg.Source,
			Sink:    sinks[i],
			Tally:   tally,
			Retry:   d.cfg.Retry,
			Clock:   d.cfg.Clock,
			Run:     run,
			Logger:  d.cfg.Logger,
		})
		if err != nil {
			d.closeSinks(ctx, sinks, tally, logger)
			return summary, fmt.Errorf("build worker %d: %w", cursor.WorkerID, err)
		}
		workers[i] = w
	}

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := newMonitor(len(workers))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			mon.report(wk.Run(workerCtx))
		}(w)
	}

	results := mon.wait()
	cancel()
	wg.Wait()

	d.closeSinks(ctx, sinks, tally, logger)

	final := make([]crawler.WorkerCursor, len(results))
	completed, died := 0, 0
	for i, res := range results {
		final[i] = res.Cursor
		switch res.Outcome {
		case worker.OutcomeCompleted:
			completed++
		case worker.OutcomeDied:
			died++
		}
	}

	snap := tally.Snapshot()
	state := prev
	state.Fetch = &store.FetchState{
		Cursors:      final,
		PagesFetched: snap.PagesFetched,
		ItemsFetched: snap.ItemsFetched,
		Errors:       snap.Errors,
	}
	state.UpdatedAt = d.cfg.Clock.Now()
	storeErr := d.cfg.Progress.Store(context.WithoutCancel(ctx), state)

	summary.Elapsed = d.cfg.Clock.Now().Sub(started)
	summary.Pages = snap.PagesFetched
	summary.Items = snap.ItemsFetched
	if len(snap.Errors) > 0 {
		summary.Errors = make(map[string]crawler.ErrorDetail, len(snap.Errors))
		for id, detail := range snap.Errors {
			summary.Errors[fmt.Sprintf("worker %d", id)] = detail
		}
	}
	summary.Failed = died > 0 || len(snap.Errors) > 0

	logger.Info("fetch run finished",
		zap.Int("completed", completed),
		zap.Int("died", died),
		zap.Int64("pages", snap.PagesFetched),
		zap.Int64("items", snap.ItemsFetched),
		zap.Duration("elapsed", summary.Elapsed),
	)

	var errs []error
	if storeErr != nil {
		logger.Error("progress store failed; run is not resumable", zap.Error(storeErr))
		errs = append(errs, fmt.Errorf("store progress: %w", storeErr))
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("fetch run interrupted: %w", err))
	}
	note := ""
	if summary.Failed {
		note = fmt.Sprintf("%d of %d workers died", died, len(results))
	}
	run.Finished(summary.Failed || len(errs) > 0, snap.ItemsFetched, summary.Elapsed, note)
	return summary, errors.Join(errs...)
}

func (d *Dispatcher) loadState(ctx context.Context, logger *zap.Logger) store.State {
	state, err := d.cfg.Progress.Load(ctx)
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

func (d *Dispatcher) openSinks(ctx context.Context) ([]crawler.Sink, error) {
	sinks := make([]crawler.Sink, 0, d.cfg.Workers)
	for id := 1; id <= d.cfg.Workers; id++ {
		s, err := d.cfg.SinkFor(ctx, id)
		if err != nil {
			for _, opened := range sinks {
				_ = opened.Close(ctx)
			}
			return nil, fmt.Errorf("open sink for worker %d: %w", id, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// closeSinks closes every worker sink. A sink that fails to close may have
// lost rows, so the failure is recorded against its worker.
func (d *Dispatcher) closeSinks(ctx context.Context, sinks []crawler.Sink, tally *crawler.FetchTally, logger *zap.Logger) {
	closeCtx := context.WithoutCancel(ctx)
	for i, s := range sinks {
		if err := s.Close(closeCtx); err != nil {
			workerID := i + 1
			logger.Error("close sink failed", zap.Int("worker_id", workerID), zap.Error(err))
			tally.RecordError(workerID, crawler.ErrorDetail{
				Code:    crawler.CodeSinkFailure,
				Message: fmt.Sprintf("close sink: %v", err),
			})
		}
	}
}

// seedCursors picks the starting cursor of workers 1..workers. Stored cursors
// are reused when their step still matches the worker count; anything else
// falls back to the default partition.
func seedCursors(prev *store.FetchState, workers int, logger *zap.Logger) []crawler.WorkerCursor {
	cursors := make([]crawler.WorkerCursor, 0, workers)
	for id := 1; id <= workers; id++ {
		seed := crawler.DefaultCursor(id, workers)
		stored, ok := prev.Cursor(id)
		switch {
		case !ok:
		case stored.Step != workers:
			logger.Warn("stored cursor step differs from worker count, reseeding",
				zap.Int("worker_id", id),
				zap.Int("stored_step", stored.Step),
				zap.Int("workers", workers),
			)
		case stored.Page < seed.Page || stored.Page%workers != id%workers:
			logger.Warn("stored cursor outside its partition, reseeding",
				zap.Int("worker_id", id),
				zap.Int("stored_page", stored.Page),
			)
		default:
			seed = stored
		}
		cursors = append(cursors, seed)
	}
	if prev != nil {
		for _, c := range prev.Cursors {
			if c.WorkerID < 1 || c.WorkerID > workers {
				logger.Warn("ignoring stored cursor of removed worker",
					zap.Int("worker_id", c.WorkerID),
					zap.Int("page", c.Page),
				)
			}
		}
	}
	return cursors
}
