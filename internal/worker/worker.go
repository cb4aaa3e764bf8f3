// Package worker implements the paginated cursor loop run by each fetch worker.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/clock/system"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/progress"
)

// Outcome is the terminal state of a worker.
type Outcome string

// Worker outcomes.
const (
	OutcomeCompleted Outcome = "completed"
	OutcomeDied      Outcome = "died"
	OutcomeCanceled  Outcome = "canceled"
)

// Config wires a Worker to its collaborators.
type Config struct {
	Cursor  crawler.WorkerCursor
	Filters []string
	Source  crawler.PageSource
	Sink    crawler.Sink
	Tally   *crawler.FetchTally
	Retry   crawler.RetryPolicy
	Clock   crawler.Clock
	Run     *progress.Run
	Logger  *zap.Logger
}

// Result is what a worker reports when it stops.
type Result struct {
	WorkerID int
	Cursor   crawler.WorkerCursor
	Outcome  Outcome
	Detail   *crawler.ErrorDetail
}

// Worker walks one cursor through a PageSource. The cursor is owned by the
// worker and never shared while Run is executing.
type Worker struct {
	cursor  crawler.WorkerCursor
	filters []string
	source  crawler.PageSource
	sink    crawler.Sink
	tally   *crawler.FetchTally
	retry   crawler.RetryPolicy
	clock   crawler.Clock
	run     *progress.Run
	logger  *zap.Logger
}

// New validates cfg and constructs a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Source == nil {
		return nil, errors.New("worker: page source is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("worker: sink is required")
	}
	if cfg.Tally == nil {
		return nil, errors.New("worker: tally is required")
	}
	if cfg.Cursor.Step <= 0 {
		return nil, fmt.Errorf("worker %d: step must be positive, got %d", cfg.Cursor.WorkerID, cfg.Cursor.Step)
	}
	if cfg.Retry == nil {
		cfg.Retry = crawler.NewExponentialRetryPolicy(crawler.RetryConfig{})
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Worker{
		cursor:  cfg.Cursor,
		filters: cfg.Filters,
		source:  cfg.Source,
		sink:    cfg.Sink,
		tally:   cfg.Tally,
		retry:   cfg.Retry,
		clock:   cfg.Clock,
		run:     cfg.Run,
		logger:  cfg.Logger.Named("worker").With(zap.Int("worker_id", cfg.Cursor.WorkerID)),
	}, nil
}

// Run fetches pages until the source reports no more data, a terminal
// response arrives, or ctx ends. Pages are fetched strictly in cursor order.
func (w *Worker) Run(ctx context.Context) Result {
	w.logger.Debug("worker started", zap.Int("page", w.cursor.Page), zap.Int("step", w.cursor.Step))
	for {
		started := w.clock.Now()
		page, err := w.fetchWithRetry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Debug("worker canceled", zap.Int("page", w.cursor.Page))
				return w.result(OutcomeCanceled, nil)
			}
			detail, ok := crawler.AsErrorDetail(err)
			if !ok {
				detail = crawler.ErrorDetail{Code: crawler.CodeRetriesExhausted, Message: err.Error()}
			}
			return w.die(detail)
		}

		if len(page.Items) > 0 {
			if err := w.sink.Append(ctx, page.Items); err != nil {
				if ctx.Err() != nil {
					return w.result(OutcomeCanceled, nil)
				}
				return w.die(crawler.ErrorDetail{Code: crawler.CodeSinkFailure, Message: fmt.Sprintf("append page %d: %v", w.cursor.Page, err)})
			}
		}
		w.tally.RecordPage(len(page.Items))
		w.run.PageFetched(w.cursor.WorkerID, w.cursor.Page, len(page.Items), w.clock.Now().Sub(started))
		w.logger.Debug("page fetched",
			zap.Int("page", w.cursor.Page),
			zap.Int("items", len(page.Items)),
			zap.Bool("has_more", page.HasMore),
		)
		w.cursor = w.cursor.Advance()

		if !page.HasMore {
			w.logger.Info("worker completed", zap.Int("next_page", w.cursor.Page))
			w.run.WorkerDone(w.cursor.WorkerID, w.cursor.Page)
			return w.result(OutcomeCompleted, nil)
		}
	}
}

func (w *Worker) fetchWithRetry(ctx context.Context) (crawler.PageResult, error) {
	for attempt := 1; ; attempt++ {
		page, err := w.source.FetchPage(ctx, w.cursor.Page, w.filters)
		if err == nil {
			return page, nil
		}
		if crawler.IsTerminal(err) || ctx.Err() != nil {
			return crawler.PageResult{}, err
		}
		if !w.retry.ShouldRetry(err, attempt) {
			return crawler.PageResult{}, fmt.Errorf("page %d: retries exhausted after %d attempts: %w", w.cursor.Page, attempt, err)
		}
		delay := w.retry.Backoff(attempt)
		w.logger.Warn("page fetch failed, retrying",
			zap.Int("page", w.cursor.Page),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := crawler.Sleep(ctx, delay); err != nil {
			return crawler.PageResult{}, err
		}
	}
}

func (w *Worker) die(detail crawler.ErrorDetail) Result {
	w.tally.RecordError(w.cursor.WorkerID, detail)
	w.logger.Warn("worker died",
		zap.Int("page", w.cursor.Page),
		zap.Int("code", detail.Code),
		zap.String("message", detail.Message),
	)
	w.run.WorkerDied(w.cursor.WorkerID, w.cursor.Page, detail.Code, detail.Message)
	return w.result(OutcomeDied, &detail)
}

func (w *Worker) result(outcome Outcome, detail *crawler.ErrorDetail) Result {
	return Result{
		WorkerID: w.cursor.WorkerID,
		Cursor:   w.cursor,
		Outcome:  outcome,
		Detail:   detail,
	}
}
