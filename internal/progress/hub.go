package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the Hub. Zero values select the defaults.
type Config struct {
	// Buffer is the number of page and link events held before new ones are
	// dropped (default 4096).
	Buffer int
	// BatchSize flushes a batch once it holds this many events (default 512).
	BatchSize int
	// FlushEvery flushes a partial batch on this period (default 500ms).
	FlushEvery time.Duration
	// SinkTimeout bounds one Consume call (default 10s).
	SinkTimeout time.Duration
	Logger      *zap.Logger
}

const (
	defaultBuffer      = 4096
	defaultBatchSize   = 512
	defaultFlushEvery  = 500 * time.Millisecond
	defaultSinkTimeout = 10 * time.Second
	dropLogEvery       = 5 * time.Second
)

// Hub fans run events out to sinks from one background goroutine. Emit never
// blocks. High-volume events (pages, links, rows) are dropped when the buffer
// is full; run and worker lifecycle events are always delivered, in order
// after everything the same emitter sent before them.
type Hub struct {
	cfg    Config
	sinks  []Sink
	logger *zap.Logger

	events chan Event

	lifecycleMu sync.Mutex
	lifecycle   []Event
	wake        chan struct{}

	stop      chan struct{}
	done      chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	closeCtx  context.Context

	dropped     atomic.Int64
	unreported  atomic.Int64
	lastDropLog atomic.Int64
}

// NewHub starts a Hub delivering to sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		logger: cfg.Logger,
		events: make(chan Event, cfg.Buffer),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

// lifecycleStage reports whether events of stage s must not be dropped.
func lifecycleStage(s Stage) bool {
	switch s {
	case StageRunStart, StageRunDone, StageRunError, StageWorkerDone, StageWorkerDied, StagePhase:
		return true
	default:
		return false
	}
}

// Emit queues evt for delivery. Invalid events and events sent after Close
// are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	if lifecycleStage(evt.Stage) {
		h.lifecycleMu.Lock()
		h.lifecycle = append(h.lifecycle, evt)
		h.lifecycleMu.Unlock()
		select {
		case h.wake <- struct{}{}:
		default:
		}
		return
	}
	select {
	case h.events <- evt:
	default:
		h.recordDrop()
	}
}

func (h *Hub) recordDrop() {
	h.dropped.Add(1)
	h.unreported.Add(1)
	now := time.Now().UnixNano()
	last := h.lastDropLog.Load()
	if now-last < dropLogEvery.Nanoseconds() || !h.lastDropLog.CompareAndSwap(last, now) {
		return
	}
	h.logger.Warn("progress buffer full, events dropped", zap.Int64("dropped", h.unreported.Swap(0)))
}

// Dropped returns the number of events discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close delivers everything already emitted, closes the sinks and waits for
// the background goroutine, or for ctx to end. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closing.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.BatchSize)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.BatchSize {
				batch = h.deliver(batch)
			}
		case <-h.wake:
			batch = h.deliver(h.takeLifecycle(h.drainBuffered(batch)))
		case <-ticker.C:
			batch = h.deliver(batch)
		case <-h.stop:
			h.deliver(h.takeLifecycle(h.drainBuffered(batch)))
			h.closeSinks()
			return
		}
	}
}

// drainBuffered moves every buffered event into batch. Events an emitter
// sent before a lifecycle event are already buffered when its wake-up is
// handled, so draining first keeps their order.
func (h *Hub) drainBuffered(batch []Event) []Event {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
		default:
			return batch
		}
	}
}

func (h *Hub) takeLifecycle(batch []Event) []Event {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()
	batch = append(batch, h.lifecycle...)
	h.lifecycle = h.lifecycle[:0]
	return batch
}

// deliver hands batch to every sink and returns it emptied for reuse.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("progress sink rejected batch", zap.Int("events", len(snapshot)), zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
