package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/stackharvest/internal/progress"
)

// PrometheusSink exports harvest progress via Prometheus. It owns collectors
// for runs, pages, items, worker outcomes, links and appended batches.
type PrometheusSink struct {
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	pagesFetched   *prometheus.CounterVec
	pageDuration   *prometheus.HistogramVec
	itemsFetched   *prometheus.CounterVec
	workerOutcomes *prometheus.CounterVec
	links          *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	batchRows      prometheus.Histogram

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Total runs that have started, by kind.",
		}, []string{"kind"}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_completed_total",
			Help: "Total runs completed partitioned by kind and result.",
		}, []string{"kind", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_running",
			Help: "Current number of running runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"kind", "result"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_pages_fetched_total",
			Help: "Pages fetched successfully, by run kind.",
		}, []string{"kind"}),
		pageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_page_duration_seconds",
			Help:    "Latency of successful page fetches including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"kind"}),
		itemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_items_fetched_total",
			Help: "Rows harvested from fetched pages, by run kind.",
		}, []string{"kind"}),
		workerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_worker_outcomes_total",
			Help: "Terminal worker states: completed or died.",
		}, []string{"outcome"}),
		links: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_links_total",
			Help: "Discovery pipeline identifiers by outcome (found, resolved, dropped).",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvest_queue_depth",
			Help: "Last observed depth of the discovery queues.",
		}, []string{"queue"}),
		batchRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_batch_rows",
			Help:    "Rows written per appender batch.",
			Buckets: prometheus.LinearBuckets(0, 8, 9),
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runRuntime,
		s.pagesFetched,
		s.pageDuration,
		s.itemsFetched,
		s.workerOutcomes,
		s.links,
		s.queueDepth,
		s.batchRows,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	kind := evt.Kind
	if kind == "" {
		kind = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageRunError:
		s.handleRunEvent(evt, kind)
	case progress.StagePageFetched:
		s.pagesFetched.WithLabelValues(kind).Inc()
		s.itemsFetched.WithLabelValues(kind).Add(float64(evt.Items))
		if evt.Dur > 0 {
			s.pageDuration.WithLabelValues(kind).Observe(evt.Dur.Seconds())
		}
	case progress.StageWorkerDone:
		s.workerOutcomes.WithLabelValues("completed").Inc()
	case progress.StageWorkerDied:
		s.workerOutcomes.WithLabelValues("died").Inc()
	case progress.StageLinkFound:
		s.links.WithLabelValues("found").Inc()
		s.queueDepth.WithLabelValues("link").Set(float64(evt.QueueDepth))
	case progress.StageRowResolved:
		s.links.WithLabelValues("resolved").Inc()
		s.queueDepth.WithLabelValues("item").Set(float64(evt.QueueDepth))
	case progress.StageLinkDropped:
		s.links.WithLabelValues("dropped").Inc()
	case progress.StageBatchAppended:
		s.batchRows.Observe(float64(evt.Items))
		s.itemsFetched.WithLabelValues(kind).Add(float64(evt.Items))
		s.queueDepth.WithLabelValues("item").Set(0)
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event, kind string) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.WithLabelValues(kind).Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues(kind, "success").Inc()
		s.observeRuntime(evt, kind, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues(kind, "error").Inc()
		s.observeRuntime(evt, kind, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, kind, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(kind, label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
