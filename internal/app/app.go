// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for one command invocation.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sync"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/stackharvest/internal/api"
	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	collyfetcher "github.com/JakeFAU/stackharvest/internal/fetcher/colly"
	"github.com/JakeFAU/stackharvest/internal/fetcher/headless"
	"github.com/JakeFAU/stackharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/progress/sinks"
	pubsubsink "github.com/JakeFAU/stackharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/stackharvest/internal/sink"
	"github.com/JakeFAU/stackharvest/internal/source/question"
	"github.com/JakeFAU/stackharvest/internal/source/search"
	"github.com/JakeFAU/stackharvest/internal/source/stackexchange"
	"github.com/JakeFAU/stackharvest/internal/storage/gcs"
	"github.com/JakeFAU/stackharvest/internal/storage/local"
	"github.com/JakeFAU/stackharvest/internal/storage/memory"
	"github.com/JakeFAU/stackharvest/internal/storage/postgres"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// Sink tags registered on top of the sink package built-ins.
const (
	SinkMemory   = "memory"
	SinkPostgres = "postgres"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
)

// TagSource is a paginated question source that can also expand tags with
// their synonyms.
type TagSource interface {
	crawler.PageSource
	Synonyms(ctx context.Context, tags []string) ([]string, error)
}

// Options carries what App cannot derive from the configuration.
type Options struct {
	Config config.Config
	Logger *zap.Logger
	// Out receives rows written by the std sink. Defaults to os.Stdout.
	Out io.Writer
	// Registerer receives the progress collectors. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// GCSOptions and PubSubOptions are passed to the lazily created clients.
	GCSOptions    []option.ClientOption
	PubSubOptions []option.ClientOption
}

// App holds the shared services of a command.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	registry   *sink.Registry
	status     *sinks.StatusSink
	hub        *progress.Hub
	opts       Options

	mu        sync.Mutex
	pool      *pgxpool.Pool
	gcsClient *storage.Client
	psClient  *pubsub.Client
	fetchers  map[string]crawler.Fetcher
	closers   []func() error
}

// New creates the container. It connects to Postgres up front when Postgres
// keeps progress so run history can be recorded from the first event.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	cfg := opts.Config
	logger := opts.Logger

	transport, err := collyfetcher.NewTransport(cfg.HTTP.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("build http transport: %w", err)
	}
	a := &App{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.HTTP.Timeout, Transport: transport},
		limiter:    ratelimit.New(ratelimit.Config{DefaultRPS: cfg.HTTP.RPS, DefaultBurst: cfg.HTTP.Burst}),
		registry:   sink.NewRegistry(),
		status:     sinks.NewStatusSink(),
		opts:       opts,
		fetchers:   make(map[string]crawler.Fetcher),
	}

	if err := a.registerSinks(); err != nil {
		return nil, err
	}

	promSink, err := sinks.NewPrometheusSink(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("init progress metrics: %w", err)
	}
	progressSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink, a.status}

	if cfg.Progress.Backend == config.BackendPostgres {
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		if cfg.Postgres.RunHistory {
			runs, err := postgres.NewRunStore(pool, cfg.Postgres.RunsTable)
			if err != nil {
				a.closeClients()
				return nil, fmt.Errorf("init run history: %w", err)
			}
			progressSinks = append(progressSinks, sinks.NewHistorySink(runs, logger))
		}
	}

	a.hub = progress.NewHub(progress.Config{Logger: logger}, progressSinks...)
	logger.Info("application services initialized",
		zap.String("progress_backend", cfg.Progress.Backend),
		zap.Strings("sinks", a.registry.Tags()),
	)
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the sink registry.
func (a *App) Registry() *sink.Registry { return a.registry }

// Status returns the live run snapshot served by the status API.
func (a *App) Status() api.StatusProvider { return a.status }

// Emitter returns the progress hub.
func (a *App) Emitter() progress.Emitter { return a.hub }

// HTTPClient returns the proxy-aware client shared by the API sources.
func (a *App) HTTPClient() *http.Client { return a.httpClient }

// ProgressStore returns the store selected by progress.backend for key.
func (a *App) ProgressStore(ctx context.Context, key string) (store.ProgressStore, error) {
	switch a.cfg.Progress.Backend {
	case config.BackendFile:
		ps, err := local.New(local.Config{BaseDir: a.cfg.Progress.Dir, Key: key})
		if err != nil {
			return nil, fmt.Errorf("init file progress store: %w", err)
		}
		return ps, nil
	case config.BackendPostgres:
		pool, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		ps, err := postgres.NewProgressStore(pool, a.cfg.Postgres.ProgressTable, key)
		if err != nil {
			return nil, fmt.Errorf("init postgres progress store: %w", err)
		}
		return ps, nil
	case config.BackendMemory:
		return memory.NewProgressStore(), nil
	default:
		return nil, fmt.Errorf("unknown progress backend %q", a.cfg.Progress.Backend)
	}
}

// PageSource builds the Stack Exchange API client.
func (a *App) PageSource() (TagSource, error) {
	se := a.cfg.StackExchange
	client, err := stackexchange.New(stackexchange.Config{
		BaseURL:  se.BaseURL,
		Site:     se.Site,
		PageSize: se.PageSize,
		Sort:     se.Sort,
		Order:    se.Order,
		Key:      se.Key,
	}, a.httpClient, a.limiter, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init stackexchange client: %w", err)
	}
	return client, nil
}

// DiscoverySource builds the search result scraper over the configured
// renderer.
func (a *App) DiscoverySource() (crawler.DiscoverySource, error) {
	fetcher, err := a.Fetcher(a.cfg.Discover.Renderer)
	if err != nil {
		return nil, err
	}
	src, err := search.New(search.Config{Endpoint: a.cfg.Discover.SearchURL}, fetcher, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init search source: %w", err)
	}
	return src, nil
}

// DetailSource builds the question page parser. Question pages render
// without JavaScript, so it always uses the plain fetcher.
func (a *App) DetailSource() (crawler.DetailSource, error) {
	fetcher, err := a.Fetcher(config.RendererColly)
	if err != nil {
		return nil, err
	}
	src, err := question.New(fetcher, nil, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init question source: %w", err)
	}
	return src, nil
}

// Fetcher returns the shared HTML fetcher for renderer, creating it once.
func (a *App) Fetcher(renderer string) (crawler.Fetcher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.fetchers[renderer]; ok {
		return f, nil
	}
	var f crawler.Fetcher
	switch renderer {
	case config.RendererColly:
		cf, err := collyfetcher.New(collyfetcher.Config{
			UserAgent: a.cfg.HTTP.UserAgent,
			Timeout:   a.cfg.HTTP.Timeout,
			ProxyURL:  a.cfg.HTTP.ProxyURL,
		})
		if err != nil {
			return nil, fmt.Errorf("init colly fetcher: %w", err)
		}
		f = &limitedFetcher{next: cf, limiter: a.limiter}
	case config.RendererChromedp:
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.HTTP.UserAgent,
			NavigationTimeout: a.cfg.Headless.NavTimeout,
			ProxyURL:          a.cfg.HTTP.ProxyURL,
			ExecPath:          a.cfg.Headless.ExecPath,
		})
		if err != nil {
			return nil, fmt.Errorf("init chromedp fetcher: %w", err)
		}
		a.closers = append(a.closers, func() error { hf.Close(); return nil })
		f = &limitedFetcher{next: hf, limiter: a.limiter}
	default:
		return nil, fmt.Errorf("unknown renderer %q", renderer)
	}
	a.fetchers[renderer] = f
	return f, nil
}

// NewSink opens one sink of type tag. pathPattern may carry a %d worker
// placeholder; key labels the rows with the run's progress key.
func (a *App) NewSink(ctx context.Context, tag, pathPattern, key string, workerID int) (crawler.Sink, error) {
	s, err := a.registry.New(ctx, tag, sink.Target{Path: pathPattern, WorkerID: workerID, Name: key})
	if err != nil {
		return nil, fmt.Errorf("open %s sink for worker %d: %w", tag, workerID, err)
	}
	return s, nil
}

func (a *App) registerSinks() error {
	if err := sink.RegisterBuiltins(a.registry, a.opts.Out); err != nil {
		return fmt.Errorf("register builtin sinks: %w", err)
	}
	extra := map[string]sink.Factory{
		SinkMemory: func(context.Context, sink.Target) (crawler.Sink, error) {
			return memory.NewSink(), nil
		},
		SinkPostgres: func(ctx context.Context, target sink.Target) (crawler.Sink, error) {
			pool, err := a.postgres(ctx)
			if err != nil {
				return nil, err
			}
			return postgres.NewQuestionSink(pool, a.cfg.Postgres.QuestionsTable, target.Name)
		},
		SinkGCS: func(ctx context.Context, target sink.Target) (crawler.Sink, error) {
			client, err := a.gcs(ctx)
			if err != nil {
				return nil, err
			}
			object := path.Join(target.Name, uuid.NewString(), path.Base(sink.ExpandPath(target.Path, target.WorkerID)))
			return gcs.NewSink(client, gcs.Config{Bucket: a.cfg.GCS.Bucket, Prefix: a.cfg.GCS.Prefix}, object)
		},
		SinkPubSub: func(ctx context.Context, target sink.Target) (crawler.Sink, error) {
			client, err := a.pubsub(ctx)
			if err != nil {
				return nil, err
			}
			// Each sink gets its own topic handle so closing one does not stop
			// publishing for the others.
			return pubsubsink.NewSink(client.Topic(a.cfg.PubSub.TopicName), target.Name)
		},
	}
	for _, tag := range []string{SinkMemory, SinkPostgres, SinkGCS, SinkPubSub} {
		if err := a.registry.Register(tag, extra[tag]); err != nil {
			return fmt.Errorf("register %s sink: %w", tag, err)
		}
	}
	return nil
}

func (a *App) postgres(ctx context.Context) (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool != nil {
		return a.pool, nil
	}
	pg := a.cfg.Postgres
	pool, err := postgres.Connect(ctx, postgres.Config{
		DSN:             pg.DSN,
		MaxConns:        pg.MaxConns,
		MinConns:        pg.MinConns,
		MaxConnLifetime: pg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	if pg.AutoMigrate {
		tables := postgres.Tables{Progress: pg.ProgressTable, Questions: pg.QuestionsTable, Runs: pg.RunsTable}
		if err := postgres.EnsureSchema(ctx, pool, tables); err != nil {
			pool.Close()
			return nil, err
		}
	}
	a.logger.Info("connected to postgres")
	a.pool = pool
	return pool, nil
}

func (a *App) gcs(ctx context.Context) (*storage.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gcsClient != nil {
		return a.gcsClient, nil
	}
	if a.cfg.GCS.Bucket == "" {
		return nil, errors.New("gcs sink requires gcs.bucket")
	}
	client, err := storage.NewClient(ctx, a.opts.GCSOptions...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	a.gcsClient = client
	return client, nil
}

func (a *App) pubsub(ctx context.Context) (*pubsub.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.psClient != nil {
		return a.psClient, nil
	}
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		return nil, errors.New("pubsub sink requires pubsub.project_id and pubsub.topic_name")
	}
	client, err := pubsub.NewClient(ctx, ps.ProjectID, a.opts.PubSubOptions...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	a.psClient = client
	return client, nil
}

// Close flushes progress events and releases every client. It is safe to
// call once after the command finished.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	errs = append(errs, a.closeClients()...)
	return errors.Join(errs...)
}

func (a *App) closeClients() []error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.psClient != nil {
		if err := a.psClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
		a.psClient = nil
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
		a.gcsClient = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	return errs
}

// limitedFetcher applies the shared per-host rate limit to page fetches.
type limitedFetcher struct {
	next    crawler.Fetcher
	limiter *ratelimit.Limiter
}

func (f *limitedFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.limiter.Wait(ctx, req.URL); err != nil {
		return crawler.FetchResponse{}, err
	}
	resp, err := f.next.Fetch(ctx, req)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	return resp, nil
}
