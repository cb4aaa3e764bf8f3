// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g.
// STACKHARVEST_STACKEXCHANGE_KEY.
const EnvPrefix = "STACKHARVEST"

// Progress backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Renderers used by the discover command.
const (
	RendererColly    = "colly"
	RendererChromedp = "chromedp"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	StackExchange StackExchangeConfig `mapstructure:"stackexchange"`
	Fetch         FetchConfig         `mapstructure:"fetch"`
	Discover      DiscoverConfig      `mapstructure:"discover"`
	Progress      ProgressConfig      `mapstructure:"progress"`
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	GCS           GCSConfig           `mapstructure:"gcs"`
	PubSub        PubSubConfig        `mapstructure:"pubsub"`
	Headless      HeadlessConfig      `mapstructure:"headless"`
	Status        StatusConfig        `mapstructure:"status"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// HTTPConfig configures the shared HTTP client and rate limiter.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	ProxyURL  string        `mapstructure:"proxy_url"`
	RPS       float64       `mapstructure:"rps"`
	Burst     int           `mapstructure:"burst"`
}

// StackExchangeConfig holds the REST API parameters.
type StackExchangeConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	Site            string `mapstructure:"site"`
	PageSize        int    `mapstructure:"page_size"`
	Sort            string `mapstructure:"sort"`
	Order           string `mapstructure:"order"`
	Key             string `mapstructure:"key"`
	IncludeSynonyms bool   `mapstructure:"include_synonyms"`
}

// FetchConfig governs the paginated fetch orchestrator.
type FetchConfig struct {
	Workers  int    `mapstructure:"workers"`
	Sink     string `mapstructure:"sink"`
	SinkPath string `mapstructure:"sink_path"`
}

// DiscoverConfig governs the discovery pipeline.
type DiscoverConfig struct {
	SearchURL         string        `mapstructure:"search_url"`
	PageSize          int           `mapstructure:"page_size"`
	Target            int           `mapstructure:"target"`
	Consumers         int           `mapstructure:"consumers"`
	LinkQueueCapacity int           `mapstructure:"link_queue_capacity"`
	ItemQueueCapacity int           `mapstructure:"item_queue_capacity"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Retries           int           `mapstructure:"retries"`
	MaxFailedPages    int           `mapstructure:"max_failed_pages"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	Renderer          string        `mapstructure:"renderer"`
	Sink              string        `mapstructure:"sink"`
	SinkPath          string        `mapstructure:"sink_path"`
}

// ProgressConfig selects where resume state is kept.
type ProgressConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ProgressTable   string        `mapstructure:"progress_table"`
	QuestionsTable  string        `mapstructure:"questions_table"`
	RunsTable       string        `mapstructure:"runs_table"`
	RunHistory      bool          `mapstructure:"run_history"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// GCSConfig names the bucket the gcs sink uploads to.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig holds the topic the pubsub sink publishes to.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
	ExecPath    string        `mapstructure:"exec_path"`
}

// StatusConfig controls the status HTTP server. An empty Addr disables it.
type StatusConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith builds a Config using v, which may already carry bound flags.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "stackharvest/0.1")
	v.SetDefault("http.rps", 10.0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("http.proxy_url", "")
	v.SetDefault("stackexchange.base_url", "https://api.stackexchange.com/2.3")
	v.SetDefault("stackexchange.site", "stackoverflow")
	v.SetDefault("stackexchange.page_size", 30)
	v.SetDefault("stackexchange.sort", "activity")
	v.SetDefault("stackexchange.order", "desc")
	v.SetDefault("stackexchange.key", "")
	v.SetDefault("stackexchange.include_synonyms", false)
	v.SetDefault("fetch.workers", 16)
	v.SetDefault("fetch.sink", "csv")
	v.SetDefault("fetch.sink_path", "worker[%d]_appender.csv")
	v.SetDefault("discover.search_url", "https://www.google.com/search")
	v.SetDefault("discover.page_size", 10)
	v.SetDefault("discover.target", 100)
	v.SetDefault("discover.consumers", 16)
	v.SetDefault("discover.link_queue_capacity", 32)
	v.SetDefault("discover.item_queue_capacity", 32)
	v.SetDefault("discover.poll_timeout", time.Second)
	v.SetDefault("discover.shutdown_timeout", 10*time.Second)
	v.SetDefault("discover.retries", 3)
	v.SetDefault("discover.max_failed_pages", 3)
	v.SetDefault("discover.flush_interval", time.Duration(0))
	v.SetDefault("discover.renderer", RendererColly)
	v.SetDefault("discover.sink", "csv")
	v.SetDefault("discover.sink_path", "discover_appender.csv")
	v.SetDefault("progress.backend", BackendFile)
	v.SetDefault("progress.dir", ".")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.min_conns", 0)
	v.SetDefault("postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("postgres.progress_table", "harvest_progress")
	v.SetDefault("postgres.questions_table", "questions")
	v.SetDefault("postgres.runs_table", "harvest_runs")
	v.SetDefault("postgres.run_history", true)
	v.SetDefault("postgres.auto_migrate", true)
	v.SetDefault("gcs.bucket", "")
	v.SetDefault("gcs.prefix", "stackharvest")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout", 45*time.Second)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("status.addr", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.ProxyURL != "" {
		if u, err := url.Parse(c.HTTP.ProxyURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("http.proxy_url %q is not a valid url", c.HTTP.ProxyURL))
		}
	}
	if c.StackExchange.PageSize < 1 || c.StackExchange.PageSize > 100 {
		errs = append(errs, errors.New("stackexchange.page_size must be between 1 and 100"))
	}
	if c.Fetch.Workers <= 0 {
		errs = append(errs, errors.New("fetch.workers must be > 0"))
	}
	if c.Fetch.Sink == "" {
		errs = append(errs, errors.New("fetch.sink must be set"))
	}
	if c.Fetch.Workers > 1 && needsPath(c.Fetch.Sink) && !strings.Contains(c.Fetch.SinkPath, "%d") {
		errs = append(errs, errors.New("fetch.sink_path must contain %d when more than one worker writes files"))
	}
	errs = append(errs, c.Discover.validate()...)
	switch c.Progress.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Progress.Dir) == "" {
			errs = append(errs, errors.New("progress.dir must be set for the file backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn must be set for the postgres backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("progress.backend %q must be one of file, postgres, memory", c.Progress.Backend))
	}
	if c.Headless.MaxParallel < 0 {
		errs = append(errs, errors.New("headless.max_parallel must be >= 0"))
	}
	return errors.Join(errs...)
}

func (d DiscoverConfig) validate() []error {
	var errs []error
	if d.PageSize <= 0 {
		errs = append(errs, errors.New("discover.page_size must be > 0"))
	}
	if d.Consumers <= 0 {
		errs = append(errs, errors.New("discover.consumers must be > 0"))
	}
	if d.LinkQueueCapacity <= 0 || d.ItemQueueCapacity <= 0 {
		errs = append(errs, errors.New("discover queue capacities must be > 0"))
	}
	if d.PollTimeout <= 0 {
		errs = append(errs, errors.New("discover.poll_timeout must be > 0"))
	}
	if d.Retries < 1 {
		errs = append(errs, errors.New("discover.retries must be >= 1"))
	}
	if d.MaxFailedPages < 1 {
		errs = append(errs, errors.New("discover.max_failed_pages must be >= 1"))
	}
	if d.FlushInterval < 0 {
		errs = append(errs, errors.New("discover.flush_interval must be >= 0"))
	}
	if d.Renderer != RendererColly && d.Renderer != RendererChromedp {
		errs = append(errs, fmt.Errorf("discover.renderer %q must be colly or chromedp", d.Renderer))
	}
	if d.Sink == "" {
		errs = append(errs, errors.New("discover.sink must be set"))
	}
	return errs
}

// needsPath reports whether a sink type writes to a local file path.
func needsPath(sinkType string) bool {
	return sinkType == "csv"
}
