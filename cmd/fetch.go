package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/dispatcher"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// newFetchCmd creates the 'fetch' subcommand, which pages through the Stack
// Exchange API for a tag set with a pool of workers.
func newFetchCmd(v *viper.Viper) *cobra.Command {
	var tags string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch every question carrying a set of tags",
		Long: `Pages through the Stack Exchange search endpoint with W workers.
Worker i fetches pages i, i+W, i+2W and so on until the API reports no more
data. Progress is stored when the run ends so an interrupted fetch resumes
where it stopped.`,
		Example: `  stackharvest fetch --tags "go;concurrency" --workers 8
  stackharvest fetch --tags python --sink std`,
		RunE: withSession(func(cmd *cobra.Command, _ []string, appInstance App) error {
			return runFetch(cmd, appInstance, tags)
		}),
	}

	cmd.Flags().StringVar(&tags, "tags", "", "tags to fetch, separated by ';'")
	cmd.Flags().Int("workers", 0, "number of concurrent workers")
	cmd.Flags().String("sink", "", "sink type tag (csv, std, memory, postgres, gcs, pubsub)")
	cmd.Flags().String("sink-path", "", "sink path; %d is replaced by the worker id")
	_ = cmd.MarkFlagRequired("tags")

	bindFlag(v, "fetch.workers", cmd, "workers")
	bindFlag(v, "fetch.sink", cmd, "sink")
	bindFlag(v, "fetch.sink_path", cmd, "sink-path")
	return cmd
}

func runFetch(cmd *cobra.Command, appInstance App, rawTags string) error {
	ctx := cmd.Context()
	cfg := appInstance.Config()
	logger := appInstance.Logger().Named("fetch")

	filters := crawler.SplitTags(rawTags)
	if len(filters) == 0 {
		return errors.New("--tags must name at least one tag")
	}
	key, err := store.Key(crawler.RunKindFetch, filters...)
	if err != nil {
		return err
	}

	source, err := appInstance.PageSource()
	if err != nil {
		return err
	}
	if cfg.StackExchange.IncludeSynonyms {
		synonyms, err := source.Synonyms(ctx, filters)
		if err != nil {
			logger.Warn("tag synonyms lookup failed; fetching the given tags only", zap.Error(err))
		} else {
			filters = appendMissing(filters, synonyms)
		}
	}

	progressStore, err := appInstance.ProgressStore(ctx, key)
	if err != nil {
		return err
	}

	sinkType, sinkPath := cfg.Fetch.Sink, cfg.Fetch.SinkPath
	d, err := dispatcher.New(dispatcher.Config{
		Workers: cfg.Fetch.Workers,
		Filters: filters,
		Key:     key,
		Source:  source,
		SinkFor: func(sinkCtx context.Context, workerID int) (crawler.Sink, error) {
			return appInstance.NewSink(sinkCtx, sinkType, sinkPath, key, workerID)
		},
		Progress: progressStore,
		Retry:    crawler.NewExponentialRetryPolicy(crawler.RetryConfig{}),
		Emitter:  appInstance.Emitter(),
		Logger:   appInstance.Logger(),
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	logger.Info("starting fetch",
		zap.String("key", key),
		zap.Strings("filters", filters),
		zap.Int("workers", cfg.Fetch.Workers),
		zap.String("sink", sinkType),
	)
	summary, runErr := d.Run(ctx)
	return reportSummary(cmd, summary, runErr)
}

// appendMissing appends the entries of extra not already in base.
func appendMissing(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, v := range base {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		base = append(base, v)
	}
	return base
}

// bindFlag wires a command flag to a config key. A flag left unset keeps the
// value from the environment, the config file or the defaults.
func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}
