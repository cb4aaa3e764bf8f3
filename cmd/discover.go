package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/pipeline"
	"github.com/JakeFAU/stackharvest/internal/source/search"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// newDiscoverCmd creates the 'discover' subcommand, which finds question
// links through a search engine and resolves each one into a row.
func newDiscoverCmd(v *viper.Viper) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover questions through search results",
		Long: `Runs the discovery pipeline: a producer pages through search results
for the query, a pool of consumers resolves each question page, and an
appender batches the rows into the sink. The search offset is stored when
the run ends so the next run continues with new results.`,
		Example: `  stackharvest discover --query "golang;goroutine leak" --total 200
  stackharvest discover --query rust --consumers 4 --sink std`,
		RunE: withSession(func(cmd *cobra.Command, _ []string, appInstance App) error {
			return runDiscover(cmd, appInstance, query)
		}),
	}

	cmd.Flags().StringVar(&query, "query", "", "search terms, separated by ';' and joined with OR")
	cmd.Flags().Int("total", 0, "number of links to discover in this run")
	cmd.Flags().Int("consumers", 0, "number of concurrent question resolvers")
	cmd.Flags().String("sink", "", "sink type tag (csv, std, memory, postgres, gcs, pubsub)")
	cmd.Flags().String("sink-path", "", "sink path")
	_ = cmd.MarkFlagRequired("query")

	bindFlag(v, "discover.target", cmd, "total")
	bindFlag(v, "discover.consumers", cmd, "consumers")
	bindFlag(v, "discover.sink", cmd, "sink")
	bindFlag(v, "discover.sink_path", cmd, "sink-path")
	return cmd
}

func runDiscover(cmd *cobra.Command, appInstance App, rawQuery string) error {
	ctx := cmd.Context()
	cfg := appInstance.Config().Discover

	terms := crawler.SplitTags(rawQuery)
	if len(terms) == 0 {
		return errors.New("--query must name at least one term")
	}
	key, err := store.Key(crawler.RunKindDiscover, terms...)
	if err != nil {
		return err
	}

	query := terms
	if appInstance.Config().StackExchange.IncludeSynonyms {
		query = expandWithSynonyms(ctx, appInstance, terms)
	}

	discovery, err := appInstance.DiscoverySource()
	if err != nil {
		return err
	}
	detail, err := appInstance.DetailSource()
	if err != nil {
		return err
	}
	progressStore, err := appInstance.ProgressStore(ctx, key)
	if err != nil {
		return err
	}
	out, err := appInstance.NewSink(ctx, cfg.Sink, cfg.SinkPath, key, 1)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Query:             search.JoinQuery(query),
		Target:            cfg.Target,
		PageSize:          cfg.PageSize,
		Consumers:         cfg.Consumers,
		LinkQueueCapacity: cfg.LinkQueueCapacity,
		ItemQueueCapacity: cfg.ItemQueueCapacity,
		PollTimeout:       cfg.PollTimeout,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Retries:           cfg.Retries,
		MaxFailedPages:    cfg.MaxFailedPages,
		FlushInterval:     cfg.FlushInterval,
		Key:               key,
		Discovery:         discovery,
		Detail:            detail,
		Sink:              out,
		Progress:          progressStore,
		Backoff:           crawler.NewExponentialRetryPolicy(crawler.RetryConfig{MaxAttempts: cfg.Retries}),
		Emitter:           appInstance.Emitter(),
		Logger:            appInstance.Logger(),
	})
	if err != nil {
		_ = out.Close(ctx)
		return fmt.Errorf("build pipeline: %w", err)
	}

	appInstance.Logger().Named("discover").Info("starting discovery",
		zap.String("key", key),
		zap.Strings("terms", query),
		zap.Int("target", cfg.Target),
		zap.Int("consumers", cfg.Consumers),
		zap.String("sink", cfg.Sink),
	)
	summary, runErr := p.Run(ctx)
	return reportSummary(cmd, summary, runErr)
}

// expandWithSynonyms ORs the tag synonyms of terms into the search. A failed
// lookup leaves the terms unchanged.
func expandWithSynonyms(ctx context.Context, appInstance App, terms []string) []string {
	logger := appInstance.Logger().Named("discover")
	source, err := appInstance.PageSource()
	if err != nil {
		logger.Warn("tag synonyms unavailable; searching the given terms only", zap.Error(err))
		return terms
	}
	synonyms, err := source.Synonyms(ctx, terms)
	if err != nil {
		logger.Warn("tag synonyms lookup failed; searching the given terms only", zap.Error(err))
		return terms
	}
	return appendMissing(append([]string(nil), terms...), synonyms)
}
