// Package cmd defines and implements the CLI commands for the stackharvest
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/api"
	"github.com/JakeFAU/stackharvest/internal/app"
	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/logging"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/store"
)

// shutdownTimeout bounds how long closing the services may take after a run.
const shutdownTimeout = 15 * time.Second

// appKeyType is the key for storing the session in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the services that commands use. It allows tests to inject a
// stub in place of *app.App.
type App interface {
	Config() config.Config
	Logger() *zap.Logger
	Emitter() progress.Emitter
	Status() api.StatusProvider
	ProgressStore(ctx context.Context, key string) (store.ProgressStore, error)
	PageSource() (app.TagSource, error)
	DiscoverySource() (crawler.DiscoverySource, error)
	DetailSource() (crawler.DetailSource, error)
	NewSink(ctx context.Context, tag, pathPattern, key string, workerID int) (crawler.Sink, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace
// it with a stub factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, app.Options{Config: cfg, Logger: logger})
}

// session is what PersistentPreRunE hands to the subcommands.
type session struct {
	app        App
	logger     *zap.Logger
	stopStatus context.CancelFunc
	statusDone chan struct{}
}

func (s *session) close() {
	if s.stopStatus != nil {
		s.stopStatus()
		<-s.statusDone
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.app.Close(ctx); err != nil {
		s.logger.Warn("failed to close application services", zap.Error(err))
	}
	_ = s.logger.Sync()
}

// newRootCmd creates and configures the root command. Every invocation gets
// its own viper instance so flag bindings never leak between commands.
func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "stackharvest",
		Short: "Harvests Stack Overflow questions into CSV files and other sinks.",
		Long: `stackharvest collects questions from Stack Overflow in two ways:

  fetch     pages through the Stack Exchange API for a set of tags with a
            pool of workers, resuming from stored progress.
  discover  finds question links through a search engine and resolves
            each question page into a row.

Rows go to a sink chosen by type tag (csv, std, memory, postgres, gcs,
pubsub). combine merges CSV outputs into one file.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load .env: %w", err)
			}
			cfg, err := config.LoadWith(v, cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			sess := &session{app: appInstance, logger: logger}
			if cfg.Status.Addr != "" {
				startStatusServer(cmd.Context(), sess, cfg.Status.Addr)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, sess))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newFetchCmd(v))
	cmd.AddCommand(newDiscoverCmd(v))
	cmd.AddCommand(newCombineCmd())

	return cmd
}

func startStatusServer(ctx context.Context, sess *session, addr string) {
	ctx, cancel := context.WithCancel(ctx)
	sess.stopStatus = cancel
	sess.statusDone = make(chan struct{})
	server := api.NewServer(sess.app.Status(), sess.logger)
	go func() {
		defer close(sess.statusDone)
		if err := server.Serve(ctx, addr); err != nil {
			sess.logger.Error("status server stopped", zap.Error(err))
		}
	}()
}

// withSession resolves the session for a subcommand and closes it once the
// subcommand returns, whether it failed or not.
func withSession(run func(cmd *cobra.Command, args []string, appInstance App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sess, err := resolveSession(cmd.Context())
		if err != nil {
			return err
		}
		defer sess.close()
		return run(cmd, args, sess.app)
	}
}

func resolveSession(ctx context.Context) (*session, error) {
	sess, ok := ctx.Value(appKey).(*session)
	if !ok || sess == nil {
		return nil, errors.New("application services not initialized")
	}
	return sess, nil
}

// reportSummary prints the summary and turns a failed run into an error.
func reportSummary(cmd *cobra.Command, summary crawler.Summary, runErr error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), summary.String())
	if runErr != nil {
		return fmt.Errorf("%s run: %w", summary.Kind, runErr)
	}
	if summary.Failed {
		return fmt.Errorf("%s run %s failed with %d error(s)", summary.Kind, summary.RunID, len(summary.Errors))
	}
	return nil
}

// Execute is the main entry point. It cancels the running command on SIGINT
// or SIGTERM so progress is stored before exit.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
