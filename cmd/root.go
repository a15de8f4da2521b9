// Package cmd defines and implements the CLI commands for the convograph executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/convograph-crawler/internal/app"
	"github.com/JakeFAU/convograph-crawler/internal/config"
	"github.com/JakeFAU/convograph-crawler/internal/crawler"
	"github.com/JakeFAU/convograph-crawler/internal/dispatcher"
	"github.com/JakeFAU/convograph-crawler/internal/logging"
	"github.com/JakeFAU/convograph-crawler/internal/store"
	"github.com/JakeFAU/convograph-crawler/internal/traversal"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Close(ctx context.Context)
	Logger() *zap.Logger
	Config() config.Config
	Runs() store.RunRepository
	Ready(ctx context.Context) error
	FetchSeed(ctx context.Context, seedID string) crawler.Result
	Traverse(ctx context.Context, seedID string) traversal.Outcome
	Search(ctx context.Context, terms []string, start, end time.Time) traversal.SearchOutcome
	RunEvent(ctx context.Context, name string) (traversal.SearchOutcome, error)
	ResolvePools(names []string) ([]string, error)
	RunPools(ctx context.Context, names []string) ([]dispatcher.PoolReport, error)
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		envFile string
	)
	cmd := &cobra.Command{
		Use:   "convograph",
		Short: "Crawls Twitter conversation graphs into a document store.",
		Long: `convograph walks the reply and quote graph of seed posts, collects seeds from
hashtag and mention searches, and runs worker pools that complete likers,
retweeters, timelines and follow lists for every stored document.`,
		SilenceUsage: true,

		// Build the application before any subcommand runs and keep it in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return
			}
			appInstance.Close(context.WithoutCancel(cmd.Context()))
			_ = appInstance.Logger().Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the CONVOGRAPH_ prefix")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newCrawlCmd(),
		newSearchCmd(),
		newEventCmd(),
		newPoolCmd(),
		newScheduleCmd(),
		newServeCmd(),
		newRunsCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
