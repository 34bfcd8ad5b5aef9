package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pixelcanvas-api/internal/app"
	"pixelcanvas-api/internal/config"
	"pixelcanvas-api/internal/logging"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	LogLevel  string
	LogFormat string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "pixelcanvas-api",
		Short:         "Shared pixel canvas server",
		Long:          "Serves the shared pixel canvas over HTTP and websocket, staging writes in a cache and flushing them to the database in batches.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL (trace|debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override LOG_FORMAT (json|console)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newFlushCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server with the flush scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Commit every pending write to the database once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlush(cmd.Context(), opts)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the pixels table and indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts)
		},
	}
}

// setup loads configuration and initializes logging.
func setup(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logCfg := logging.Config{Level: cfg.App.LogLevel, Format: cfg.App.LogFormat}
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		logCfg.Format = opts.LogFormat
	}
	logging.Init(logCfg)

	return cfg, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(parent)
	defer stop()

	logging.Info().
		Str("app", cfg.App.Name).
		Str("version", cfg.App.Version).
		Str("env", cfg.App.Environment).
		Msg("starting")

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		return err
	}

	logging.Info().Msg("server stopped")
	return nil
}

func runFlush(parent context.Context, opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}
	// an in-process buffer starts empty here; only Redis is shared with the server
	if cfg.Cache.Type != "redis" {
		return fmt.Errorf("flush needs CACHE_TYPE=redis, got %q", cfg.Cache.Type)
	}

	ctx, stop := signalContext(parent)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.FlushTimeout)
	defer cancel()

	result, err := a.FlushOnce(ctx)
	if err != nil {
		return err
	}

	logging.Info().
		Int("pending", result.Pending).
		Int("flushed", result.Flushed).
		Int("superseded", result.Superseded).
		Int("vanished", result.Vanished).
		Int("failed_batches", result.FailedBatches).
		Int("skipped_batches", result.SkippedBatches).
		Dur("duration", result.Duration).
		Msg("flush complete")

	if !result.OK() {
		return fmt.Errorf("%d of %d batches were not committed", result.FailedBatches+result.SkippedBatches, result.Batches)
	}
	return nil
}

func runMigrate(opts *rootOptions) error {
	cfg, err := setup(opts)
	if err != nil {
		return err
	}

	// opening the repository creates the schema
	repo, err := app.OpenRepository(cfg.Database)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	defer repo.Close()

	logging.Info().Str("driver", cfg.Database.Driver).Msg("schema is up to date")
	return nil
}
