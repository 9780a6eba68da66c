package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wcpos/query/internal/config"
)

const defaultShutdownTimeout = 10 * time.Second

func newSyncCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replicate the configured collections and evaluate the configured queries",
		Long: `Replicate the configured collections and evaluate the configured queries.

The configuration file (--config) names the remote source, the local collections
and the queries to register. Settings can be overridden with WCPOS_QUERY_*
environment variables, e.g. WCPOS_QUERY_REMOTE_TOKEN.

Without --once the command keeps polling until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), v.GetString("config"), v.GetBool("once"))
		},
	}

	cmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	cmd.Flags().Bool("once", false, "Exit after the first replication cycle of every query")
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		slog.Error("Failed to bind sync flags", "error", err)
	}
	if err := cmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
	return cmd
}

func runSync(ctx context.Context, configPath string, once bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	slog.Info("Loaded configuration",
		"path", configPath,
		"locale", cfg.Locale,
		"collections", len(cfg.Collections),
		"queries", len(cfg.Queries))

	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := e.Close(shutdownCtx); err != nil {
			slog.Error("Engine shutdown failed", "error", err)
		}
		slog.Info("Engine stopped")
	}()

	if err := e.registerQueries(ctx); err != nil {
		return err
	}
	slog.Info("Engine started", "manager_id", e.manager.ID())

	if once {
		return e.waitFirstSync(ctx)
	}
	<-ctx.Done()
	slog.Info("Shutting down")
	return nil
}
