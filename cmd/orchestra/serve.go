package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/aixgo-dev/orchestra"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/observability"
	v1 "github.com/aixgo-dev/orchestra/internal/transport/http/v1"
	metrics "github.com/aixgo-dev/orchestra/pkg/observability"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the orchestrator over HTTP and websockets",
		Long: `Start the HTTP server.

The server exposes /v1/orchestrate, its streaming variants, session history,
/health and /metrics. Idle threads and old checkpoints are cleaned up on the
server.maintenance schedule.

Press Ctrl+C to shut down gracefully.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}
	cmd.Flags().String("addr", "", "listen address, overrides server.addr")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if addr := v.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	logger := logging.New(cfg.Logging)
	logger.Info("starting orchestra", "version", Version, "config", v.GetString("config"))

	if err := observability.InitFromEnv(logger); err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := observability.Shutdown(context.Background()); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()
	metrics.InitMetrics()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := orchestra.FromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	sched := cron.New()
	if _, err := sched.AddFunc(cfg.Server.Maintenance, func() { maintain(o, logger) }); err != nil {
		return fmt.Errorf("server.maintenance: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	e := v1.NewServer(v1.NewHandler(o, Version, logger))
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := e.Start(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func maintain(o *orchestra.Orchestrator, logger *slog.Logger) {
	metrics.UpdateSystemMetrics()
	report, err := o.Maintain(context.Background())
	if err != nil {
		logger.Warn("maintenance failed", "error", err)
		return
	}
	logger.Info("maintenance done",
		"evicted_threads", report.EvictedThreads,
		"expired_suspensions", report.ExpiredSuspensions,
		"purged_checkpoints", report.PurgedCheckpoints,
	)
}
