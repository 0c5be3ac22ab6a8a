package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	offload "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/core"
	"github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/internal/api"
	promexp "github.com/nathanaelhub/portfolio-optimization-dashboard-sub001/observability/prometheus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the offload manager and serve it over HTTP.

Examples:
  # Serve with ./offload.yaml or built-in defaults
  offloadd serve

  # Serve with a custom config file
  offloadd serve --config /etc/offload/offload.yaml

  # Override settings through the environment
  OFFLOAD_POOL_SIZE=8 OFFLOAD_LOGGING_LEVEL=DEBUG offloadd serve`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := cfg.Logger()

	opts := append(cfg.ManagerOptions(), offload.WithLogger(logger))

	var gatherer prometheus.Gatherer
	var poller *promexp.SnapshotPoller
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		exporter, err := promexp.NewMetricsExporter(cfg.Metrics.Namespace, reg, promexp.ExporterOptions{})
		if err != nil {
			return fmt.Errorf("failed to create metrics exporter: %w", err)
		}
		poller, err = promexp.NewSnapshotPoller(reg, cfg.Metrics.PollInterval)
		if err != nil {
			return fmt.Errorf("failed to create snapshot poller: %w", err)
		}
		opts = append(opts, offload.WithMetrics(exporter))
		gatherer = reg
	}

	m := offload.New(opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	if poller != nil {
		poller.AddPool(cfg.Pool.ID, m)
		poller.Start(ctx)
		defer poller.Stop()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: api.NewRouter(m, api.RouterOptions{Logger: logger, Gatherer: gatherer}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", core.F("addr", cfg.Server.Listen), core.F(core.KeyPool, cfg.Pool.ID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			_ = m.Shutdown(context.Background())
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown incomplete", core.F(core.KeyError, err))
	}
	if err := m.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop worker pool: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
