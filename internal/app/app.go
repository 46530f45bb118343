// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/aggregator"
	"github.com/skobkin/gputelemetry-web/internal/config"
	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/hostinfo"
	"github.com/skobkin/gputelemetry-web/internal/httpserver"
	"github.com/skobkin/gputelemetry-web/internal/metrics"
	"github.com/skobkin/gputelemetry-web/internal/probe"
	"github.com/skobkin/gputelemetry-web/internal/source"
)

const shutdownTimeout = 10 * time.Second

// Sources builds the probe chain described by cfg. observer may be nil.
func Sources(cfg config.Config, logger *slog.Logger, observer probe.Observer) []source.Source {
	runner := probe.Instrument(probe.NewExecRunner(cfg.Tools, logger), observer)
	return source.Standard(source.Options{
		Runner: runner,
		Timeouts: source.Timeouts{
			Command:  cfg.Probe.CommandTimeout,
			Monitor:  cfg.Probe.MonitorTimeout,
			Gate:     cfg.Probe.GateTimeout,
			Subprobe: cfg.Probe.SubprobeTimeout,
		},
		SysfsRoot:    cfg.SysfsRoot,
		DetectVendor: cfg.Probe.DetectIntegratedVendor,
	})
}

// newCollector builds the aggregator over the standard sources. Constructors
// tag their own component, so they all receive the untagged logger.
func newCollector(cfg config.Config, logger *slog.Logger, observer probe.Observer, opts ...aggregator.Option) (*aggregator.Aggregator, *hostinfo.Collector) {
	host := hostinfo.New(logger)
	return aggregator.New(Sources(cfg, logger, observer), host, logger, opts...), host
}

// Run bootstraps the application lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	cards, err := gpu.Discover(cfg.SysfsRoot, baseLogger.With("component", "gpu_discovery"))
	if err != nil {
		// Discovery is informational; the integrated source reads sysfs on its own.
		appLogger.Warn("gpu discovery failed", "err", err)
	}
	for _, card := range cards {
		appLogger.Info("discovered DRM card",
			"card", card.ID,
			"pci", card.PCI,
			"vendor", card.Vendor,
			"name", card.Name,
		)
	}
	appLogger.Info("discovered GPUs", "count", len(cards))

	var (
		m        *metrics.Metrics
		observer probe.Observer
		aggOpts  []aggregator.Option
	)
	if cfg.EnablePrometheus {
		m = metrics.New()
		observer = m
		aggOpts = append(aggOpts, aggregator.WithObserver(m))
	}

	collector, host := newCollector(cfg, baseLogger, observer, aggOpts...)

	srv := httpserver.New(cfg, baseLogger.With("component", "http"), collector, host, m)

	appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		appLogger.Info("shutdown initiated", "reason", ctx.Err())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}

		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		appLogger.Info("shutdown complete")
		return nil
	}
}
