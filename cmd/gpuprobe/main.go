// Command gpuprobe runs one GPU collection and prints it as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skobkin/gputelemetry-web/internal/aggregator"
	"github.com/skobkin/gputelemetry-web/internal/api"
	"github.com/skobkin/gputelemetry-web/internal/app"
	"github.com/skobkin/gputelemetry-web/internal/config"
	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/hostinfo"
)

type options struct {
	view           string
	sysfsRoot      string
	compact        bool
	noVendorDetect bool
	listCards      bool
	verbose        bool
}

func parseFlags(args []string, cfg config.Config) (options, error) {
	fs := pflag.NewFlagSet("gpuprobe", pflag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.view, "view", "full", "Report view: full, nvidia, amd, integrated, raspberry-pi, general, opengl, messages")
	fs.StringVar(&opts.sysfsRoot, "sysfs", cfg.SysfsRoot, "Path to sysfs root")
	fs.BoolVar(&opts.compact, "compact", false, "Print compact JSON")
	fs.BoolVar(&opts.noVendorDetect, "no-vendor-detect", !cfg.Probe.DetectIntegratedVendor, "Report both integrated records instead of resolving card0's vendor")
	fs.BoolVar(&opts.listCards, "cards", false, "List DRM cards instead of collecting")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Log probe activity to stderr")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "gpuprobe:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	opts, err := parseFlags(args, cfg)
	if err != nil {
		return err
	}
	view, err := api.ParseView(opts.view)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := app.NewLogger(stderr, level, cfg.LogFormat)

	cfg.SysfsRoot = opts.sysfsRoot
	cfg.Probe.DetectIntegratedVendor = !opts.noVendorDetect

	var payload any
	if opts.listCards {
		cards, err := gpu.Discover(cfg.SysfsRoot, logger.With("component", "gpu_discovery"))
		if err != nil {
			return fmt.Errorf("discover cards: %w", err)
		}
		if cards == nil {
			cards = []gpu.Card{}
		}
		payload = cards
	} else {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		collector := aggregator.New(
			app.Sources(cfg, logger, nil),
			hostinfo.New(logger),
			logger,
		)
		report, err := collector.Collect(ctx)
		if err != nil {
			return err
		}
		payload, err = api.Render(report, view)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	if !opts.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(payload)
}
