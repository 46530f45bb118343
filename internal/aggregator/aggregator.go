// Package aggregator runs GPU sources in order and merges them into one report.
package aggregator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
	"github.com/skobkin/gputelemetry-web/internal/source"
)

// Source outcomes passed to Observer.ObserveSource besides probe kinds.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
)

// Stamper supplies the report timestamp from the OS metrics collector.
type Stamper interface {
	Timestamp(ctx context.Context) (time.Time, error)
}

// StamperFunc adapts a function to Stamper.
type StamperFunc func(ctx context.Context) (time.Time, error)

func (f StamperFunc) Timestamp(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// Observer receives per-source outcomes and whole-collection durations.
type Observer interface {
	ObserveSource(name, outcome string)
	ObserveCollect(duration time.Duration, err error)
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithObserver attaches an observer to every collection.
func WithObserver(o Observer) Option {
	return func(a *Aggregator) {
		a.observer = o
	}
}

// Aggregator holds no state between collections; concurrent Collect calls are independent.
type Aggregator struct {
	sources  []source.Source
	stamper  Stamper
	logger   *slog.Logger
	observer Observer
}

// New builds an aggregator over sources, which run in the given order.
func New(sources []source.Source, stamper Stamper, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if stamper == nil {
		stamper = StamperFunc(func(context.Context) (time.Time, error) { return time.Now(), nil })
	}
	a := &Aggregator{
		sources: sources,
		stamper: stamper,
		logger:  logger.With("component", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect probes every source once. Missing tools or hardware never fail a
// collection; they are recorded in the report messages. The only error
// returned comes from the timestamp source.
func (a *Aggregator) Collect(ctx context.Context) (gpu.Report, error) {
	start := time.Now()
	report, err := a.collect(ctx)
	if a.observer != nil {
		a.observer.ObserveCollect(time.Since(start), err)
	}
	return report, err
}

func (a *Aggregator) collect(ctx context.Context) (gpu.Report, error) {
	report := gpu.Report{Messages: []string{}}

	for _, src := range a.sources {
		name := src.Name()
		if group := src.Group(); group != "" && len(report.Devices(group)) > 0 {
			a.logger.Debug("source skipped, group already populated", "source", name, "group", group)
			a.observeSource(name, OutcomeSkipped)
			continue
		}

		res, err := a.probe(ctx, src)
		if err != nil {
			kind := probe.KindOf(err)
			a.logger.Debug("source unavailable", "source", name, "kind", kind, "err", err)
			a.observeSource(name, string(kind))
			report.Messages = append(report.Messages, message(name, err))
			continue
		}
		a.observeSource(name, OutcomeOK)

		merge(&report, res)
		for _, diag := range res.Diagnostics {
			report.Messages = append(report.Messages, message(name, diag))
		}
	}

	normalize(&report)

	ts, err := a.stamper.Timestamp(ctx)
	if err != nil {
		return gpu.Report{}, fmt.Errorf("collect timestamp: %w", err)
	}
	report.Timestamp = ts.UTC()

	return report, nil
}

func (a *Aggregator) probe(ctx context.Context, src source.Source) (res source.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("source panicked", "source", src.Name(), "panic", r, "stack", string(debug.Stack()))
			res = source.Result{}
			err = &probe.Error{Kind: probe.KindInternal, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return src.Probe(ctx)
}

func (a *Aggregator) observeSource(name, outcome string) {
	if a.observer != nil {
		a.observer.ObserveSource(name, outcome)
	}
}

func merge(report *gpu.Report, res source.Result) {
	for _, d := range res.Devices {
		report.AddDevices(d.Family.Group(), d)
	}
	if res.General != nil {
		report.General = res.General
	}
	if res.OpenGL != nil {
		report.OpenGL = res.OpenGL
	}
	if res.RaspberryPi != nil {
		report.RaspberryPi = *res.RaspberryPi
	}
}

// normalize clears frequency for discrete cards, whose queries do not report it,
// and derives integrated vendor strings from the type tag.
func normalize(report *gpu.Report) {
	for _, list := range [][]gpu.Device{report.NVIDIA, report.AMD} {
		for i := range list {
			list[i].Frequency = nil
		}
	}
	for i := range report.Integrated {
		report.Integrated[i].Vendor = integratedVendor(report.Integrated[i].Type)
	}
}

func integratedVendor(typ string) string {
	switch typ {
	case gpu.TypeIntel:
		return gpu.VendorIntel
	case gpu.TypeAMD:
		return gpu.VendorAMD
	default:
		return gpu.VendorUnknown
	}
}

func message(source string, err error) string {
	return fmt.Sprintf("%s: %s: %v", source, probe.KindOf(err), err)
}
