package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
)

const metricsNamespace = "gputelemetry"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	if s.metrics != nil {
		registry = s.metrics.Registry()
	}

	wsCounter := func(name, help string, load func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      name,
			Help:      help,
		}, load)
	}

	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		wsCounter("connections_total", "Total WebSocket connections accepted since start.", func() float64 {
			return float64(s.wsTotal.Load())
		}),
		wsCounter("rejected_total", "Total WebSocket connection attempts rejected due to capacity.", func() float64 {
			return float64(s.wsRejected.Load())
		}),
		wsCounter("messages_sent_total", "Total WebSocket messages sent to clients.", func() float64 {
			return float64(s.wsSent.Load())
		}),
		wsCounter("messages_dropped_total", "Total WebSocket messages dropped due to backpressure.", func() float64 {
			return float64(s.wsDropped.Load())
		}),
		newReportCollector(s.collector, s.logger),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// reportCollector runs a fresh collection on every scrape and exports the
// numeric device fields as gauges. Null fields are skipped.
type reportCollector struct {
	collector Collector
	logger    *slog.Logger

	devices     []deviceMetric
	pi          []piMetric
	deviceCount *prometheus.Desc
	messages    *prometheus.Desc
	piAvailable *prometheus.Desc
	up          *prometheus.Desc
}

type deviceMetric struct {
	desc    *prometheus.Desc
	extract func(d gpu.Device) (float64, bool)
}

type piMetric struct {
	desc    *prometheus.Desc
	extract func(pi gpu.RaspberryPi) (float64, bool)
}

func newReportCollector(collector Collector, logger *slog.Logger) *reportCollector {
	deviceLabels := []string{"family", "id", "name", "source"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "gpu", name), help, deviceLabels, nil)
	}
	piDesc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metricsNamespace, "raspberry_pi", name), help, nil, nil)
	}

	return &reportCollector{
		collector: collector,
		logger:    logger,
		devices: []deviceMetric{
			{desc("memory_total_bytes", "Total device memory in bytes."), func(d gpu.Device) (float64, bool) { return uintValue(d.MemoryTotal) }},
			{desc("memory_used_bytes", "Used device memory in bytes."), func(d gpu.Device) (float64, bool) { return uintValue(d.MemoryUsed) }},
			{desc("memory_free_bytes", "Free device memory in bytes."), func(d gpu.Device) (float64, bool) { return uintValue(d.MemoryFree) }},
			{desc("temperature_celsius", "Device temperature in Celsius."), func(d gpu.Device) (float64, bool) { return floatValue(d.Temperature) }},
			{desc("utilization_percent", "Device utilization percentage."), func(d gpu.Device) (float64, bool) { return floatValue(d.Utilization) }},
			{desc("frequency_mhz", "Device clock in MHz."), func(d gpu.Device) (float64, bool) { return floatValue(d.Frequency) }},
		},
		pi: []piMetric{
			{piDesc("temperature_celsius", "VideoCore temperature in Celsius."), func(pi gpu.RaspberryPi) (float64, bool) { return floatValue(pi.Temperature) }},
			{piDesc("voltage_volts", "VideoCore core voltage."), func(pi gpu.RaspberryPi) (float64, bool) { return floatValue(pi.Voltage) }},
			{piDesc("gpu_memory_bytes", "Memory split reserved for the GPU."), func(pi gpu.RaspberryPi) (float64, bool) { return uintValue(pi.GPUMemory) }},
			{piDesc("core_clock_hz", "Core clock in Hz."), func(pi gpu.RaspberryPi) (float64, bool) { return uintValue(pi.CoreClock) }},
			{piDesc("v3d_clock_hz", "3D block clock in Hz."), func(pi gpu.RaspberryPi) (float64, bool) { return uintValue(pi.V3DClock) }},
			{piDesc("gpu_freq_mhz", "Configured GPU frequency in MHz."), func(pi gpu.RaspberryPi) (float64, bool) { return uintValue(pi.GPUFreq) }},
		},
		deviceCount: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", "devices"),
			"Device records in the latest report by group.",
			[]string{"group"}, nil,
		),
		messages: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "report", "messages"),
			"Diagnostic messages in the latest report.",
			nil, nil,
		),
		piAvailable: piDesc("available", "Whether a VideoCore GPU answered the gate probe."),
		up: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "report", "up"),
			"Whether the latest collection produced a report.",
			nil, nil,
		),
	}
}

func (c *reportCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.devices {
		ch <- m.desc
	}
	for _, m := range c.pi {
		ch <- m.desc
	}
	ch <- c.deviceCount
	ch <- c.messages
	ch <- c.piAvailable
	ch <- c.up
}

func (c *reportCollector) Collect(ch chan<- prometheus.Metric) {
	if c.collector == nil {
		return
	}

	report, err := c.collector.Collect(context.Background())
	if err != nil {
		c.logger.Warn("scrape collection failed", "err", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.GaugeValue, float64(len(report.Messages)))

	for _, group := range []gpu.Group{gpu.GroupNVIDIA, gpu.GroupAMD, gpu.GroupIntegrated} {
		devices := report.Devices(group)
		ch <- prometheus.MustNewConstMetric(c.deviceCount, prometheus.GaugeValue, float64(len(devices)), string(group))
		for _, d := range devices {
			for _, m := range c.devices {
				value, ok := m.extract(d)
				if !ok {
					continue
				}
				ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, value, string(d.Family), d.ID, d.Name, d.Source)
			}
		}
	}

	available := 0.0
	if report.RaspberryPi.Available {
		available = 1
	}
	ch <- prometheus.MustNewConstMetric(c.piAvailable, prometheus.GaugeValue, available)
	if !report.RaspberryPi.Available {
		return
	}
	for _, m := range c.pi {
		value, ok := m.extract(report.RaspberryPi)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(m.desc, prometheus.GaugeValue, value)
	}
}

func uintValue(v *uint64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return float64(*v), true
}

func floatValue(v *float64) (float64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}
