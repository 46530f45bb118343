package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputelemetry-web/internal/config"
	"github.com/skobkin/gputelemetry-web/internal/gpu"
)

func TestSourcesFollowProbeOrder(t *testing.T) {
	cfg := config.Default()
	sources := Sources(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	var names []string
	for _, src := range sources {
		names = append(names, src.Name())
	}
	assert.Equal(t, []string{"nvidia", "amd", "radeontop", "general", "opengl", "raspberry_pi", "integrated"}, names)
	assert.Equal(t, gpu.GroupAMD, sources[2].Group())
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(&buf, slog.LevelInfo, config.LogFormatJSON).Info("hello", "component", "test")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "test", entry["component"])

	buf.Reset()
	logger := NewLogger(&buf, slog.LevelWarn, config.LogFormatText)
	logger.Info("dropped")
	assert.Empty(t, buf.String())
	logger.Warn("kept")
	assert.Contains(t, buf.String(), "msg=kept")
}

func TestCollectorLogsComponentOnce(t *testing.T) {
	cfg := config.Default()
	cfg.SysfsRoot = t.TempDir()
	missing := filepath.Join(t.TempDir(), "missing")
	for _, tool := range []string{"nvidia-smi", "rocm-smi", "radeontop", "lshw", "glxinfo", "vcgencmd"} {
		cfg.Tools[tool] = filepath.Join(missing, tool)
	}

	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug, config.LogFormatText)
	collector, _ := newCollector(cfg, logger, nil)

	_, err := collector.Collect(context.Background())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines)
	var sawProbe, sawAggregator bool
	for _, line := range lines {
		assert.LessOrEqual(t, strings.Count(line, "component="), 1, "duplicated component attribute: %s", line)
		sawProbe = sawProbe || strings.Contains(line, "component=probe")
		sawAggregator = sawAggregator || strings.Contains(line, "component=aggregator")
	}
	assert.True(t, sawProbe, "expected probe log lines")
	assert.True(t, sawAggregator, "expected aggregator log lines")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.SysfsRoot = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
