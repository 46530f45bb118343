package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
	"github.com/skobkin/gputelemetry-web/internal/probe/probetest"
	"github.com/skobkin/gputelemetry-web/internal/source"
)

var fixedTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func fixedStamper() Stamper {
	return StamperFunc(func(context.Context) (time.Time, error) { return fixedTime, nil })
}

func standard(runner probe.Runner, sysfs string) []source.Source {
	return source.Standard(source.Options{
		Runner:       runner,
		Timeouts:     source.DefaultTimeouts(),
		SysfsRoot:    sysfs,
		DetectVendor: true,
	})
}

const (
	nvidiaCmd    = "nvidia-smi --query-gpu=name,memory.total,memory.used,memory.free,temperature.gpu,utilization.gpu --format=csv,noheader,nounits"
	rocmCmd      = "rocm-smi --showproductname --showmeminfo vram --showtemp --showuse --json"
	radeontopCmd = "radeontop -d - -l 1"
	lshwCmd      = "lshw -class display -json"
	glxinfoCmd   = "glxinfo -B"
)

func TestCollectAllToolsAbsent(t *testing.T) {
	t.Parallel()

	agg := New(standard(probetest.New(), t.TempDir()), fixedStamper(), nil)
	report, err := agg.Collect(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.NVIDIA)
	assert.Empty(t, report.AMD)
	assert.Empty(t, report.Integrated)
	assert.Nil(t, report.General)
	assert.Nil(t, report.OpenGL)
	assert.False(t, report.RaspberryPi.Available)
	assert.Equal(t, fixedTime, report.Timestamp)
	assert.Len(t, report.Messages, 7)
	assert.Equal(t, "nvidia: tool_absent: nvidia-smi: tool not found", report.Messages[0])

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.NotContains(t, decoded, "nvidia")
	assert.NotContains(t, decoded, "amd")
	assert.NotContains(t, decoded, "integrated")
	assert.JSONEq(t, `{"available":false}`, string(decoded["raspberry_pi"]))
}

func TestCollectOrderAndMerge(t *testing.T) {
	t.Parallel()

	sysfs := t.TempDir()
	dev := filepath.Join(sysfs, "class", "drm", "card0", "device")
	require.NoError(t, os.MkdirAll(dev, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "gpu_busy_percent"), []byte("3\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dev, "vendor"), []byte("0x8086\n"), 0o644))

	runner := probetest.New().
		Set(nvidiaCmd, "RTX, 100, 10, 90, 50, 20\n").
		Set(rocmCmd, `{"card0": {"Card SKU": "MI100"}}`).
		Set(radeontopCmd, "1.0: gpu 99%\n").
		Set(lshwCmd, `[{"id":"display"}]`).
		Set(glxinfoCmd, "OpenGL vendor string: Intel\n")

	report, err := New(standard(runner, sysfs), fixedStamper(), nil).Collect(context.Background())
	require.NoError(t, err)

	require.Len(t, report.NVIDIA, 1)
	require.Len(t, report.AMD, 1)
	assert.Equal(t, "rocm-smi", report.AMD[0].Source)
	require.Len(t, report.Integrated, 1)
	assert.Equal(t, gpu.VendorIntel, report.Integrated[0].Vendor)
	assert.JSONEq(t, `[{"id":"display"}]`, string(report.General))
	require.NotNil(t, report.OpenGL)

	// radeontop is gated on rocm-smi producing nothing.
	assert.Equal(t, []string{
		nvidiaCmd,
		rocmCmd,
		lshwCmd,
		glxinfoCmd,
		"vcgencmd get_mem gpu",
	}, runner.Commands())

	assert.Equal(t, []string{"raspberry_pi: tool_absent: vcgencmd: tool not found"}, report.Messages)
}

func TestCollectRadeontopFallback(t *testing.T) {
	t.Parallel()

	for name, runner := range map[string]*probetest.Runner{
		"rocm absent": probetest.New(),
		"rocm empty":  probetest.New().Set(rocmCmd, ""),
	} {
		t.Run(name, func(t *testing.T) {
			runner.Set(radeontopCmd, "1.0: bus 03, gpu 12.50%, ee 0.00%\n")

			report, err := New(standard(runner, t.TempDir()), fixedStamper(), nil).Collect(context.Background())
			require.NoError(t, err)
			require.Len(t, report.AMD, 1)
			for _, d := range report.AMD {
				assert.Equal(t, "radeontop", d.Source)
				assert.Nil(t, d.Frequency)
			}
		})
	}
}

type stubSource struct {
	name  string
	group gpu.Group
	fn    func() (source.Result, error)
}

func (s stubSource) Name() string                                 { return s.name }
func (s stubSource) Group() gpu.Group                             { return s.group }
func (s stubSource) Probe(context.Context) (source.Result, error) { return s.fn() }

func TestCollectIsolatesPanics(t *testing.T) {
	t.Parallel()

	sources := []source.Source{
		stubSource{name: "broken", group: gpu.GroupNVIDIA, fn: func() (source.Result, error) {
			var m map[string]int
			m["boom"]++
			return source.Result{}, nil
		}},
		stubSource{name: "fine", group: gpu.GroupAMD, fn: func() (source.Result, error) {
			return source.Result{Devices: []gpu.Device{{ID: "0", Family: gpu.FamilyAMD, Name: "ok"}}}, nil
		}},
	}

	report, err := New(sources, fixedStamper(), nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.NVIDIA)
	require.Len(t, report.AMD, 1)
	require.Len(t, report.Messages, 1)
	assert.Contains(t, report.Messages[0], "broken: internal: ")
	assert.Contains(t, report.Messages[0], "panic")
}

func TestCollectNormalizes(t *testing.T) {
	t.Parallel()

	freq := 1500.0
	sources := []source.Source{
		stubSource{name: "discrete", fn: func() (source.Result, error) {
			return source.Result{Devices: []gpu.Device{
				{ID: "0", Family: gpu.FamilyNVIDIA, Frequency: &freq},
				{ID: "1", Family: gpu.FamilyAMD, Frequency: &freq},
			}}, nil
		}},
		stubSource{name: "integrated", fn: func() (source.Result, error) {
			return source.Result{Devices: []gpu.Device{
				{ID: "a", Family: gpu.FamilyIntegratedIntel, Type: gpu.TypeIntel},
				{ID: "b", Family: gpu.FamilyIntegratedAMD, Type: gpu.TypeAMD},
				{ID: "c", Family: gpu.FamilyIntegratedAMD},
			}}, nil
		}},
	}

	report, err := New(sources, fixedStamper(), nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.NVIDIA[0].Frequency)
	assert.Nil(t, report.AMD[0].Frequency)
	assert.Equal(t, gpu.VendorIntel, report.Integrated[0].Vendor)
	assert.Equal(t, gpu.VendorAMD, report.Integrated[1].Vendor)
	assert.Equal(t, gpu.VendorUnknown, report.Integrated[2].Vendor)

	data, err := json.Marshal(report.NVIDIA[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"frequency":null`)
}

func TestCollectStamperFailure(t *testing.T) {
	t.Parallel()

	stamper := StamperFunc(func(context.Context) (time.Time, error) {
		return time.Time{}, errors.New("host info unavailable")
	})

	_, err := New(standard(probetest.New(), t.TempDir()), stamper, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host info unavailable")
}

func TestCollectIdempotent(t *testing.T) {
	t.Parallel()

	runner := probetest.New().
		Set(nvidiaCmd, "RTX, 100, 10, 90, 50, 20\nbroken line\n").
		Set(lshwCmd, `[]`).
		Set("vcgencmd get_mem gpu", "gpu=64M\n").
		Set("vcgencmd get_config int gpu_freq", "core_freq=400\n")

	agg := New(standard(runner, t.TempDir()), nil, nil)
	first, err := agg.Collect(context.Background())
	require.NoError(t, err)
	second, err := agg.Collect(context.Background())
	require.NoError(t, err)

	first.Timestamp = time.Time{}
	second.Timestamp = time.Time{}
	assert.Equal(t, first, second)
	assert.Equal(t, "core_freq", *first.RaspberryPi.GPUFreqSource)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes map[string]string
	collects int
}

func (o *recordingObserver) ObserveSource(name, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[name] = outcome
}

func (o *recordingObserver) ObserveCollect(time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.collects++
}

func TestCollectReportsToObserver(t *testing.T) {
	t.Parallel()

	runner := probetest.New().
		Set(rocmCmd, `{"card0": {}}`).
		Fail(glxinfoCmd, probetest.Exit("glxinfo", 1))

	obs := &recordingObserver{outcomes: make(map[string]string)}
	_, err := New(standard(runner, t.TempDir()), fixedStamper(), nil, WithObserver(obs)).Collect(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, obs.collects)
	assert.Equal(t, map[string]string{
		"nvidia":       "tool_absent",
		"amd":          OutcomeOK,
		"radeontop":    OutcomeSkipped,
		"general":      "tool_absent",
		"opengl":       "non_zero_exit",
		"raspberry_pi": "tool_absent",
		"integrated":   "tool_absent",
	}, obs.outcomes)
}

func TestCollectAbandonsHungTool(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	dir := t.TempDir()
	hung := filepath.Join(dir, "hung")
	require.NoError(t, os.WriteFile(hung, []byte("#!/bin/sh\nsleep 30\n"), 0o755))

	missing := filepath.Join(dir, "missing")
	runner := probe.NewExecRunner(map[string]string{
		source.ToolNVIDIASMI: hung,
		source.ToolROCmSMI:   missing,
		source.ToolRadeontop: missing,
		source.ToolLSHW:      missing,
		source.ToolGLXInfo:   missing,
		source.ToolVCGenCmd:  missing,
	}, nil)

	sources := source.Standard(source.Options{
		Runner: runner,
		Timeouts: source.Timeouts{
			Command:  200 * time.Millisecond,
			Monitor:  200 * time.Millisecond,
			Gate:     200 * time.Millisecond,
			Subprobe: 200 * time.Millisecond,
		},
		SysfsRoot: dir,
	})

	start := time.Now()
	report, err := New(sources, fixedStamper(), nil).Collect(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, report.NVIDIA)
	assert.Equal(t, "nvidia: timeout: nvidia-smi: timed out", report.Messages[0])
}
