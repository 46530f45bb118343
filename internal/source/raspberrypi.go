package source

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

const videoCoreType = "VideoCore IV"

// Config keys consulted for the GPU frequency, primary first.
var gpuFreqKeys = []string{"gpu_freq", "core_freq", "v3d_freq", "hevc_freq"}

var (
	memoryPattern = regexp.MustCompile(`=\s*([0-9]+(?:\.[0-9]+)?)\s*([KMGkmg]?)`)
	clockPattern  = regexp.MustCompile(`frequency\([0-9]+\)=([0-9]+)`)
	tempPattern   = regexp.MustCompile(`temp=(-?[0-9]+(?:\.[0-9]+)?)`)
	voltPattern   = regexp.MustCompile(`volt=([0-9]+(?:\.[0-9]+)?)`)
	hexPattern    = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	configPattern = map[string]*regexp.Regexp{}
)

func init() {
	for _, key := range gpuFreqKeys {
		configPattern[key] = regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(key) + `=([0-9]+)`)
	}
}

// RaspberryPi queries the VideoCore firmware through vcgencmd. The GPU memory
// query gates every other sub-probe; each sub-probe failing nulls only its field.
type RaspberryPi struct {
	Runner          probe.Runner
	GateTimeout     time.Duration
	SubprobeTimeout time.Duration
}

func (s *RaspberryPi) Name() string     { return "raspberry_pi" }
func (s *RaspberryPi) Group() gpu.Group { return "" }

func (s *RaspberryPi) Probe(ctx context.Context) (Result, error) {
	gate, err := s.Runner.Run(ctx, s.GateTimeout, ToolVCGenCmd, "get_mem", "gpu")
	if err != nil {
		return Result{}, err
	}

	var diags []error
	report := gpu.RaspberryPi{Available: true, Type: videoCoreType}

	sub := func(field string, args ...string) (string, bool) {
		out, err := s.Runner.Run(ctx, s.SubprobeTimeout, ToolVCGenCmd, args...)
		if err != nil {
			diags = append(diags, fmt.Errorf("%s: %w", field, err))
			return "", false
		}
		return strings.TrimSpace(string(out)), true
	}
	parsed := func(field, raw string, ok bool) bool {
		if !ok {
			diags = append(diags, fmt.Errorf("%s: %w", field, probe.Malformed(ToolVCGenCmd, fmt.Errorf("unexpected output %q", raw))))
		}
		return ok
	}

	gateOut := strings.TrimSpace(string(gate))
	report.GPUMemory = parseMemoryBytes(gateOut)
	parsed("gpu_memory", gateOut, report.GPUMemory != nil)

	memory := []struct {
		segment string
		dst     **uint64
	}{
		{"reloc", &report.RelocMemory},
		{"malloc", &report.MallocMemory},
		{"total", &report.TotalMemory},
	}
	for _, m := range memory {
		if out, ok := sub(m.segment+"_memory", "get_mem", m.segment); ok {
			*m.dst = parseMemoryBytes(out)
			parsed(m.segment+"_memory", out, *m.dst != nil)
		}
	}

	clocks := []struct {
		name string
		dst  **uint64
	}{
		{"core", &report.CoreClock},
		{"v3d", &report.V3DClock},
		{"isp", &report.ISPClock},
		{"hevc", &report.HEVCClock},
		{"h264", &report.H264Clock},
	}
	for _, c := range clocks {
		if out, ok := sub(c.name+"_clock", "measure_clock", c.name); ok {
			*c.dst = parseClockHz(out)
			parsed(c.name+"_clock", out, *c.dst != nil)
		}
	}

	if out, ok := sub("temperature", "measure_temp"); ok {
		report.Temperature = matchFloat(tempPattern, out)
		parsed("temperature", out, report.Temperature != nil)
	}
	if out, ok := sub("throttled", "get_throttled"); ok {
		report.Throttled = ParseThrottled(out)
		parsed("throttled", out, report.Throttled != nil)
	}
	if out, ok := sub("voltage", "measure_volts"); ok {
		report.Voltage = matchFloat(voltPattern, out)
		parsed("voltage", out, report.Voltage != nil)
	}
	if out, ok := sub("frequency", "get_config", "int", "gpu_freq"); ok {
		report.Frequency = stringPtr(out)
		report.GPUFreq, report.GPUFreqSource = ParseGPUFreq(out)
	}

	return Result{RaspberryPi: &report, Diagnostics: diags}, nil
}

// ParseGPUFreq returns the GPU frequency in MHz from a get_config dump and the
// key it came from, trying gpu_freq, core_freq, v3d_freq and hevc_freq in order.
func ParseGPUFreq(dump string) (*uint64, *string) {
	for _, key := range gpuFreqKeys {
		m := configPattern[key].FindStringSubmatch(dump)
		if m == nil {
			continue
		}
		value, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		return uint64Ptr(value), stringPtr(key)
	}
	return nil, nil
}

// ParseThrottled decodes "throttled=0x50005".
func ParseThrottled(out string) *gpu.Throttling {
	raw := hexPattern.FindString(out)
	if raw == "" {
		return nil
	}
	bits, err := strconv.ParseUint(raw[2:], 16, 32)
	if err != nil {
		return nil
	}
	set := func(bit uint) bool { return bits&(1<<bit) != 0 }
	return &gpu.Throttling{
		Raw:                     raw,
		UnderVoltage:            set(0),
		FrequencyCapped:         set(1),
		Throttled:               set(2),
		SoftTempLimit:           set(3),
		UnderVoltageOccurred:    set(16),
		FrequencyCappedOccurred: set(17),
		ThrottledOccurred:       set(18),
		SoftTempLimitOccurred:   set(19),
	}
}

func parseClockHz(out string) *uint64 {
	m := clockPattern.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	value, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return uint64Ptr(value)
}

// parseMemoryBytes converts "gpu=76M" style values to bytes.
func parseMemoryBytes(out string) *uint64 {
	m := memoryPattern.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	value, ok := parseFloat(m[1])
	if !ok {
		return nil
	}
	switch strings.ToUpper(m[2]) {
	case "K":
		value *= 1 << 10
	case "M":
		value *= 1 << 20
	case "G":
		value *= 1 << 30
	}
	return uint64Ptr(uint64(value))
}

func matchFloat(pattern *regexp.Regexp, out string) *float64 {
	m := pattern.FindStringSubmatch(out)
	if m == nil {
		return nil
	}
	value, ok := parseFloat(m[1])
	if !ok {
		return nil
	}
	return float64Ptr(value)
}
