package source

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

var nvidiaQueryArgs = []string{
	"--query-gpu=name,memory.total,memory.used,memory.free,temperature.gpu,utilization.gpu",
	"--format=csv,noheader,nounits",
}

const nvidiaFieldCount = 6

// NVIDIA queries nvidia-smi for per-GPU memory, temperature and utilization.
type NVIDIA struct {
	Runner  probe.Runner
	Timeout time.Duration
}

func (s *NVIDIA) Name() string     { return "nvidia" }
func (s *NVIDIA) Group() gpu.Group { return gpu.GroupNVIDIA }

func (s *NVIDIA) Probe(ctx context.Context) (Result, error) {
	out, err := s.Runner.Run(ctx, s.Timeout, ToolNVIDIASMI, nvidiaQueryArgs...)
	if err != nil {
		return Result{}, err
	}
	devices, diags := ParseNVIDIA(out)
	return Result{Devices: devices, Diagnostics: diags}, nil
}

// ParseNVIDIA parses headerless, unitless CSV rows. Rows with fewer than six
// fields are skipped and reported; values the tool cannot supply, such as
// "[N/A]", leave only that field null. Memory is converted from MiB to bytes.
func ParseNVIDIA(out []byte) ([]gpu.Device, []error) {
	var (
		devices []gpu.Device
		diags   []error
	)

	index := 0
	for lineNo, line := range lines(out) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, ", ")
		if len(parts) < nvidiaFieldCount {
			diags = append(diags, probe.FieldCount(ToolNVIDIASMI, lineNo+1, len(parts), nvidiaFieldCount))
			continue
		}
		position := index
		index++

		devices = append(devices, gpu.Device{
			ID:          strconv.Itoa(position),
			Family:      gpu.FamilyNVIDIA,
			Name:        strings.TrimSpace(parts[0]),
			MemoryTotal: mibField(parts[1]),
			MemoryUsed:  mibField(parts[2]),
			MemoryFree:  mibField(parts[3]),
			Temperature: floatField(parts[4]),
			Utilization: floatField(parts[5]),
			Source:      ToolNVIDIASMI,
			Vendor:      gpu.VendorNVIDIA,
		})
	}

	return devices, diags
}

func mibField(raw string) *uint64 {
	value, ok := parseUint(raw)
	if !ok {
		return nil
	}
	return uint64Ptr(value * bytesPerMiB)
}

func floatField(raw string) *float64 {
	value, ok := parseFloat(raw)
	if !ok {
		return nil
	}
	return float64Ptr(value)
}
