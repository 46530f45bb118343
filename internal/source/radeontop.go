package source

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

var radeontopArgs = []string{"-d", "-", "-l", "1"}

const radeontopName = "AMD GPU (radeontop)"

// Radeontop samples one interval of radeontop. It only runs when rocm-smi
// produced no AMD devices.
type Radeontop struct {
	Runner  probe.Runner
	Timeout time.Duration
}

func (s *Radeontop) Name() string     { return "radeontop" }
func (s *Radeontop) Group() gpu.Group { return gpu.GroupAMD }

func (s *Radeontop) Probe(ctx context.Context) (Result, error) {
	out, err := s.Runner.Run(ctx, s.Timeout, ToolRadeontop, radeontopArgs...)
	if err != nil {
		return Result{}, err
	}
	return Result{Devices: ParseRadeontop(out)}, nil
}

// ParseRadeontop emits one device per dump line carrying a percentage. The
// utilization is the first token that reads as a number followed by "%".
func ParseRadeontop(out []byte) []gpu.Device {
	var devices []gpu.Device
	for _, line := range lines(out) {
		if !strings.Contains(line, "%") {
			continue
		}
		util, ok := firstPercent(line)
		if !ok {
			continue
		}
		devices = append(devices, gpu.Device{
			ID:          strconv.Itoa(len(devices)),
			Family:      gpu.FamilyAMD,
			Name:        radeontopName,
			Utilization: float64Ptr(util),
			Source:      ToolRadeontop,
			Vendor:      gpu.VendorAMD,
		})
	}
	return devices
}

func firstPercent(line string) (float64, bool) {
	for _, token := range strings.Fields(line) {
		token = strings.TrimRight(token, ",;")
		number, ok := strings.CutSuffix(token, "%")
		if !ok {
			continue
		}
		if value, ok := parseFloat(number); ok {
			return value, true
		}
	}
	return 0, false
}
