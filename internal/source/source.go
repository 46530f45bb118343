// Package source probes individual GPU tools and kernel interfaces and parses their output.
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

// Tool names as invoked through the probe runner.
const (
	ToolNVIDIASMI = "nvidia-smi"
	ToolROCmSMI   = "rocm-smi"
	ToolRadeontop = "radeontop"
	ToolLSHW      = "lshw"
	ToolGLXInfo   = "glxinfo"
	ToolVCGenCmd  = "vcgencmd"
)

// Result is the contribution of one source to a report.
type Result struct {
	Devices     []gpu.Device
	General     json.RawMessage
	OpenGL      *string
	RaspberryPi *gpu.RaspberryPi
	// Diagnostics are non-fatal problems found while parsing output that still produced data.
	Diagnostics []error
}

// Source owns exactly one tool or kernel interface.
type Source interface {
	Name() string
	// Group is the device list this source fills, or "" when it produces no device records.
	// A source with a group is skipped once an earlier source has populated that group.
	Group() gpu.Group
	Probe(ctx context.Context) (Result, error)
}

// Timeouts bounds each class of probe.
type Timeouts struct {
	Command  time.Duration
	Monitor  time.Duration
	Gate     time.Duration
	Subprobe time.Duration
}

// DefaultTimeouts matches the cost of each tool class.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Command:  10 * time.Second,
		Monitor:  5 * time.Second,
		Gate:     5 * time.Second,
		Subprobe: 2 * time.Second,
	}
}

// Options configures the standard source set.
type Options struct {
	Runner       probe.Runner
	Timeouts     Timeouts
	SysfsRoot    string
	DetectVendor bool
}

// Standard returns the sources in probe order.
func Standard(opts Options) []Source {
	t := opts.Timeouts
	return []Source{
		&NVIDIA{Runner: opts.Runner, Timeout: t.Command},
		&AMD{Runner: opts.Runner, Timeout: t.Command},
		&Radeontop{Runner: opts.Runner, Timeout: t.Monitor},
		&General{Runner: opts.Runner, Timeout: t.Command},
		&OpenGL{Runner: opts.Runner, Timeout: t.Command},
		&RaspberryPi{Runner: opts.Runner, GateTimeout: t.Gate, SubprobeTimeout: t.Subprobe},
		&Integrated{SysfsRoot: opts.SysfsRoot, DetectVendor: opts.DetectVendor},
	}
}
