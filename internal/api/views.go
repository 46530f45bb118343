// Package api shapes collected reports into the JSON views served to clients.
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
)

// View selects a slice of the report.
type View string

const (
	ViewFull        View = ""
	ViewNVIDIA      View = "nvidia"
	ViewAMD         View = "amd"
	ViewIntegrated  View = "integrated"
	ViewRaspberryPi View = "raspberry-pi"
	ViewGeneral     View = "general"
	ViewOpenGL      View = "opengl"
	ViewMessages    View = "messages"
)

// Views lists the named slices in route order.
var Views = []View{ViewNVIDIA, ViewAMD, ViewIntegrated, ViewRaspberryPi, ViewGeneral, ViewOpenGL, ViewMessages}

// ParseView accepts a view name. The empty string and "full" select the full report.
func ParseView(name string) (View, error) {
	if name == "" || name == "full" {
		return ViewFull, nil
	}
	for _, v := range Views {
		if string(v) == name {
			return v, nil
		}
	}
	return "", fmt.Errorf("unknown view %q", name)
}

var emptyObject = json.RawMessage(`{}`)

// DevicesView is a single device family with the collection context.
type DevicesView struct {
	NVIDIA     *[]gpu.Device `json:"nvidia,omitempty"`
	AMD        *[]gpu.Device `json:"amd,omitempty"`
	Integrated *[]gpu.Device `json:"integrated,omitempty"`
	Messages   []string      `json:"messages"`
	Timestamp  time.Time     `json:"timestamp"`
}

// RaspberryPiView is the VideoCore report with the collection context.
type RaspberryPiView struct {
	RaspberryPi gpu.RaspberryPi `json:"raspberry_pi"`
	Messages    []string        `json:"messages"`
	Timestamp   time.Time       `json:"timestamp"`
}

// GeneralView carries the verbatim hardware listing, {} when none was produced.
type GeneralView struct {
	General   json.RawMessage `json:"general"`
	Messages  []string        `json:"messages"`
	Timestamp time.Time       `json:"timestamp"`
}

// OpenGLView carries the OpenGL info text, {} when none was produced.
type OpenGLView struct {
	OpenGL    any       `json:"opengl"`
	Messages  []string  `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary counts devices per family for quick health checks.
type Summary struct {
	NVIDIACount          int  `json:"nvidia_count"`
	AMDCount             int  `json:"amd_count"`
	IntegratedCount      int  `json:"integrated_count"`
	RaspberryPiAvailable bool `json:"raspberry_pi_available"`
	OpenGLAvailable      bool `json:"opengl_available"`
	GeneralAvailable     bool `json:"general_available"`
}

// MessagesView lists diagnostics with the summary.
type MessagesView struct {
	Messages  []string  `json:"messages"`
	Summary   Summary   `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Full returns the report as served by the full view, with messages never null.
func Full(report gpu.Report) gpu.Report {
	report.Messages = messages(report)
	return report
}

// Summarize counts devices and availability flags of report.
func Summarize(report gpu.Report) Summary {
	return Summary{
		NVIDIACount:          len(report.NVIDIA),
		AMDCount:             len(report.AMD),
		IntegratedCount:      len(report.Integrated),
		RaspberryPiAvailable: report.RaspberryPi.Available,
		OpenGLAvailable:      report.OpenGL != nil,
		GeneralAvailable:     len(report.General) > 0,
	}
}

// Render selects view from report.
func Render(report gpu.Report, view View) (any, error) {
	msgs := messages(report)
	ts := report.Timestamp

	switch view {
	case ViewFull:
		return Full(report), nil
	case ViewNVIDIA:
		return DevicesView{NVIDIA: devices(report.NVIDIA), Messages: msgs, Timestamp: ts}, nil
	case ViewAMD:
		return DevicesView{AMD: devices(report.AMD), Messages: msgs, Timestamp: ts}, nil
	case ViewIntegrated:
		return DevicesView{Integrated: devices(report.Integrated), Messages: msgs, Timestamp: ts}, nil
	case ViewRaspberryPi:
		return RaspberryPiView{RaspberryPi: report.RaspberryPi, Messages: msgs, Timestamp: ts}, nil
	case ViewGeneral:
		general := report.General
		if len(general) == 0 {
			general = emptyObject
		}
		return GeneralView{General: general, Messages: msgs, Timestamp: ts}, nil
	case ViewOpenGL:
		var opengl any = emptyObject
		if report.OpenGL != nil {
			opengl = *report.OpenGL
		}
		return OpenGLView{OpenGL: opengl, Messages: msgs, Timestamp: ts}, nil
	case ViewMessages:
		return MessagesView{Messages: msgs, Summary: Summarize(report), Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("unknown view %q", view)
	}
}

func devices(list []gpu.Device) *[]gpu.Device {
	if list == nil {
		list = []gpu.Device{}
	}
	return &list
}

func messages(report gpu.Report) []string {
	if report.Messages == nil {
		return []string{}
	}
	return report.Messages
}
