package gpu

import (
	"encoding/json"
	"time"
)

// Family identifies the hardware family of a single device record.
type Family string

const (
	FamilyNVIDIA          Family = "nvidia"
	FamilyAMD             Family = "amd"
	FamilyIntegratedIntel Family = "integrated-intel"
	FamilyIntegratedAMD   Family = "integrated-amd"
)

// Group is the report key under which device records of related families are listed.
type Group string

const (
	GroupNVIDIA     Group = "nvidia"
	GroupAMD        Group = "amd"
	GroupIntegrated Group = "integrated"
)

// Group maps a device family to its report key.
func (f Family) Group() Group {
	switch f {
	case FamilyNVIDIA:
		return GroupNVIDIA
	case FamilyAMD:
		return GroupAMD
	case FamilyIntegratedIntel, FamilyIntegratedAMD:
		return GroupIntegrated
	default:
		return ""
	}
}

// Integrated device type tags.
const (
	TypeIntel = "Intel"
	TypeAMD   = "AMD"
)

// Vendor strings attached to device records.
const (
	VendorNVIDIA  = "NVIDIA Corporation"
	VendorAMD     = "Advanced Micro Devices, Inc."
	VendorIntel   = "Intel Corporation"
	VendorUnknown = "Unknown"
)

// Device is one normalized GPU entry. Pointer fields serialize as null when unavailable.
//
// Units are fixed regardless of the source: bytes for memory, degrees Celsius for
// temperature, percent for utilization and MHz for frequency.
type Device struct {
	ID          string   `json:"id"`
	Family      Family   `json:"family"`
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	MemoryTotal *uint64  `json:"memory_total"`
	MemoryUsed  *uint64  `json:"memory_used"`
	MemoryFree  *uint64  `json:"memory_free"`
	Temperature *float64 `json:"temperature"`
	Utilization *float64 `json:"utilization"`
	Frequency   *float64 `json:"frequency"`
	Source      string   `json:"source"`
	Vendor      string   `json:"vendor"`
}

// Throttling is the decoded get_throttled bit field of a VideoCore GPU.
type Throttling struct {
	Raw                     string `json:"raw"`
	UnderVoltage            bool   `json:"under_voltage"`
	FrequencyCapped         bool   `json:"frequency_capped"`
	Throttled               bool   `json:"throttled"`
	SoftTempLimit           bool   `json:"soft_temp_limit"`
	UnderVoltageOccurred    bool   `json:"under_voltage_occurred"`
	FrequencyCappedOccurred bool   `json:"frequency_capped_occurred"`
	ThrottledOccurred       bool   `json:"throttled_occurred"`
	SoftTempLimitOccurred   bool   `json:"soft_temp_limit_occurred"`
}

// RaspberryPi describes a VideoCore GPU. It is not a Device because the
// firmware tool exposes a different metric set.
type RaspberryPi struct {
	Available     bool        `json:"available"`
	Type          string      `json:"type"`
	GPUMemory     *uint64     `json:"gpu_memory"`
	RelocMemory   *uint64     `json:"reloc_memory"`
	MallocMemory  *uint64     `json:"malloc_memory"`
	TotalMemory   *uint64     `json:"total_memory"`
	CoreClock     *uint64     `json:"core_clock"`
	V3DClock      *uint64     `json:"v3d_clock"`
	ISPClock      *uint64     `json:"isp_clock"`
	HEVCClock     *uint64     `json:"hevc_clock"`
	H264Clock     *uint64     `json:"h264_clock"`
	Temperature   *float64    `json:"temperature"`
	Throttled     *Throttling `json:"throttled"`
	Voltage       *float64    `json:"voltage"`
	Frequency     *string     `json:"frequency"`
	GPUFreq       *uint64     `json:"gpu_freq"`
	GPUFreqSource *string     `json:"gpu_freq_source"`
}

type raspberryPiAlias RaspberryPi

// MarshalJSON collapses an unavailable report to {"available":false}.
func (r RaspberryPi) MarshalJSON() ([]byte, error) {
	if !r.Available {
		return []byte(`{"available":false}`), nil
	}
	return json.Marshal(raspberryPiAlias(r))
}

// Report is the unified result of one collection pass.
type Report struct {
	NVIDIA      []Device        `json:"nvidia,omitempty"`
	AMD         []Device        `json:"amd,omitempty"`
	Integrated  []Device        `json:"integrated,omitempty"`
	General     json.RawMessage `json:"general,omitempty"`
	OpenGL      *string         `json:"opengl,omitempty"`
	RaspberryPi RaspberryPi     `json:"raspberry_pi"`
	Messages    []string        `json:"messages"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Devices returns the device list stored under the given group.
func (r *Report) Devices(group Group) []Device {
	switch group {
	case GroupNVIDIA:
		return r.NVIDIA
	case GroupAMD:
		return r.AMD
	case GroupIntegrated:
		return r.Integrated
	default:
		return nil
	}
}

// AddDevices appends device records to the list of the given group.
func (r *Report) AddDevices(group Group, devices ...Device) {
	if len(devices) == 0 {
		return
	}
	switch group {
	case GroupNVIDIA:
		r.NVIDIA = append(r.NVIDIA, devices...)
	case GroupAMD:
		r.AMD = append(r.AMD, devices...)
	case GroupIntegrated:
		r.Integrated = append(r.Integrated, devices...)
	}
}
