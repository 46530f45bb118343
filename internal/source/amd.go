package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

var rocmArgs = []string{"--showproductname", "--showmeminfo", "vram", "--showtemp", "--showuse", "--json"}

const (
	amdSourceJSON = "rocm-smi"
	amdSourceText = "rocm-smi-text"
	amdUnknownSKU = "Unknown"
)

// JSON keys reported by rocm-smi, nested under "vram" or flattened with a "VRAM " prefix.
const (
	rocmKeySKU         = "Card SKU"
	rocmKeyVRAM        = "vram"
	rocmKeyTotal       = "Total Memory (B)"
	rocmKeyUsed        = "Used Memory (B)"
	rocmKeyFree        = "Free Memory (B)"
	rocmKeyFlatTotal   = "VRAM Total Memory (B)"
	rocmKeyFlatUsed    = "VRAM Total Used Memory (B)"
	rocmKeyFlatFree    = "VRAM Total Free Memory (B)"
	rocmKeyTemperature = "Temperature (Sensor edge) (C)"
	rocmKeyUse         = "GPU use (%)"
)

// AMD queries rocm-smi. Absent numeric values default to 0 rather than null,
// the convention of the tool's own report.
type AMD struct {
	Runner  probe.Runner
	Timeout time.Duration
}

func (s *AMD) Name() string     { return "amd" }
func (s *AMD) Group() gpu.Group { return gpu.GroupAMD }

func (s *AMD) Probe(ctx context.Context) (Result, error) {
	out, err := s.Runner.Run(ctx, s.Timeout, ToolROCmSMI, rocmArgs...)
	if err != nil {
		return Result{}, err
	}
	devices, diags, err := ParseAMD(out)
	if err != nil {
		return Result{}, err
	}
	return Result{Devices: devices, Diagnostics: diags}, nil
}

// ParseAMD parses rocm-smi JSON, falling back to the plain text report when the
// output is not JSON at all.
func ParseAMD(out []byte) ([]gpu.Device, []error, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil, nil
	}
	if !json.Valid(trimmed) {
		devices, diags := ParseAMDText(trimmed)
		return devices, diags, nil
	}
	devices, err := parseAMDJSON(trimmed)
	if err != nil {
		return nil, nil, probe.Malformed(ToolROCmSMI, err)
	}
	return devices, nil, nil
}

func parseAMDJSON(data []byte) ([]gpu.Device, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("top-level value is not an object")
	}

	var devices []gpu.Device
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %q: %w", key, err)
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			// Entries that are not objects carry no device.
			continue
		}
		devices = append(devices, amdDeviceFromJSON(key, fields))
	}

	return devices, nil
}

func amdDeviceFromJSON(id string, fields map[string]json.RawMessage) gpu.Device {
	name := amdUnknownSKU
	if raw, ok := fields[rocmKeySKU]; ok {
		var sku string
		if err := json.Unmarshal(raw, &sku); err == nil && strings.TrimSpace(sku) != "" {
			name = strings.TrimSpace(sku)
		}
	}

	var vram map[string]json.RawMessage
	if raw, ok := fields[rocmKeyVRAM]; ok {
		_ = json.Unmarshal(raw, &vram)
	}

	memory := func(nested, flat string) *uint64 {
		if raw, ok := vram[nested]; ok {
			if v, ok := jsonNumber(raw); ok && v >= 0 {
				return uint64Ptr(uint64(v))
			}
		}
		if raw, ok := fields[flat]; ok {
			if v, ok := jsonNumber(raw); ok && v >= 0 {
				return uint64Ptr(uint64(v))
			}
		}
		return uint64Ptr(0)
	}

	number := func(key string) *float64 {
		if raw, ok := fields[key]; ok {
			if v, ok := jsonNumber(raw); ok {
				return float64Ptr(v)
			}
		}
		return float64Ptr(0)
	}

	return gpu.Device{
		ID:          id,
		Family:      gpu.FamilyAMD,
		Name:        name,
		MemoryTotal: memory(rocmKeyTotal, rocmKeyFlatTotal),
		MemoryUsed:  memory(rocmKeyUsed, rocmKeyFlatUsed),
		MemoryFree:  memory(rocmKeyFree, rocmKeyFlatFree),
		Temperature: number(rocmKeyTemperature),
		Utilization: number(rocmKeyUse),
		Source:      amdSourceJSON,
		Vendor:      gpu.VendorAMD,
	}
}

// jsonNumber accepts JSON numbers and numeric strings.
func jsonNumber(raw json.RawMessage) (float64, bool) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return parseFloat(num.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseFloat(s)
	}
	return 0, false
}

// ParseAMDText scans the human readable rocm-smi report. A "Card SKU" line starts
// a new device; values for a device are taken from the text after the last colon.
func ParseAMDText(out []byte) ([]gpu.Device, []error) {
	var (
		devices []gpu.Device
		diags   []error
		pending *gpu.Device
	)

	flush := func() {
		if pending != nil {
			devices = append(devices, *pending)
			pending = nil
		}
	}
	current := func() *gpu.Device {
		if pending == nil {
			d := newAMDTextDevice(len(devices), amdUnknownSKU)
			pending = &d
		}
		return pending
	}

	for lineNo, line := range lines(out) {
		// Section banners carry labels but no value.
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])

		switch {
		case strings.Contains(line, "Card SKU"):
			flush()
			d := newAMDTextDevice(len(devices), value)
			pending = &d
		case strings.Contains(line, "Total Memory"):
			if v, ok := textUint(value, lineNo, &diags); ok {
				current().MemoryTotal = uint64Ptr(v)
			}
		case strings.Contains(line, "Used Memory"):
			if v, ok := textUint(value, lineNo, &diags); ok {
				current().MemoryUsed = uint64Ptr(v)
			}
		case strings.Contains(line, "Temperature"):
			if v, ok := textFloat(firstField(value), lineNo, &diags); ok {
				current().Temperature = float64Ptr(v)
			}
		case strings.Contains(line, "GPU use"):
			pct, _, _ := strings.Cut(value, "%")
			if v, ok := textFloat(pct, lineNo, &diags); ok {
				current().Utilization = float64Ptr(v)
			}
		}
	}
	flush()

	return devices, diags
}

func newAMDTextDevice(index int, name string) gpu.Device {
	if name == "" {
		name = amdUnknownSKU
	}
	return gpu.Device{
		ID:          strconv.Itoa(index),
		Family:      gpu.FamilyAMD,
		Name:        name,
		MemoryTotal: uint64Ptr(0),
		MemoryUsed:  uint64Ptr(0),
		MemoryFree:  uint64Ptr(0),
		Temperature: float64Ptr(0),
		Utilization: float64Ptr(0),
		Source:      amdSourceText,
		Vendor:      gpu.VendorAMD,
	}
}

// textUint and textFloat parse a labelled value, recording a diagnostic on failure.
// A record is only created once a value parses.
func textUint(value string, lineNo int, diags *[]error) (uint64, bool) {
	v, ok := parseUint(firstField(value))
	if !ok {
		*diags = append(*diags, probe.Malformed(ToolROCmSMI, fmt.Errorf("line %d: bad number %q", lineNo+1, value)))
	}
	return v, ok
}

func textFloat(value string, lineNo int, diags *[]error) (float64, bool) {
	v, ok := parseFloat(value)
	if !ok {
		*diags = append(*diags, probe.Malformed(ToolROCmSMI, fmt.Errorf("line %d: bad number %q", lineNo+1, value)))
	}
	return v, ok
}

func firstField(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
