package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path"
	"strings"

	"github.com/skobkin/gputelemetry-web/internal/gpu"
	"github.com/skobkin/gputelemetry-web/internal/probe"
)

const (
	integratedCard   = "card0"
	integratedSource = "sysfs"
	busyPercentFile  = "gpu_busy_percent"
	hwmonTempFile    = "temp1_input"
)

// ErrVendorUnknown is reported when card0's PCI vendor cannot be attributed to
// an integrated GPU maker and both candidate records are emitted instead.
var ErrVendorUnknown = errors.New("integrated GPU vendor unknown, reporting Intel and AMD candidates")

// Integrated reads the busy percentage of card0 from sysfs. The PCI vendor of
// the card decides whether an Intel or an AMD record is produced.
type Integrated struct {
	SysfsRoot    string
	DetectVendor bool
}

func (s *Integrated) Name() string     { return "integrated" }
func (s *Integrated) Group() gpu.Group { return gpu.GroupIntegrated }

func (s *Integrated) Probe(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	devicePath := path.Join("class/drm", integratedCard, "device")
	raw, err := probe.ReadFile(s.SysfsRoot, path.Join(devicePath, busyPercentFile))
	if err != nil {
		return Result{}, err
	}
	busy, ok := parseBusyPercent(string(raw))
	if !ok {
		return Result{}, probe.Malformed(busyPercentFile, fmt.Errorf("unexpected value %q", strings.TrimSpace(string(raw))))
	}

	metrics := s.readMetrics(devicePath)
	metrics.Utilization = float64Ptr(busy)

	var (
		card  gpu.Card
		diags []error
	)
	if s.DetectVendor {
		card, err = gpu.InspectCard(s.SysfsRoot, integratedCard)
		if err != nil {
			diags = append(diags, fmt.Errorf("inspect %s: %w", integratedCard, err))
		}
	}

	if typ := card.IntegratedType(); typ != "" {
		return Result{Devices: []gpu.Device{integratedDevice(typ, card.Name, metrics)}, Diagnostics: diags}, nil
	}

	if s.DetectVendor {
		diags = append(diags, ErrVendorUnknown)
	}
	return Result{
		Devices: []gpu.Device{
			integratedDevice(gpu.TypeIntel, "", metrics),
			integratedDevice(gpu.TypeAMD, "", metrics),
		},
		Diagnostics: diags,
	}, nil
}

func integratedDevice(typ, name string, metrics gpu.Device) gpu.Device {
	family := gpu.FamilyIntegratedIntel
	if typ == gpu.TypeAMD {
		family = gpu.FamilyIntegratedAMD
	}
	if name == "" {
		name = typ + " Integrated GPU"
	}

	d := metrics
	d.ID = integratedCard
	d.Family = family
	d.Name = name
	d.Type = typ
	d.Source = integratedSource
	return d
}

// readMetrics collects optional VRAM and temperature values next to the busy file.
// Missing files leave the fields null.
func (s *Integrated) readMetrics(devicePath string) gpu.Device {
	var d gpu.Device

	root, err := os.OpenRoot(s.SysfsRoot)
	if err != nil {
		return d
	}
	defer root.Close()

	d.MemoryTotal = readUint(root, path.Join(devicePath, "mem_info_vram_total"))
	d.MemoryUsed = readUint(root, path.Join(devicePath, "mem_info_vram_used"))
	if d.MemoryTotal != nil && d.MemoryUsed != nil && *d.MemoryTotal >= *d.MemoryUsed {
		d.MemoryFree = uint64Ptr(*d.MemoryTotal - *d.MemoryUsed)
	}

	hwmonDir := path.Join(devicePath, "hwmon")
	entries, err := fs.ReadDir(root.FS(), hwmonDir)
	if err != nil {
		return d
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "hwmon") {
			continue
		}
		if milli, ok := readFloat(root, path.Join(hwmonDir, entry.Name(), hwmonTempFile)); ok {
			d.Temperature = float64Ptr(milli / 1000)
			break
		}
	}
	return d
}

// parseBusyPercent reads the busy value. Some kernels report it scaled by 100.
func parseBusyPercent(raw string) (float64, bool) {
	value, ok := parseFloat(raw)
	if !ok || value < 0 {
		return 0, false
	}
	if value > 100 {
		value = math.Min(value/100, 100)
	}
	return value, true
}

func readUint(root *os.Root, name string) *uint64 {
	data, err := root.ReadFile(name)
	if err != nil {
		return nil
	}
	value, ok := parseUint(string(data))
	if !ok {
		return nil
	}
	return uint64Ptr(value)
}

func readFloat(root *os.Root, name string) (float64, bool) {
	data, err := root.ReadFile(name)
	if err != nil {
		return 0, false
	}
	return parseFloat(string(data))
}
