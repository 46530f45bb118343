package gpu

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"
	"unicode"
)

const drmClassPath = "class/drm"

// PCI vendor IDs of GPU makers.
const (
	PCIVendorAMD    = "1002"
	PCIVendorNVIDIA = "10de"
	PCIVendorIntel  = "8086"
)

// Card is a DRM card exposed via sysfs.
type Card struct {
	ID         string `json:"id"`
	PCI        string `json:"pci,omitempty"`
	VendorID   string `json:"vendor_id,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	Name       string `json:"name,omitempty"`
	RenderNode string `json:"render_node,omitempty"`
}

// IntegratedType maps a PCI vendor to the integrated device type tag.
// It returns "" for vendors without integrated parts we can report.
func (c Card) IntegratedType() string {
	switch c.VendorID {
	case PCIVendorIntel:
		return TypeIntel
	case PCIVendorAMD:
		return TypeAMD
	default:
		return ""
	}
}

// Discover enumerates DRM cards under root/class/drm. A missing class directory yields no cards.
func Discover(root string, logger *slog.Logger) ([]Card, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("drm class path missing", "root", root)
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []Card
	for _, entry := range entries {
		name := entry.Name()
		if !isCardName(name) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		card, err := inspect(sysRoot, name)
		if err != nil {
			logger.Warn("failed to inspect card", "card", name, "err", err)
			continue
		}
		cards = append(cards, card)
	}

	return cards, nil
}

// InspectCard reads PCI identity of a single card, e.g. "card0".
func InspectCard(root, card string) (Card, error) {
	if !isCardName(card) {
		return Card{}, fmt.Errorf("invalid card name %q", card)
	}
	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return Card{}, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	return inspect(sysRoot, card)
}

func inspect(sysRoot *os.Root, card string) (Card, error) {
	deviceRoot, err := sysRoot.OpenRoot(path.Join(drmClassPath, card, "device"))
	if err != nil {
		return Card{}, fmt.Errorf("open device root: %w", err)
	}
	defer deviceRoot.Close()

	var (
		pciSlot   string
		pciID     string
		name      string
		subVendor string
		subDevice string
	)

	if data, err := deviceRoot.ReadFile("uevent"); err == nil {
		text := string(data)
		pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		pciID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			subVendor, subDevice = splitPCIIdentifier(subsys)
		}
		name = parseKeyValue(text, "PCI_ID_NAME")
	}

	if pciID == "" {
		vendor, verr := readTrim(deviceRoot, "vendor")
		device, derr := readTrim(deviceRoot, "device")
		if verr == nil && derr == nil {
			pciID = vendor + ":" + device
		} else if verr == nil {
			pciID = vendor + ":"
		}
	}

	if name == "" {
		name, _ = readTrim(deviceRoot, "product_name")
	}
	if subVendor == "" {
		subVendor, _ = readTrim(deviceRoot, "subsystem_vendor")
	}
	if subDevice == "" {
		subDevice, _ = readTrim(deviceRoot, "subsystem_device")
	}

	vendorID, deviceID := splitPCIIdentifier(pciID)
	vendorID = normalizePCIID(vendorID)
	deviceID = normalizePCIID(deviceID)

	if resolved := lookupDeviceName(vendorID, deviceID, subVendor, subDevice); shouldUseResolvedName(name, resolved) {
		name = resolved
	}

	return Card{
		ID:         card,
		PCI:        pciSlot,
		VendorID:   vendorID,
		DeviceID:   deviceID,
		Vendor:     lookupVendorName(vendorID),
		Name:       name,
		RenderNode: findRenderNode(deviceRoot),
	}, nil
}

func findRenderNode(deviceRoot *os.Root) string {
	entries, err := fs.ReadDir(deviceRoot.FS(), "drm")
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "renderD") {
			return path.Join("/dev/dri", entry.Name())
		}
	}
	return ""
}

func isCardName(name string) bool {
	return strings.HasPrefix(name, "card") && allDigits(name[4:])
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if value, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func readTrim(root *os.Root, name string) (string, error) {
	data, err := root.ReadFile(name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
