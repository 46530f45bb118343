package gpu

import (
	"strings"
	"sync"

	"github.com/jaypipes/pcidb"
)

var (
	pciOnce sync.Once
	pciDB   *pcidb.PCIDB
	pciErr  error
)

func lookupVendorName(vendorID string) string {
	if vendorID == "" {
		return ""
	}
	db := loadPCIDatabase()
	if db == nil {
		return fallbackVendorName(vendorID)
	}
	if vendor, ok := db.Vendors[vendorID]; ok && vendor != nil && vendor.Name != "" {
		return vendor.Name
	}
	return fallbackVendorName(vendorID)
}

// fallbackVendorName covers hosts without a pci.ids database.
func fallbackVendorName(vendorID string) string {
	switch vendorID {
	case PCIVendorAMD:
		return VendorAMD
	case PCIVendorNVIDIA:
		return VendorNVIDIA
	case PCIVendorIntel:
		return VendorIntel
	default:
		return ""
	}
}

func lookupDeviceName(vendorID, deviceID, subVendorID, subDeviceID string) string {
	if vendorID == "" || deviceID == "" {
		return ""
	}

	db := loadPCIDatabase()
	if db == nil {
		return ""
	}

	product, ok := db.Products[vendorID+deviceID]
	if !ok || product == nil {
		return ""
	}

	subVendorID = normalizePCIID(subVendorID)
	subDeviceID = normalizePCIID(subDeviceID)
	if subVendorID != "" && subDeviceID != "" {
		for _, subsystem := range product.Subsystems {
			if subsystem == nil || subsystem.Name == "" {
				continue
			}
			if strings.EqualFold(subsystem.VendorID, subVendorID) && strings.EqualFold(subsystem.ID, subDeviceID) {
				return subsystem.Name
			}
		}
	}

	return product.Name
}

func loadPCIDatabase() *pcidb.PCIDB {
	pciOnce.Do(func() {
		pciDB, pciErr = pcidb.New()
	})
	if pciErr != nil || pciDB == nil {
		return nil
	}
	return pciDB
}

func normalizePCIID(raw string) string {
	value := strings.TrimSpace(raw)
	value = strings.TrimPrefix(value, "0x")
	value = strings.TrimPrefix(value, "0X")
	if value == "" {
		return ""
	}
	value = strings.ToLower(value)
	if len(value) < 4 {
		value = strings.Repeat("0", 4-len(value)) + value
	}
	return value
}

func splitPCIIdentifier(pciID string) (string, string) {
	first, second, ok := strings.Cut(pciID, ":")
	if !ok {
		return "", ""
	}
	return first, second
}

func shouldUseResolvedName(current, resolved string) bool {
	if resolved == "" {
		return false
	}
	lower := strings.ToLower(strings.TrimSpace(current))
	switch lower {
	case "", "amdgpu", "radeon", "i915", "xe", "nouveau", "unknown":
		return true
	}
	return strings.HasPrefix(lower, "pci device") || strings.HasPrefix(lower, "0x")
}
