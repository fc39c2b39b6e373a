package mining

import (
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/klauspost/cpuid/v2"
	"github.com/pbnjay/memory"
	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// EnumerateDevices discovers the host's compute devices: one CPU entry
// followed by every discrete graphics card. Indices are assigned in
// discovery order and become the workers' farm positions.
func EnumerateDevices(logger *zap.Logger) []DeviceDescriptor {
	log := logger.Named("enumerate")
	var devices []DeviceDescriptor

	devices = append(devices, enumerateCPU(log))

	for _, d := range enumerateGPUs(log) {
		d.Index = uint32(len(devices))
		devices = append(devices, d)
	}
	return devices
}

func enumerateCPU(log *zap.Logger) DeviceDescriptor {
	threads, err := cpu.Counts(true)
	if err != nil || threads < 1 {
		log.Warn("cpu count detection failed, assuming 1", zap.Error(err))
		threads = 1
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = "Generic CPU"
	}

	return DeviceDescriptor{
		Kind:         KindCPU,
		Index:        0,
		Name:         name,
		TotalMemory:  memory.TotalMemory(),
		ComputeUnits: uint32(threads),
	}
}

func enumerateGPUs(log *zap.Logger) []DeviceDescriptor {
	info, err := ghw.GPU()
	if err != nil {
		log.Warn("gpu enumeration unavailable", zap.Error(err))
		return nil
	}

	var devices []DeviceDescriptor
	for i, card := range info.GraphicsCards {
		if card.DeviceInfo == nil {
			continue
		}
		vendor := ""
		name := "Unknown GPU"
		if card.DeviceInfo.Vendor != nil {
			vendor = card.DeviceInfo.Vendor.Name
		}
		if card.DeviceInfo.Product != nil {
			name = card.DeviceInfo.Product.Name
		}

		kind := KindFamilyB
		if strings.Contains(strings.ToLower(vendor), "nvidia") {
			kind = KindFamilyA
		}

		devices = append(devices, DeviceDescriptor{
			Kind:        kind,
			Name:        name,
			DeviceIndex: uint32(i),
		})
		log.Info("gpu discovered",
			zap.String("name", name),
			zap.String("vendor", vendor),
			zap.Stringer("family", kind))
	}
	return devices
}
