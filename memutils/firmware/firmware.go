// Package firmware describes the firmware's view of physical memory: the memory map the
// placement search reads, the page allocator that reserves firmware quanta, and the ledger of
// partially used quanta shared by every relocator in the loader.
package firmware

//go:generate mockgen -source firmware.go -destination ./mocks/firmware.go -package mock_firmware

// MemoryType classifies a firmware memory map entry
type MemoryType uint32

const (
	MemoryAvailable MemoryType = iota + 1
	MemoryReserved
	MemoryACPIReclaimable
	MemoryNVS
	MemoryUnusable
	MemoryPersistent
	MemoryMMIO
	MemoryBootServicesCode
	MemoryBootServicesData
	MemoryRuntimeServicesCode
	MemoryRuntimeServicesData
	MemoryLoaderCode
	MemoryLoaderData
)

var memoryTypeMapping = map[MemoryType]string{
	MemoryAvailable:           "Available",
	MemoryReserved:            "Reserved",
	MemoryACPIReclaimable:     "ACPIReclaimable",
	MemoryNVS:                 "NVS",
	MemoryUnusable:            "Unusable",
	MemoryPersistent:          "Persistent",
	MemoryMMIO:                "MMIO",
	MemoryBootServicesCode:    "BootServicesCode",
	MemoryBootServicesData:    "BootServicesData",
	MemoryRuntimeServicesCode: "RuntimeServicesCode",
	MemoryRuntimeServicesData: "RuntimeServicesData",
	MemoryLoaderCode:          "LoaderCode",
	MemoryLoaderData:          "LoaderData",
}

func (t MemoryType) String() string {
	str, ok := memoryTypeMapping[t]
	if !ok {
		return "Unknown"
	}
	return str
}

func (t MemoryType) transient() bool {
	return t == MemoryBootServicesCode || t == MemoryBootServicesData
}

// Usable reports whether the firmware would hand out memory of this type. Boot services memory
// is usable unless the caller asked to avoid transient firmware memory.
func (t MemoryType) Usable(avoidTransient bool) bool {
	if t == MemoryAvailable {
		return true
	}
	return t.transient() && !avoidTransient
}

// HoldsTargets reports whether a chunk may be moved into memory of this type by the relocation
// program. Loader memory qualifies: the loader is gone by the time the program has run.
func (t MemoryType) HoldsTargets(avoidTransient bool) bool {
	if t == MemoryLoaderCode || t == MemoryLoaderData {
		return true
	}
	return t.Usable(avoidTransient)
}

// BlocksPlacement reports whether memory of this type must never hold a placement, even when
// the loader's own heap claims it. Loader memory is neither usable nor blocking: it belongs to
// the heap and is described by it.
func (t MemoryType) BlocksPlacement(avoidTransient bool) bool {
	switch t {
	case MemoryAvailable, MemoryLoaderCode, MemoryLoaderData:
		return false
	case MemoryBootServicesCode, MemoryBootServicesData:
		return avoidTransient
	default:
		return true
	}
}

// Entry is one range of the firmware memory map
type Entry struct {
	Base uint64
	Size uint64
	Type MemoryType
}

func (e Entry) End() uint64 {
	return e.Base + e.Size
}

// MemoryMap enumerates the firmware memory map in address order. VisitMemoryMap must not modify
// the map while visiting, and must report the same entries on every call unless pages were
// allocated or freed in between. Returning false from visit stops the walk.
type MemoryMap interface {
	VisitMemoryMap(visit func(entry Entry) bool) error
}

// PageAllocator reserves and releases firmware memory at fixed addresses. Addresses and counts
// are in quanta of QuantumSize bytes.
type PageAllocator interface {
	QuantumSize() uint64
	AllocatePagesAt(addr uint64, count uint64) error
	FreePages(addr uint64, count uint64) error
}
