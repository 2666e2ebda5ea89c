package chipset

import (
	"github.com/tinyrange/mirage/internal/hv"
)

// PortReadFunc handles one port read of a fixed width. The opaque value is
// the per-device state supplied at registration; port is the absolute
// address that was accessed.
type PortReadFunc func(opaque any, port uint32) uint32

// PortWriteFunc handles one port write of a fixed width.
type PortWriteFunc func(opaque any, port uint32, value uint32)

// MMIOReadFunc handles one memory-mapped read of a fixed width.
type MMIOReadFunc func(opaque any, addr uint64) uint32

// MMIOWriteFunc handles one memory-mapped write of a fixed width.
type MMIOWriteFunc func(opaque any, addr uint64, value uint32)

// MMIOOps is the callback table for one MMIO dispatch slot, indexed by
// width shift (0 = 1-byte, 1 = 2-byte, 2 = 4-byte). Entries may be nil; an
// access through a nil entry fails dispatch.
type MMIOOps struct {
	Read  [3]MMIOReadFunc
	Write [3]MMIOWriteFunc
}

// MMIOHandle identifies an allocated MMIO dispatch slot.
type MMIOHandle int

// MMIOHandleInvalid is the zero value for an unallocated slot handle.
const MMIOHandleInvalid MMIOHandle = -1

// InitFunc is a device kind's initialization routine, invoked once per
// instance when the model starts.
type InitFunc func(inst *Instance) error

// ExitFunc is a device kind's teardown routine, invoked when the model
// stops.
type ExitFunc func(inst *Instance) error

// Property is one entry in a device kind's property table.
type Property struct {
	Name  string
	Value any
}

// DeviceInfo describes a device kind to the model: its type name, lifecycle
// routines, property table, optional serialization description and the
// opaque context handed to every instance of the kind.
type DeviceInfo struct {
	Name    string
	Init    InitFunc
	Exit    ExitFunc
	Props   []Property
	State   *hv.StateDescription
	Context any
}

// MaxBARs is the number of base-address registers a device may declare.
const MaxBARs = 6

// BARKind distinguishes the address space a base-address region decodes.
type BARKind uint8

const (
	BARMemory BARKind = iota
	BARMemoryPrefetch
	BARIO
)

func (k BARKind) String() string {
	switch k {
	case BARMemory:
		return "mem"
	case BARMemoryPrefetch:
		return "mem-prefetch"
	case BARIO:
		return "io"
	default:
		return "invalid"
	}
}

// BARMapFunc is invoked when a base-address region is programmed with a
// concrete address. The callback registers the port or MMIO handlers that
// serve the mapped range.
type BARMapFunc func(inst *Instance, index int, addr uint64, size uint32, kind BARKind) error

// BARStatus reports one base-address region's declaration and mapping
// state.
type BARStatus struct {
	Index      int
	Size       uint32
	Kind       BARKind
	Addr       uint64
	Programmed bool
}

func widthShift(width uint8) (int, bool) {
	switch width {
	case hv.Width8:
		return 0, true
	case hv.Width16:
		return 1, true
	case hv.Width32:
		return 2, true
	}
	return 0, false
}
