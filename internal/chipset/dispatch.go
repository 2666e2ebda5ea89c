package chipset

import (
	"fmt"

	"github.com/tinyrange/mirage/internal/hv"
)

// portSpaceSize is the size of the legacy 16-bit I/O port space.
const portSpaceSize = 0x10000

type portReadBinding struct {
	fn     PortReadFunc
	opaque any
}

type portWriteBinding struct {
	fn     PortWriteFunc
	opaque any
}

type mmioSlot struct {
	ops      MMIOOps
	opaque   any
	released bool
}

type mmioMapping struct {
	region hv.MMIORegion
	handle MMIOHandle
}

type barRegion struct {
	index      int
	size       uint32
	kind       BARKind
	mapFn      BARMapFunc
	addr       uint64
	programmed bool
}

// RegisterPortRead installs a read handler of the given width at every
// aligned port in [base, base+length). Later registrations overwrite
// earlier ones, matching legacy ioport table semantics.
func (m *Model) RegisterPortRead(base, length uint32, width uint8, fn PortReadFunc, opaque any) error {
	shift, ok := widthShift(width)
	if !ok {
		return fmt.Errorf("chipset: unsupported port access width %d", width)
	}
	if fn == nil {
		return fmt.Errorf("chipset: port read handler for 0x%04x is nil", base)
	}
	if err := checkPortRange(base, length); err != nil {
		return err
	}
	for port := base; port < base+length; port += uint32(width) {
		m.portRead[shift][port] = portReadBinding{fn: fn, opaque: opaque}
	}
	return nil
}

// RegisterPortWrite installs a write handler of the given width at every
// aligned port in [base, base+length).
func (m *Model) RegisterPortWrite(base, length uint32, width uint8, fn PortWriteFunc, opaque any) error {
	shift, ok := widthShift(width)
	if !ok {
		return fmt.Errorf("chipset: unsupported port access width %d", width)
	}
	if fn == nil {
		return fmt.Errorf("chipset: port write handler for 0x%04x is nil", base)
	}
	if err := checkPortRange(base, length); err != nil {
		return err
	}
	for port := base; port < base+length; port += uint32(width) {
		m.portWrite[shift][port] = portWriteBinding{fn: fn, opaque: opaque}
	}
	return nil
}

func checkPortRange(base, length uint32) error {
	if length == 0 {
		return fmt.Errorf("chipset: port range at 0x%04x has zero length", base)
	}
	if base+length > portSpaceSize || base+length < base {
		return fmt.Errorf("chipset: port range 0x%04x-0x%04x outside the 16-bit port space", base, base+length-1)
	}
	return nil
}

// PortRead dispatches one port read.
func (m *Model) PortRead(port uint16, width uint8) (uint32, error) {
	shift, ok := widthShift(width)
	if !ok {
		return 0, fmt.Errorf("chipset: unsupported port access width %d", width)
	}
	binding, ok := m.portRead[shift][uint32(port)]
	if !ok {
		return 0, fmt.Errorf("chipset: no %d-byte read handler for port 0x%04x", width, port)
	}
	return binding.fn(binding.opaque, uint32(port)), nil
}

// PortWrite dispatches one port write.
func (m *Model) PortWrite(port uint16, width uint8, value uint32) error {
	shift, ok := widthShift(width)
	if !ok {
		return fmt.Errorf("chipset: unsupported port access width %d", width)
	}
	binding, ok := m.portWrite[shift][uint32(port)]
	if !ok {
		return fmt.Errorf("chipset: no %d-byte write handler for port 0x%04x", width, port)
	}
	binding.fn(binding.opaque, uint32(port), value)
	return nil
}

// RegisterMMIO allocates an MMIO dispatch slot for the given callback
// table and opaque device state. The slot serves no addresses until it is
// mapped.
func (m *Model) RegisterMMIO(ops MMIOOps, opaque any) MMIOHandle {
	m.mmioSlots = append(m.mmioSlots, &mmioSlot{ops: ops, opaque: opaque})
	return MMIOHandle(len(m.mmioSlots) - 1)
}

// ReleaseMMIO frees an MMIO dispatch slot and drops any address mappings
// that reference it.
func (m *Model) ReleaseMMIO(h MMIOHandle) error {
	slot, err := m.slot(h)
	if err != nil {
		return err
	}
	slot.released = true

	kept := m.mmioMaps[:0]
	for _, mapping := range m.mmioMaps {
		if mapping.handle != h {
			kept = append(kept, mapping)
		}
	}
	m.mmioMaps = kept
	return nil
}

// MapMMIO routes [base, base+size) to the dispatch slot h. Later mappings
// take precedence over earlier ones for overlapping ranges.
func (m *Model) MapMMIO(h MMIOHandle, base, size uint64) error {
	if _, err := m.slot(h); err != nil {
		return err
	}
	if size == 0 {
		return fmt.Errorf("chipset: MMIO mapping at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("chipset: MMIO mapping at 0x%x with size 0x%x overflows", base, size)
	}
	m.mmioMaps = append(m.mmioMaps, mmioMapping{
		region: hv.MMIORegion{Address: base, Size: size},
		handle: h,
	})
	return nil
}

func (m *Model) slot(h MMIOHandle) (*mmioSlot, error) {
	if h < 0 || int(h) >= len(m.mmioSlots) {
		return nil, fmt.Errorf("chipset: invalid MMIO handle %d", h)
	}
	slot := m.mmioSlots[h]
	if slot.released {
		return nil, fmt.Errorf("chipset: MMIO handle %d already released", h)
	}
	return slot, nil
}

// MMIORead dispatches one memory-mapped read.
func (m *Model) MMIORead(addr uint64, width uint8) (uint32, error) {
	shift, ok := widthShift(width)
	if !ok {
		return 0, fmt.Errorf("chipset: unsupported MMIO access width %d", width)
	}
	slot, ok := m.findMMIO(addr, uint64(width))
	if !ok {
		return 0, fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	fn := slot.ops.Read[shift]
	if fn == nil {
		return 0, fmt.Errorf("chipset: no %d-byte MMIO read handler at 0x%016x", width, addr)
	}
	return fn(slot.opaque, addr), nil
}

// MMIOWrite dispatches one memory-mapped write.
func (m *Model) MMIOWrite(addr uint64, width uint8, value uint32) error {
	shift, ok := widthShift(width)
	if !ok {
		return fmt.Errorf("chipset: unsupported MMIO access width %d", width)
	}
	slot, ok := m.findMMIO(addr, uint64(width))
	if !ok {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	fn := slot.ops.Write[shift]
	if fn == nil {
		return fmt.Errorf("chipset: no %d-byte MMIO write handler at 0x%016x", width, addr)
	}
	fn(slot.opaque, addr, value)
	return nil
}

func (m *Model) findMMIO(addr, size uint64) (*mmioSlot, bool) {
	for i := len(m.mmioMaps) - 1; i >= 0; i-- {
		mapping := m.mmioMaps[i]
		if !mapping.region.Contains(addr, size) {
			continue
		}
		slot := m.mmioSlots[mapping.handle]
		if slot.released {
			continue
		}
		return slot, true
	}
	return nil, false
}

// RegisterBAR declares a base-address region for a device instance. The
// mapping callback runs when the region is programmed with an address.
func (m *Model) RegisterBAR(inst *Instance, index int, size uint32, kind BARKind, mapFn BARMapFunc) error {
	if inst == nil {
		return fmt.Errorf("chipset: BAR registration without an instance")
	}
	if index < 0 || index >= MaxBARs {
		return fmt.Errorf("chipset: BAR index %d out of range 0-%d", index, MaxBARs-1)
	}
	if size == 0 {
		return fmt.Errorf("chipset: BAR %d of %q has zero size", index, inst.Name())
	}
	if mapFn == nil {
		return fmt.Errorf("chipset: BAR %d of %q has nil mapping callback", index, inst.Name())
	}
	for _, bar := range m.bars[inst] {
		if bar.index == index {
			return fmt.Errorf("chipset: BAR %d of %q already declared", index, inst.Name())
		}
	}
	m.bars[inst] = append(m.bars[inst], &barRegion{
		index: index,
		size:  size,
		kind:  kind,
		mapFn: mapFn,
	})
	return nil
}

// ProgramBAR assigns an address to a declared base-address region, the way
// a guest would by writing the device's configuration space, and invokes
// the region's mapping callback. Reprogramming a mapped region is not
// supported.
func (m *Model) ProgramBAR(device string, index int, addr uint64) error {
	k, ok := m.byName[device]
	if !ok || k.inst == nil {
		return fmt.Errorf("chipset: no instance of device %q", device)
	}
	inst := k.inst
	for _, bar := range m.bars[inst] {
		if bar.index != index {
			continue
		}
		if bar.programmed {
			return fmt.Errorf("chipset: BAR %d of %q already mapped at 0x%x", index, device, bar.addr)
		}
		if err := bar.mapFn(inst, bar.index, addr, bar.size, bar.kind); err != nil {
			return fmt.Errorf("chipset: map BAR %d of %q: %w", index, device, err)
		}
		bar.addr = addr
		bar.programmed = true
		m.log.Debug("bar programmed", "device", device, "bar", index, "addr", fmt.Sprintf("0x%x", addr), "kind", bar.kind.String())
		return nil
	}
	return fmt.Errorf("chipset: device %q has no BAR %d", device, index)
}

// DeviceBARs reports the declared base-address regions of a device
// instance in declaration order.
func (m *Model) DeviceBARs(device string) ([]BARStatus, error) {
	k, ok := m.byName[device]
	if !ok || k.inst == nil {
		return nil, fmt.Errorf("chipset: no instance of device %q", device)
	}
	bars := m.bars[k.inst]
	status := make([]BARStatus, 0, len(bars))
	for _, bar := range bars {
		status = append(status, BARStatus{
			Index:      bar.index,
			Size:       bar.size,
			Kind:       bar.kind,
			Addr:       bar.addr,
			Programmed: bar.programmed,
		})
	}
	return status, nil
}
