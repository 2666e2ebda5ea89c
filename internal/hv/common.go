// Package hv holds the host-runtime contract types shared by the device
// model and the devices wired into it: address regions, access widths and
// the per-device snapshot contract.
package hv

// Access widths, in bytes, supported by the port and MMIO dispatch tables.
const (
	Width8  uint8 = 1
	Width16 uint8 = 2
	Width32 uint8 = 4
)

// MMIORegion describes a range of guest physical address space claimed by a
// device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// End returns the first address past the region.
func (r MMIORegion) End() uint64 {
	return r.Address + r.Size
}

// Contains reports whether an access of size bytes at addr falls entirely
// inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.End()
}

// Overlaps reports whether the two regions share any address.
func (r MMIORegion) Overlaps(other MMIORegion) bool {
	return r.Address < other.End() && other.Address < r.End()
}
