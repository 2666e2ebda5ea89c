package synthetic

// ISAResource is the port-space footprint of an ISA device.
type ISAResource struct {
	PortBase uint16
	PortSize uint16
	IRQ      uint8
}

// PCIResource is one base-address region declaration. Prefetchable is only
// meaningful for memory-space resources; it is always false when IO is
// true.
type PCIResource struct {
	IO           bool
	Prefetchable bool
	Size         uint32
}
