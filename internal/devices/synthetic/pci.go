package synthetic

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/hv"
)

// Configuration-space offsets for a type-0 header.
const (
	pciConfigVendorID     = 0x00
	pciConfigDeviceID     = 0x02
	pciConfigClassCode    = 0x09
	pciConfigHeaderType   = 0x0E
	pciConfigInterruptPin = 0x3D

	pciHeaderTypeNormal = 0x00

	pciConfigSpaceSize = 256
)

// pciStateVersion is the layout version of the saved device state.
const pciStateVersion = 3

// PCIDescriptor declares a device on the PCI bus: a config-space identity
// plus one to six base-address regions.
type PCIDescriptor struct {
	id           string
	vendorID     uint16
	productID    uint16
	classCode    uint32
	revisionID   uint8
	interruptPin uint8
	resources    []PCIResource

	env *env

	kind       *chipset.KindHandle
	mmio       chipset.MMIOHandle
	registered bool
}

// pciState is attached to the host instance once the device is realized.
// It is what snapshots capture.
type pciState struct {
	desc *PCIDescriptor
	ic   *intercept

	config    [pciConfigSpaceSize]byte
	barAddr   [chipset.MaxBARs]uint64
	barMapped [chipset.MaxBARs]bool
}

// PCIDeviceSnapshot is the serializable state of a realized PCI device.
type PCIDeviceSnapshot struct {
	Config    [pciConfigSpaceSize]byte
	BARAddr   [chipset.MaxBARs]uint64
	BARMapped [chipset.MaxBARs]bool
}

func newPCIDescriptor(tree *config.Tree, key string, env *env) (*PCIDescriptor, error) {
	id := mustID(tree, key)

	vid, ok := tree.Uint(key + ".vid")
	if !ok || vid > 0xFFFF {
		return nil, fmt.Errorf("synthetic: %s.vid: vendor id must fit in 16 bits", key)
	}

	pid, ok := tree.Uint(key + ".pid")
	if !ok || pid > 0xFFFF {
		return nil, fmt.Errorf("synthetic: %s.pid: product id must fit in 16 bits", key)
	}

	classCode, ok := tree.Uint(key + ".classCode")
	if !ok || classCode > 0xFFFFFF {
		return nil, fmt.Errorf("synthetic: %s.classCode: class code must fit in 24 bits", key)
	}

	revision, ok := tree.Uint(key + ".revisionId")
	if !ok || revision > 0xFF {
		return nil, fmt.Errorf("synthetic: %s.revisionId: revision must fit in 8 bits", key)
	}

	pin, ok := tree.Uint(key + ".interruptPin")
	if !ok || pin > 4 {
		return nil, fmt.Errorf("synthetic: %s.interruptPin: interrupt pin must be 0-4", key)
	}

	resKeys, ok := tree.Keys(key + ".resources")
	if !ok || len(resKeys) == 0 {
		return nil, fmt.Errorf("synthetic: %s.resources: at least one resource is required", key)
	}

	var resources []PCIResource
	for _, name := range resKeys {
		rkey := key + ".resources." + name

		isIO, ok := tree.Bool(rkey + ".isIo")
		if !ok {
			return nil, fmt.Errorf("synthetic: %s.isIo: resource must declare I/O or memory space", rkey)
		}

		prefetch := false
		if !isIO {
			prefetch, ok = tree.Bool(rkey + ".isPrefetchable")
			if !ok {
				return nil, fmt.Errorf("synthetic: %s.isPrefetchable: required for memory resources", rkey)
			}
		}

		size, ok := tree.Uint(rkey + ".size")
		if !ok || size > 0xFFFFFFFF {
			return nil, fmt.Errorf("synthetic: %s.size: region size must fit in 32 bits", rkey)
		}

		resources = append(resources, PCIResource{
			IO:           isIO,
			Prefetchable: prefetch,
			Size:         uint32(size),
		})
	}

	if len(resources) > chipset.MaxBARs {
		return nil, fmt.Errorf("synthetic: %s.resources: %d resources declared, a device supports at most %d",
			key, len(resources), chipset.MaxBARs)
	}

	return &PCIDescriptor{
		id:           id,
		vendorID:     uint16(vid),
		productID:    uint16(pid),
		classCode:    uint32(classCode),
		revisionID:   uint8(revision),
		interruptPin: uint8(pin),
		resources:    resources,
		env:          env,
		mmio:         chipset.MMIOHandleInvalid,
	}, nil
}

// ID implements Descriptor.
func (d *PCIDescriptor) ID() string { return d.id }

// Kind implements Descriptor.
func (d *PCIDescriptor) Kind() Kind { return KindPCI }

// Resources returns the declared base-address regions in BAR order.
func (d *PCIDescriptor) Resources() []PCIResource {
	out := make([]PCIResource, len(d.resources))
	copy(out, d.resources)
	return out
}

// Describe implements Descriptor.
func (d *PCIDescriptor) Describe(w io.Writer) {
	fmt.Fprintf(w, "pci device %q\n", d.id)
	fmt.Fprintf(w, "  vendor=0x%04x product=0x%04x revision=0x%02x\n", d.vendorID, d.productID, d.revisionID)
	fmt.Fprintf(w, "  class=0x%06x interrupt-pin=%d\n", d.classCode, d.interruptPin)
	for i, res := range d.resources {
		fmt.Fprintf(w, "  bar[%d]: size=0x%x type=%s\n", i, res.Size, resourceKind(res))
	}
}

// RegisterWithHost implements Descriptor.
func (d *PCIDescriptor) RegisterWithHost(m *chipset.Model) error {
	if d.registered {
		return fmt.Errorf("synthetic: pci device %q: %w", d.id, ErrAlreadyRegistered)
	}

	handle, err := m.RegisterDeviceKind(&chipset.DeviceInfo{
		Name:  d.id,
		Init:  d.hostInit,
		Exit:  d.hostExit,
		Props: make([]chipset.Property, 1),
		State: &hv.StateDescription{
			Name:           d.id,
			Version:        pciStateVersion,
			MinimumVersion: pciStateVersion,
			Fields:         []string{"dev"},
		},
		Context: d,
	})
	if err != nil {
		return fmt.Errorf("synthetic: register pci device %q: %w", d.id, err)
	}

	d.kind = handle
	d.registered = true
	d.env.log.Info("pci device registered",
		"id", d.id,
		"vendor", fmt.Sprintf("0x%04x", d.vendorID),
		"product", fmt.Sprintf("0x%04x", d.productID),
		"bars", len(d.resources))
	return nil
}

func (d *PCIDescriptor) hostInit(inst *chipset.Instance) error {
	m := inst.Model()

	st := &pciState{desc: d, ic: d.env.intercept(d.id)}
	st.writeConfigHeader()

	for i, res := range d.resources {
		if res.Size == 0 {
			// A zero-size region is an unimplemented BAR; there is
			// nothing to claim for it.
			continue
		}
		if err := m.RegisterBAR(inst, i, res.Size, resourceKind(res), pciMapBAR); err != nil {
			return fmt.Errorf("synthetic: pci device %q: %w", d.id, err)
		}
	}

	// One dispatch slot serves every memory region of the device; the
	// opaque pointer tells the handlers which device was hit.
	d.mmio = m.RegisterMMIO(mmioOps, st.ic)
	inst.SetState(st)

	d.env.trace.WriteMessage(d.id, "realized: vendor=0x%04x product=0x%04x bars=%d",
		d.vendorID, d.productID, len(d.resources))
	return nil
}

// hostExit returns the MMIO dispatch slot claimed by hostInit.
func (d *PCIDescriptor) hostExit(inst *chipset.Instance) error {
	if d.mmio == chipset.MMIOHandleInvalid {
		return nil
	}
	if err := inst.Model().ReleaseMMIO(d.mmio); err != nil {
		return fmt.Errorf("synthetic: pci device %q: %w", d.id, err)
	}
	d.mmio = chipset.MMIOHandleInvalid
	return nil
}

// release implements Descriptor.
func (d *PCIDescriptor) release() error {
	if d.kind == nil {
		return nil
	}
	if err := d.kind.Release(); err != nil {
		return fmt.Errorf("synthetic: release pci device %q: %w", d.id, err)
	}
	d.kind = nil
	return nil
}

// pciMapBAR is invoked by the host model when bus enumeration programs a
// base address into one of the device's regions.
func pciMapBAR(inst *chipset.Instance, index int, addr uint64, size uint32, kind chipset.BARKind) error {
	st, ok := inst.State().(*pciState)
	if !ok {
		panic(fmt.Sprintf("synthetic: pci instance %q mapped before it was realized", inst.Name()))
	}
	m := inst.Model()

	switch kind {
	case chipset.BARIO:
		if addr > 0xFFFF {
			return fmt.Errorf("synthetic: pci device %q bar %d: address 0x%x is outside the port space",
				st.desc.id, index, addr)
		}
		base := uint32(addr)
		for shift := 0; shift < 3; shift++ {
			width := uint8(1) << shift
			if err := m.RegisterPortRead(base, size, width, portReadFns[shift], st.ic); err != nil {
				return fmt.Errorf("synthetic: pci device %q bar %d: %w", st.desc.id, index, err)
			}
			if err := m.RegisterPortWrite(base, size, width, portWriteFns[shift], st.ic); err != nil {
				return fmt.Errorf("synthetic: pci device %q bar %d: %w", st.desc.id, index, err)
			}
		}
	default:
		if err := m.MapMMIO(st.desc.mmio, addr, uint64(size)); err != nil {
			return fmt.Errorf("synthetic: pci device %q bar %d: %w", st.desc.id, index, err)
		}
	}

	st.barAddr[index] = addr
	st.barMapped[index] = true
	return nil
}

func resourceKind(r PCIResource) chipset.BARKind {
	switch {
	case r.IO:
		return chipset.BARIO
	case r.Prefetchable:
		return chipset.BARMemoryPrefetch
	default:
		return chipset.BARMemory
	}
}

// writeConfigHeader fills in the identity fields a guest reads during bus
// enumeration. The revision field is deliberately left at zero.
func (st *pciState) writeConfigHeader() {
	d := st.desc
	binary.LittleEndian.PutUint16(st.config[pciConfigVendorID:], d.vendorID)
	binary.LittleEndian.PutUint16(st.config[pciConfigDeviceID:], d.productID)
	st.config[pciConfigClassCode+0] = byte(d.classCode)
	st.config[pciConfigClassCode+1] = byte(d.classCode >> 8)
	st.config[pciConfigClassCode+2] = byte(d.classCode >> 16)
	st.config[pciConfigHeaderType] = pciHeaderTypeNormal
	st.config[pciConfigInterruptPin] = d.interruptPin
}

// DeviceID implements hv.DeviceSnapshotter.
func (st *pciState) DeviceID() string { return st.desc.id }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (st *pciState) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	return &PCIDeviceSnapshot{
		Config:    st.config,
		BARAddr:   st.barAddr,
		BARMapped: st.barMapped,
	}, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (st *pciState) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	s, ok := snap.(*PCIDeviceSnapshot)
	if !ok {
		return fmt.Errorf("synthetic: snapshot type %T does not belong to pci device %q", snap, st.desc.id)
	}
	st.config = s.Config
	st.barAddr = s.BARAddr
	st.barMapped = s.BARMapped
	return nil
}

var _ hv.DeviceSnapshotter = (*pciState)(nil)

// ConfigSpace returns a copy of the configuration space of a realized PCI
// device.
func ConfigSpace(m *chipset.Model, id string) ([pciConfigSpaceSize]byte, error) {
	var zero [pciConfigSpaceSize]byte
	inst, ok := m.Instance(id)
	if !ok {
		return zero, fmt.Errorf("synthetic: no realized device %q", id)
	}
	st, ok := inst.State().(*pciState)
	if !ok {
		return zero, fmt.Errorf("synthetic: device %q has no configuration space", id)
	}
	return st.config, nil
}

// Snapshotter returns the snapshot interface of a realized device, if it
// has one.
func Snapshotter(m *chipset.Model, id string) (hv.DeviceSnapshotter, bool) {
	inst, ok := m.Instance(id)
	if !ok {
		return nil, false
	}
	s, ok := inst.State().(hv.DeviceSnapshotter)
	if !ok {
		return nil, false
	}
	return s, true
}
