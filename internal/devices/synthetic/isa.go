package synthetic

import (
	"fmt"
	"io"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
)

// ISADescriptor declares a legacy device on the ISA bus: a contiguous port
// range and one interrupt line.
type ISADescriptor struct {
	id  string
	res ISAResource
	env *env

	kind       *chipset.KindHandle
	registered bool
}

// isaState is attached to the host instance once the device is realized.
type isaState struct {
	ic   *intercept
	line chipset.LineInterrupt
}

func newISADescriptor(tree *config.Tree, key string, env *env) (*ISADescriptor, error) {
	id := mustID(tree, key)

	start, ok := tree.Uint(key + ".start")
	if !ok || start > 0xFFFF {
		return nil, fmt.Errorf("synthetic: %s.start: port base must be a 16-bit port address", key)
	}

	size, ok := tree.Uint(key + ".size")
	if !ok || size > 0xFFFF {
		return nil, fmt.Errorf("synthetic: %s.size: port range size must fit in 16 bits", key)
	}

	if start+size > 0x10000 {
		return nil, fmt.Errorf("synthetic: %s: port range 0x%04x+0x%x runs past the end of the ISA port space", key, start, size)
	}

	irq, ok := tree.Uint(key + ".irq")
	if !ok || irq > 15 {
		return nil, fmt.Errorf("synthetic: %s.irq: interrupt line must be 0-15", key)
	}

	return &ISADescriptor{
		id: id,
		res: ISAResource{
			PortBase: uint16(start),
			PortSize: uint16(size),
			IRQ:      uint8(irq),
		},
		env: env,
	}, nil
}

// ID implements Descriptor.
func (d *ISADescriptor) ID() string { return d.id }

// Kind implements Descriptor.
func (d *ISADescriptor) Kind() Kind { return KindISA }

// Resource returns the declared port range and interrupt line.
func (d *ISADescriptor) Resource() ISAResource { return d.res }

// Describe implements Descriptor.
func (d *ISADescriptor) Describe(w io.Writer) {
	fmt.Fprintf(w, "isa device %q\n", d.id)
	fmt.Fprintf(w, "  ports: base=0x%04x size=0x%04x\n", d.res.PortBase, d.res.PortSize)
	fmt.Fprintf(w, "  irq: %d\n", d.res.IRQ)
}

// RegisterWithHost implements Descriptor. The port handlers and the
// interrupt line are claimed later, when the model realizes the device.
func (d *ISADescriptor) RegisterWithHost(m *chipset.Model) error {
	if d.registered {
		return fmt.Errorf("synthetic: isa device %q: %w", d.id, ErrAlreadyRegistered)
	}

	handle, err := m.RegisterDeviceKind(&chipset.DeviceInfo{
		Name:    d.id,
		Init:    d.hostInit,
		Props:   make([]chipset.Property, 1),
		Context: d,
	})
	if err != nil {
		return fmt.Errorf("synthetic: register isa device %q: %w", d.id, err)
	}

	d.kind = handle
	d.registered = true
	d.env.log.Info("isa device registered",
		"id", d.id,
		"base", fmt.Sprintf("0x%04x", d.res.PortBase),
		"size", fmt.Sprintf("0x%04x", d.res.PortSize),
		"irq", d.res.IRQ)
	return nil
}

func (d *ISADescriptor) hostInit(inst *chipset.Instance) error {
	m := inst.Model()
	ic := d.env.intercept(d.id)

	base := uint32(d.res.PortBase)
	length := uint32(d.res.PortSize)
	if length > 0 {
		for shift := 0; shift < 3; shift++ {
			width := uint8(1) << shift
			if err := m.RegisterPortRead(base, length, width, portReadFns[shift], ic); err != nil {
				return fmt.Errorf("synthetic: isa device %q: %w", d.id, err)
			}
			if err := m.RegisterPortWrite(base, length, width, portWriteFns[shift], ic); err != nil {
				return fmt.Errorf("synthetic: isa device %q: %w", d.id, err)
			}
		}
	}

	line := m.Lines().AllocateLine(d.res.IRQ)
	inst.SetState(&isaState{ic: ic, line: line})

	d.env.trace.WriteMessage(d.id, "realized: ports base=0x%04x size=0x%04x irq %d",
		d.res.PortBase, d.res.PortSize, d.res.IRQ)
	return nil
}

// release implements Descriptor. ISA devices claim nothing beyond the kind
// registration itself.
func (d *ISADescriptor) release() error {
	if d.kind == nil {
		return nil
	}
	if err := d.kind.Release(); err != nil {
		return fmt.Errorf("synthetic: release isa device %q: %w", d.id, err)
	}
	d.kind = nil
	return nil
}

// PulseIRQ raises and drops the interrupt line of a realized ISA device.
func PulseIRQ(m *chipset.Model, id string) error {
	inst, ok := m.Instance(id)
	if !ok {
		return fmt.Errorf("synthetic: no realized device %q", id)
	}
	st, ok := inst.State().(*isaState)
	if !ok {
		return fmt.Errorf("synthetic: device %q has no interrupt line", id)
	}
	st.line.PulseInterrupt()
	return nil
}
