package chipset

import (
	"testing"

	"github.com/tinyrange/mirage/internal/hv"
)

func TestPortDispatch(t *testing.T) {
	m := NewModel(nil, nil)

	var lastPort, lastValue uint32
	read := func(opaque any, port uint32) uint32 {
		lastPort = port
		return 0xAB
	}
	write := func(opaque any, port uint32, value uint32) {
		lastPort = port
		lastValue = value
	}

	if err := m.RegisterPortRead(0x300, 0x10, hv.Width8, read, nil); err != nil {
		t.Fatalf("RegisterPortRead() error = %v", err)
	}
	if err := m.RegisterPortWrite(0x300, 0x10, hv.Width8, write, nil); err != nil {
		t.Fatalf("RegisterPortWrite() error = %v", err)
	}

	value, err := m.PortRead(0x305, hv.Width8)
	if err != nil {
		t.Fatalf("PortRead(0x305) error = %v", err)
	}
	if value != 0xAB {
		t.Fatalf("PortRead(0x305) = 0x%x, want 0xAB", value)
	}
	if lastPort != 0x305 {
		t.Fatalf("handler saw port 0x%x, want 0x305", lastPort)
	}

	if err := m.PortWrite(0x30F, hv.Width8, 0x42); err != nil {
		t.Fatalf("PortWrite(0x30F) error = %v", err)
	}
	if lastPort != 0x30F || lastValue != 0x42 {
		t.Fatalf("handler saw port 0x%x value 0x%x, want 0x30F 0x42", lastPort, lastValue)
	}

	// Outside the registered range.
	if _, err := m.PortRead(0x310, hv.Width8); err == nil {
		t.Fatal("PortRead(0x310) succeeded, want error")
	}
	// The 1-byte table does not serve 4-byte accesses.
	if _, err := m.PortRead(0x300, hv.Width32); err == nil {
		t.Fatal("PortRead width 4 on width-1 registration succeeded, want error")
	}
}

func TestPortRegistrationValidation(t *testing.T) {
	m := NewModel(nil, nil)

	read := func(any, uint32) uint32 { return 0 }

	if err := m.RegisterPortRead(0x300, 0x10, 3, read, nil); err == nil {
		t.Fatal("width 3 registration succeeded, want error")
	}
	if err := m.RegisterPortRead(0x300, 0x10, hv.Width8, nil, nil); err == nil {
		t.Fatal("nil handler registration succeeded, want error")
	}
	if err := m.RegisterPortRead(0x300, 0, hv.Width8, read, nil); err == nil {
		t.Fatal("zero length registration succeeded, want error")
	}
	if err := m.RegisterPortRead(0xFFF8, 0x10, hv.Width8, read, nil); err == nil {
		t.Fatal("registration past the port space succeeded, want error")
	}
	// The last valid port is 0xFFFF.
	if err := m.RegisterPortRead(0xFFF8, 0x8, hv.Width8, read, nil); err != nil {
		t.Fatalf("RegisterPortRead(0xFFF8, 0x8) error = %v", err)
	}
}

func TestPortOverwriteSemantics(t *testing.T) {
	m := NewModel(nil, nil)

	first := func(any, uint32) uint32 { return 1 }
	second := func(any, uint32) uint32 { return 2 }

	if err := m.RegisterPortRead(0x400, 0x4, hv.Width8, first, nil); err != nil {
		t.Fatalf("RegisterPortRead(first) error = %v", err)
	}
	if err := m.RegisterPortRead(0x400, 0x4, hv.Width8, second, nil); err != nil {
		t.Fatalf("RegisterPortRead(second) error = %v", err)
	}

	value, err := m.PortRead(0x400, hv.Width8)
	if err != nil {
		t.Fatalf("PortRead() error = %v", err)
	}
	if value != 2 {
		t.Fatalf("PortRead() = %d, want the later registration (2)", value)
	}
}

func TestMMIODispatch(t *testing.T) {
	m := NewModel(nil, nil)

	type state struct{ reads, writes int }
	st := &state{}

	ops := MMIOOps{}
	ops.Read[2] = func(opaque any, addr uint64) uint32 {
		opaque.(*state).reads++
		return 0xDEAD
	}
	ops.Write[2] = func(opaque any, addr uint64, value uint32) {
		opaque.(*state).writes++
	}

	h := m.RegisterMMIO(ops, st)
	if err := m.MapMMIO(h, 0xE0000000, 0x1000); err != nil {
		t.Fatalf("MapMMIO() error = %v", err)
	}

	value, err := m.MMIORead(0xE0000010, hv.Width32)
	if err != nil {
		t.Fatalf("MMIORead() error = %v", err)
	}
	if value != 0xDEAD {
		t.Fatalf("MMIORead() = 0x%x, want 0xDEAD", value)
	}
	if err := m.MMIOWrite(0xE0000020, hv.Width32, 7); err != nil {
		t.Fatalf("MMIOWrite() error = %v", err)
	}
	if st.reads != 1 || st.writes != 1 {
		t.Fatalf("handler counts = %d reads %d writes, want 1 and 1", st.reads, st.writes)
	}

	// No 1-byte entry in the ops table.
	if _, err := m.MMIORead(0xE0000010, hv.Width8); err == nil {
		t.Fatal("MMIORead width 1 with nil handler succeeded, want error")
	}
	// Outside the mapped range.
	if _, err := m.MMIORead(0xE0001000, hv.Width32); err == nil {
		t.Fatal("MMIORead outside mapping succeeded, want error")
	}
}

func TestMMIORelease(t *testing.T) {
	m := NewModel(nil, nil)

	ops := MMIOOps{}
	ops.Read[0] = func(any, uint64) uint32 { return 1 }

	h := m.RegisterMMIO(ops, nil)
	if err := m.MapMMIO(h, 0x1000, 0x100); err != nil {
		t.Fatalf("MapMMIO() error = %v", err)
	}
	if err := m.ReleaseMMIO(h); err != nil {
		t.Fatalf("ReleaseMMIO() error = %v", err)
	}
	if err := m.ReleaseMMIO(h); err == nil {
		t.Fatal("second ReleaseMMIO() succeeded, want error")
	}
	if _, err := m.MMIORead(0x1000, hv.Width8); err == nil {
		t.Fatal("MMIORead through released slot succeeded, want error")
	}
	if err := m.MapMMIO(h, 0x2000, 0x100); err == nil {
		t.Fatal("MapMMIO on released slot succeeded, want error")
	}
	if err := m.MapMMIO(MMIOHandle(99), 0x2000, 0x100); err == nil {
		t.Fatal("MapMMIO on bogus handle succeeded, want error")
	}
}

func TestMMIOLaterMappingWins(t *testing.T) {
	m := NewModel(nil, nil)

	mkOps := func(value uint32) MMIOOps {
		ops := MMIOOps{}
		ops.Read[0] = func(any, uint64) uint32 { return value }
		return ops
	}

	first := m.RegisterMMIO(mkOps(1), nil)
	second := m.RegisterMMIO(mkOps(2), nil)
	if err := m.MapMMIO(first, 0x1000, 0x1000); err != nil {
		t.Fatalf("MapMMIO(first) error = %v", err)
	}
	if err := m.MapMMIO(second, 0x1800, 0x100); err != nil {
		t.Fatalf("MapMMIO(second) error = %v", err)
	}

	value, err := m.MMIORead(0x1820, hv.Width8)
	if err != nil {
		t.Fatalf("MMIORead() error = %v", err)
	}
	if value != 2 {
		t.Fatalf("MMIORead() = %d, want the later mapping (2)", value)
	}

	value, err = m.MMIORead(0x1400, hv.Width8)
	if err != nil {
		t.Fatalf("MMIORead() error = %v", err)
	}
	if value != 1 {
		t.Fatalf("MMIORead() = %d, want the underlying mapping (1)", value)
	}
}

func TestBARProgramming(t *testing.T) {
	m := NewModel(nil, nil)

	type mapCall struct {
		index int
		addr  uint64
		size  uint32
		kind  BARKind
	}
	var calls []mapCall

	info := &DeviceInfo{
		Name: "dev0",
		Init: func(inst *Instance) error {
			mapFn := func(inst *Instance, index int, addr uint64, size uint32, kind BARKind) error {
				calls = append(calls, mapCall{index: index, addr: addr, size: size, kind: kind})
				return nil
			}
			if err := inst.Model().RegisterBAR(inst, 0, 0x100, BARIO, mapFn); err != nil {
				return err
			}
			return inst.Model().RegisterBAR(inst, 1, 0x1000, BARMemory, mapFn)
		},
	}
	if _, err := m.RegisterDeviceKind(info); err != nil {
		t.Fatalf("RegisterDeviceKind() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.ProgramBAR("dev0", 0, 0xC000); err != nil {
		t.Fatalf("ProgramBAR(0) error = %v", err)
	}
	if err := m.ProgramBAR("dev0", 1, 0xE0000000); err != nil {
		t.Fatalf("ProgramBAR(1) error = %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("map callback ran %d times, want 2", len(calls))
	}
	if calls[0].index != 0 || calls[0].addr != 0xC000 || calls[0].size != 0x100 || calls[0].kind != BARIO {
		t.Fatalf("first map call = %+v", calls[0])
	}
	if calls[1].index != 1 || calls[1].addr != 0xE0000000 || calls[1].size != 0x1000 || calls[1].kind != BARMemory {
		t.Fatalf("second map call = %+v", calls[1])
	}

	if err := m.ProgramBAR("dev0", 0, 0xD000); err == nil {
		t.Fatal("reprogramming a mapped BAR succeeded, want error")
	}
	if err := m.ProgramBAR("dev0", 5, 0xD000); err == nil {
		t.Fatal("programming an undeclared BAR succeeded, want error")
	}
	if err := m.ProgramBAR("nosuch", 0, 0xD000); err == nil {
		t.Fatal("programming a BAR of an unknown device succeeded, want error")
	}

	bars, err := m.DeviceBARs("dev0")
	if err != nil {
		t.Fatalf("DeviceBARs() error = %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("DeviceBARs() length = %d, want 2", len(bars))
	}
	if !bars[0].Programmed || bars[0].Addr != 0xC000 {
		t.Fatalf("BAR 0 status = %+v, want programmed at 0xC000", bars[0])
	}
}

func TestBARValidation(t *testing.T) {
	m := NewModel(nil, nil)

	mapFn := func(*Instance, int, uint64, uint32, BARKind) error { return nil }

	info := &DeviceInfo{
		Name: "dev0",
		Init: func(inst *Instance) error {
			model := inst.Model()
			if err := model.RegisterBAR(nil, 0, 0x100, BARIO, mapFn); err == nil {
				t.Error("RegisterBAR with nil instance succeeded, want error")
			}
			if err := model.RegisterBAR(inst, MaxBARs, 0x100, BARIO, mapFn); err == nil {
				t.Error("RegisterBAR index 6 succeeded, want error")
			}
			if err := model.RegisterBAR(inst, 0, 0, BARIO, mapFn); err == nil {
				t.Error("RegisterBAR zero size succeeded, want error")
			}
			if err := model.RegisterBAR(inst, 0, 0x100, BARIO, nil); err == nil {
				t.Error("RegisterBAR nil callback succeeded, want error")
			}
			if err := model.RegisterBAR(inst, 0, 0x100, BARIO, mapFn); err != nil {
				t.Errorf("RegisterBAR() error = %v", err)
			}
			if err := model.RegisterBAR(inst, 0, 0x200, BARMemory, mapFn); err == nil {
				t.Error("duplicate BAR index succeeded, want error")
			}
			return nil
		},
	}
	if _, err := m.RegisterDeviceKind(info); err != nil {
		t.Fatalf("RegisterDeviceKind() error = %v", err)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}
