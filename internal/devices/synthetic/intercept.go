package synthetic

import (
	"log/slog"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/trace"
)

// intercept is the per-device endpoint every guest access lands on. Reads
// record the access and return zero; writes record the access and discard
// the value. One intercept is built per device instance and handed to the
// host model as the opaque pointer for all of that device's handlers.
type intercept struct {
	id      string
	log     *slog.Logger
	trace   *trace.Log
	metrics *Metrics
}

func (e *env) intercept(id string) *intercept {
	return &intercept{id: id, log: e.log, trace: e.trace, metrics: e.metrics}
}

func (ic *intercept) read(space trace.Space, addr uint64, width uint8) uint32 {
	ic.observe(trace.Access{Addr: addr, Width: width, Space: space, Op: trace.OpRead})
	return 0
}

func (ic *intercept) write(space trace.Space, addr uint64, width uint8, value uint32) {
	ic.observe(trace.Access{Addr: addr, Value: value, Width: width, Space: space, Op: trace.OpWrite})
}

func (ic *intercept) observe(a trace.Access) {
	ic.log.Debug("guest access", "device", ic.id, "access", a.String())
	ic.trace.WriteAccess(ic.id, a)
	ic.metrics.observe(ic.id, a)
}

// Width-fanned entry points shared by every device instance. The host
// model resolves the target device per call through the opaque pointer.

func portRead8(opaque any, port uint32) uint32 {
	return opaque.(*intercept).read(trace.SpacePort, uint64(port), 1)
}

func portRead16(opaque any, port uint32) uint32 {
	return opaque.(*intercept).read(trace.SpacePort, uint64(port), 2)
}

func portRead32(opaque any, port uint32) uint32 {
	return opaque.(*intercept).read(trace.SpacePort, uint64(port), 4)
}

func portWrite8(opaque any, port uint32, value uint32) {
	opaque.(*intercept).write(trace.SpacePort, uint64(port), 1, value)
}

func portWrite16(opaque any, port uint32, value uint32) {
	opaque.(*intercept).write(trace.SpacePort, uint64(port), 2, value)
}

func portWrite32(opaque any, port uint32, value uint32) {
	opaque.(*intercept).write(trace.SpacePort, uint64(port), 4, value)
}

func mmioRead8(opaque any, addr uint64) uint32 {
	return opaque.(*intercept).read(trace.SpaceMMIO, addr, 1)
}

func mmioRead16(opaque any, addr uint64) uint32 {
	return opaque.(*intercept).read(trace.SpaceMMIO, addr, 2)
}

func mmioRead32(opaque any, addr uint64) uint32 {
	return opaque.(*intercept).read(trace.SpaceMMIO, addr, 4)
}

func mmioWrite8(opaque any, addr uint64, value uint32) {
	opaque.(*intercept).write(trace.SpaceMMIO, addr, 1, value)
}

func mmioWrite16(opaque any, addr uint64, value uint32) {
	opaque.(*intercept).write(trace.SpaceMMIO, addr, 2, value)
}

func mmioWrite32(opaque any, addr uint64, value uint32) {
	opaque.(*intercept).write(trace.SpaceMMIO, addr, 4, value)
}

var (
	portReadFns  = [3]chipset.PortReadFunc{portRead8, portRead16, portRead32}
	portWriteFns = [3]chipset.PortWriteFunc{portWrite8, portWrite16, portWrite32}

	mmioOps = chipset.MMIOOps{
		Read:  [3]chipset.MMIOReadFunc{mmioRead8, mmioRead16, mmioRead32},
		Write: [3]chipset.MMIOWriteFunc{mmioWrite8, mmioWrite16, mmioWrite32},
	}
)
