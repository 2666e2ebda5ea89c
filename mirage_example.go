//go:build ignore

// This file demonstrates every public API in the mirage package.
// It is excluded from the build and serves as a reference and compile-time check.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	mirage "github.com/tinyrange/mirage"
)

const exampleConfig = `
hardware:
  devices:
    isa0:
      id: isa0
      type: isa
      start: 0x300
      size: 0x10
      irq: 5
    pci0:
      id: pci0
      type: pci
      vid: 0x1234
      pid: 0xBEEF
      classCode: 0x0A0B0C
      revisionId: 0xA5
      interruptPin: 1
      resources:
        r0:
          isIo: true
          size: 0x100
        r1:
          isIo: false
          isPrefetchable: false
          size: 0x1000
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type consoleSink struct{}

func (consoleSink) SetIRQ(line uint8, level bool) {
	fmt.Printf("irq %d -> %v\n", line, level)
}

func run() error {
	// =========================================================================
	// Machine assembly - Load / Parse / New
	// =========================================================================

	// Machine from a file on disk
	_, _ = mirage.Load("/path/to/devices.yaml")

	// Machine from configuration held in memory, with every option
	var buf mirage.TraceBuffer
	tracer := mirage.NewTraceLog(&buf)
	metrics := mirage.NewMetrics()

	machine, err := mirage.Parse([]byte(exampleConfig),
		mirage.WithLogger(slog.Default()),
		mirage.WithNamespace("hardware.devices"), // the default
		mirage.WithTrace(tracer),                 // caller keeps ownership
		mirage.WithMetrics(metrics),
		mirage.WithInterruptSink(consoleSink{}),
	)
	if err != nil {
		// Configuration problems surface as wrapped sentinel errors.
		if errors.Is(err, mirage.ErrMissingIdentity) {
			return fmt.Errorf("a device entry has no id: %w", err)
		}
		if errors.Is(err, mirage.ErrUnknownDeviceKind) {
			return fmt.Errorf("a device entry has a bad type: %w", err)
		}
		return fmt.Errorf("parse: %w", err)
	}
	defer machine.Close()

	// WithTraceFile - the machine creates and owns the trace file instead
	_ = mirage.WithTraceFile("/tmp/access.trace")

	// =========================================================================
	// Registry - the validated device set, ordered by id
	// =========================================================================
	registry := machine.Registry()

	for _, desc := range registry.Devices() {
		_ = desc.ID()   // stable identity, e.g. "isa0"
		_ = desc.Kind() // mirage.KindISA or mirage.KindPCI
		desc.Describe(os.Stdout)
	}
	registry.Describe(os.Stdout) // every device, ordered by id
	machine.Describe(os.Stdout)  // same summary, one call from the top
	_ = registry.Registered()    // false until the machine starts

	if desc, ok := registry.FindByID("isa0"); ok {
		if isa, ok := desc.(*mirage.ISADescriptor); ok {
			res := isa.Resource()
			_ = res.PortBase
			_ = res.PortSize
			_ = res.IRQ
		}
	}
	if desc, ok := registry.FindByID("pci0"); ok {
		if pci, ok := desc.(*mirage.PCIDescriptor); ok {
			for _, res := range pci.Resources() {
				_ = res.IO           // port-space region
				_ = res.Prefetchable // always false when IO is true
				_ = res.Size
			}
		}
	}

	// =========================================================================
	// Lifecycle - Start realizes the devices, Close releases everything
	// =========================================================================
	if err := machine.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	// machine.Stop() tears devices down without releasing the registry.

	// =========================================================================
	// Model - poke the devices the way a guest would
	// =========================================================================
	model := machine.Model()

	_ = model.Devices() // names of every live device kind

	// Port accesses. Reads always return zero; everything is recorded.
	value, _ := model.PortRead(0x304, 1)
	_ = value
	_ = model.PortWrite(0x306, 2, 0xBEEF)

	// Program the PCI base-address regions, then touch them.
	_ = model.ProgramBAR("pci0", 0, 0xC000)     // io region
	_ = model.ProgramBAR("pci0", 1, 0xFEB00000) // memory region
	bars, _ := model.DeviceBARs("pci0")
	for _, bar := range bars {
		_ = bar.Index
		_ = bar.Size
		_ = bar.Kind // fmt.Stringer: "io", "mem", "mem-prefetch"
		_ = bar.Addr
		_ = bar.Programmed
	}
	mem, _ := model.MMIORead(0xFEB00010, 4)
	_ = mem
	_ = model.MMIOWrite(0xFEB00020, 4, 0x12345678)

	// Device-level operations through the facade.
	_ = mirage.PulseIRQ(model, "isa0") // rising then falling edge

	lines := model.Lines()
	_ = lines.Allocated(5) // true, isa0 owns irq 5
	_ = lines.Level(5)     // false between pulses

	cfg, _ := mirage.ConfigSpace(model, "pci0")
	_ = cfg[0x00] // vendor id, little endian
	_ = cfg[0x3D] // interrupt pin

	// =========================================================================
	// Snapshots - capture and restore realized PCI device state
	// =========================================================================
	if snapper, ok := mirage.Snapshotter(model, "pci0"); ok {
		_ = snapper.DeviceID()
		snap, _ := snapper.CaptureSnapshot()
		if pciSnap, ok := snap.(*mirage.PCIDeviceSnapshot); ok {
			_ = pciSnap.Config    // [256]byte configuration space
			_ = pciSnap.BARAddr   // programmed addresses
			_ = pciSnap.BARMapped // which regions are live
		}
		_ = snapper.RestoreSnapshot(snap)
	}

	// =========================================================================
	// Metrics - per-device access counters, a prometheus.Collector
	// =========================================================================
	_ = metrics.AccessCount("isa0", mirage.SpacePort, mirage.OpRead)
	_ = metrics.AccessCount("pci0", mirage.SpaceMMIO, mirage.OpWrite)
	// prometheus.MustRegister(metrics) joins it to a registry.

	// =========================================================================
	// Traces - read back what the guest did
	// =========================================================================
	_ = machine.Close()
	_ = tracer.Close()

	reader, err := mirage.ReadTraceBytes(buf.Bytes())
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	_ = reader.Sources() // every device that left entries, sorted
	first, last := reader.TimeRange()
	_, _ = first, last

	// Iterate everything in write order.
	_ = reader.Each(func(ts time.Time, kind mirage.TraceKind, source string, payload []byte) error {
		switch kind {
		case mirage.TraceKindAccess:
			access, err := mirage.DecodeAccess(payload)
			if err != nil {
				return err
			}
			_ = access.Addr
			_ = access.Value
			_ = access.Width
			_ = access.Space // mirage.SpacePort or mirage.SpaceMMIO
			_ = access.Op    // mirage.OpRead or mirage.OpWrite

			fmt.Println(access) // "pio read 0x0304 width=1 -> 0x0"
		case mirage.TraceKindMessage:
			_ = string(payload)
		}
		return nil
	})

	// Iterate one device, or search with filters.
	_ = reader.EachSource("isa0", func(ts time.Time, kind mirage.TraceKind, payload []byte) error {
		return nil
	})
	_ = reader.Search(mirage.TraceSearchOptions{
		Start:      first,
		End:        last,
		LimitStart: 10, // or LimitEnd, never both
		Sources:    []string{"isa0"},
	}, func(ts time.Time, kind mirage.TraceKind, source string, payload []byte) error {
		return nil
	})
	count, _ := reader.Count(mirage.TraceSearchOptions{Sources: []string{"pci0"}})
	_ = count

	// Traces recorded with WithTraceFile are opened the same way.
	if r, closer, err := mirage.OpenTraceFile("/tmp/access.trace"); err == nil {
		_ = r
		closer.Close()
	}

	// =========================================================================
	// Type aliases (for reference)
	// =========================================================================
	var (
		_ mirage.Descriptor         // validated device declaration
		_ *mirage.ISADescriptor     // port range + interrupt line
		_ *mirage.PCIDescriptor     // config-space identity + regions
		_ *mirage.Registry          // device set of one namespace
		_ *mirage.Machine           // registry bound to a host model
		_ *mirage.Model             // the host model itself
		_ *mirage.Metrics           // access counters
		_ mirage.InterruptSink      // receives interrupt edges
		_ *mirage.Tree              // parsed configuration
		_ *mirage.TraceLog          // access recorder
		_ mirage.TraceWriter        // trace destination
		_ *mirage.TraceBuffer       // in-memory trace destination
		_ mirage.TraceReader        // indexed trace access
		_ mirage.TraceSearchOptions // trace filters
		_ mirage.TraceKind          // entry discriminator
		_ mirage.Access             // one recorded access
		_ mirage.Space              // port or mmio
		_ mirage.Op                 // read or write
		_ mirage.Kind               // isa or pci
		_ mirage.Option             // machine option
		_ mirage.DeviceSnapshot     // opaque captured state
		_ mirage.DeviceSnapshotter  // capture/restore interface
		_ *mirage.PCIDeviceSnapshot // concrete PCI state
	)

	return nil
}

// Compile-time interface checks
var (
	_ io.Closer            = (*mirage.Machine)(nil)
	_ io.Closer            = (*mirage.TraceLog)(nil)
	_ mirage.TraceWriter   = (*mirage.TraceBuffer)(nil)
	_ mirage.InterruptSink = consoleSink{}
)
