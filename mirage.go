// Package mirage builds machines populated with synthetic devices: devices
// that claim real bus resources but have no behavior, so a harness can
// watch how guest software probes hardware that is not there. A Machine is
// assembled from a declarative configuration document and exposes the host
// model the devices were registered with.
package mirage

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/devices/synthetic"
	"github.com/tinyrange/mirage/internal/hv"
	"github.com/tinyrange/mirage/internal/trace"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from internal packages
// -----------------------------------------------------------------------------

// Descriptor is a validated device declaration.
type Descriptor = synthetic.Descriptor

// ISADescriptor declares a legacy port-mapped device.
type ISADescriptor = synthetic.ISADescriptor

// PCIDescriptor declares a config-space identity with base-address regions.
type PCIDescriptor = synthetic.PCIDescriptor

// Registry holds the validated device set of one configuration namespace.
type Registry = synthetic.Registry

// Metrics counts guest accesses per device.
type Metrics = synthetic.Metrics

// Model is the host the devices register with.
type Model = chipset.Model

// InterruptSink receives interrupt line transitions raised by devices.
type InterruptSink = chipset.InterruptSink

// Tree is a parsed configuration document.
type Tree = config.Tree

// TraceLog records every guest access a device intercepts.
type TraceLog = trace.Log

// TraceWriter is the destination a TraceLog writes into.
type TraceWriter = trace.Writer

// TraceBuffer is an in-memory trace destination for tests and short
// captures.
type TraceBuffer = trace.Buffer

// TraceReader provides indexed access to a finished trace.
type TraceReader = trace.Reader

// TraceSearchOptions filters trace entries during search and count.
type TraceSearchOptions = trace.SearchOptions

// TraceKind discriminates trace entry payloads.
type TraceKind = trace.Kind

// Access is one recorded guest access.
type Access = trace.Access

// Space is the address space a recorded access targeted.
type Space = trace.Space

// Op is the direction of a recorded access.
type Op = trace.Op

// DeviceSnapshot is an opaque, gob-encodable captured device state.
type DeviceSnapshot = hv.DeviceSnapshot

// DeviceSnapshotter is implemented by devices whose state can be captured
// and restored.
type DeviceSnapshotter = hv.DeviceSnapshotter

// PCIDeviceSnapshot is the captured state of a realized PCI device.
type PCIDeviceSnapshot = synthetic.PCIDeviceSnapshot

// Kind discriminates the device families.
type Kind = synthetic.Kind

// Device kind constants.
const (
	KindISA = synthetic.KindISA
	KindPCI = synthetic.KindPCI
)

// Trace entry and access constants.
const (
	TraceKindAccess  = trace.KindAccess
	TraceKindMessage = trace.KindMessage

	SpacePort = trace.SpacePort
	SpaceMMIO = trace.SpaceMMIO

	OpRead  = trace.OpRead
	OpWrite = trace.OpWrite
)

// Common sentinel errors.
var (
	ErrMissingIdentity   = synthetic.ErrMissingIdentity
	ErrUnknownDeviceKind = synthetic.ErrUnknownDeviceKind
	ErrAlreadyRegistered = synthetic.ErrAlreadyRegistered
)

// NewMetrics returns an access counter ready to join a prometheus
// registerer.
func NewMetrics() *Metrics { return synthetic.NewMetrics() }

// NewTraceLog builds a trace log on top of w.
func NewTraceLog(w TraceWriter) *TraceLog { return trace.New(w) }

// OpenTraceFile opens and indexes a recorded trace file. The returned
// closer owns the underlying file handle.
func OpenTraceFile(path string) (TraceReader, io.Closer, error) {
	return trace.NewReaderFromFile(path)
}

// ReadTraceBytes indexes an in-memory trace, e.g. a TraceBuffer's
// assembled bytes.
func ReadTraceBytes(data []byte) (TraceReader, error) {
	return trace.NewReaderBytes(data)
}

// DecodeAccess decodes an Access from a TraceKindAccess payload.
func DecodeAccess(payload []byte) (Access, error) {
	return trace.DecodeAccess(payload)
}

// PulseIRQ raises and drops the interrupt line of a realized ISA device.
func PulseIRQ(m *Model, id string) error { return synthetic.PulseIRQ(m, id) }

// ConfigSpace returns a copy of the configuration space of a realized PCI
// device.
func ConfigSpace(m *Model, id string) ([256]byte, error) {
	return synthetic.ConfigSpace(m, id)
}

// Snapshotter returns the snapshot interface of a realized device, if it
// has one.
func Snapshotter(m *Model, id string) (DeviceSnapshotter, bool) {
	return synthetic.Snapshotter(m, id)
}

// -----------------------------------------------------------------------------
// Machine
// -----------------------------------------------------------------------------

// Machine bundles a device registry with the host model it populates.
type Machine struct {
	registry *synthetic.Registry
	model    *chipset.Model
	tracer   *trace.Log

	ownsTrace bool
	started   bool
	stopped   bool
	closed    bool
}

// Load reads a configuration file and assembles a machine from it.
func Load(path string, opts ...Option) (*Machine, error) {
	tree, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("mirage: %w", err)
	}
	return New(tree, opts...)
}

// Parse assembles a machine from configuration held in memory.
func Parse(data []byte, opts ...Option) (*Machine, error) {
	tree, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("mirage: %w", err)
	}
	return New(tree, opts...)
}

// New assembles a machine from a parsed configuration tree. Every device
// under the configured namespace is validated and bound to a fresh host
// model; the model is not started.
func New(tree *config.Tree, opts ...Option) (*Machine, error) {
	cfg := parseMachineOptions(opts)

	log := cfg.log
	if log == nil {
		log = slog.Default()
	}

	tracer := cfg.tracer
	ownsTrace := false
	if tracer == nil && cfg.traceFile != "" {
		t, err := trace.NewFile(cfg.traceFile)
		if err != nil {
			return nil, fmt.Errorf("mirage: %w", err)
		}
		tracer = t
		ownsTrace = true
	}

	registry, err := synthetic.BuildRegistry(tree, cfg.namespace, synthetic.Options{
		Log:     log,
		Trace:   tracer,
		Metrics: cfg.metrics,
	})
	if err != nil {
		if ownsTrace {
			tracer.Close()
		}
		return nil, err
	}

	model := chipset.NewModel(log, cfg.sink)
	if err := registry.Bind(model); err != nil {
		if ownsTrace {
			tracer.Close()
		}
		return nil, err
	}

	return &Machine{
		registry:  registry,
		model:     model,
		tracer:    tracer,
		ownsTrace: ownsTrace,
	}, nil
}

// Start brings the model up: devices register, realize, and begin
// answering accesses.
func (m *Machine) Start() error {
	if m.started {
		return fmt.Errorf("mirage: machine already started")
	}
	if err := m.model.Start(); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop tears the devices down without releasing the registry.
func (m *Machine) Stop() error {
	if !m.started || m.stopped {
		return fmt.Errorf("mirage: machine is not running")
	}
	m.stopped = true
	return m.model.Stop()
}

// Close stops the machine if it is still running and releases everything
// it owns. Close is idempotent.
func (m *Machine) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.started && !m.stopped {
		m.stopped = true
		if err := m.model.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := m.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.ownsTrace && m.tracer != nil {
		if err := m.tracer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Model returns the host model the devices live on.
func (m *Machine) Model() *chipset.Model { return m.model }

// Registry returns the validated device set.
func (m *Machine) Registry() *synthetic.Registry { return m.registry }

// Describe writes a summary of every device, ordered by id.
func (m *Machine) Describe(w io.Writer) { m.registry.Describe(w) }
