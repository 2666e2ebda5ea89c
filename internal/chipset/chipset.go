// Package chipset implements the host device model that synthetic devices
// register into: device-kind registration with init/teardown routines, a
// one-shot device-subsystem-ready event, width-fanned port and MMIO
// dispatch tables, base-address-region programming and interrupt lines.
//
// The model is single-threaded by contract: kind registration, the ready
// event, instantiation and access dispatch all run on one control thread,
// so no locking happens on the dispatch path.
package chipset

import (
	"fmt"
	"log/slog"
)

// Model is the host device model.
type Model struct {
	log   *slog.Logger
	lines *LineSet

	readyHooks []func() error
	readyFired bool

	kinds   []*registeredKind
	byName  map[string]*registeredKind
	started bool
	stopped bool

	portRead  [3]map[uint32]portReadBinding
	portWrite [3]map[uint32]portWriteBinding

	mmioSlots []*mmioSlot
	mmioMaps  []mmioMapping

	bars map[*Instance][]*barRegion
}

type registeredKind struct {
	info     *DeviceInfo
	inst     *Instance
	released bool
}

// NewModel builds an empty device model. Interrupt edges are forwarded to
// sink; pass nil to drop them.
func NewModel(log *slog.Logger, sink InterruptSink) *Model {
	if log == nil {
		log = slog.Default()
	}
	m := &Model{
		log:    log,
		lines:  NewLineSet(sink),
		byName: make(map[string]*registeredKind),
		bars:   make(map[*Instance][]*barRegion),
	}
	for i := range m.portRead {
		m.portRead[i] = make(map[uint32]portReadBinding)
		m.portWrite[i] = make(map[uint32]portWriteBinding)
	}
	return m
}

// Lines returns the model's interrupt line set.
func (m *Model) Lines() *LineSet {
	return m.lines
}

// OnReady subscribes a hook to the one-shot device-subsystem-ready event.
// Hooks run, in subscription order, at the start of Start. Subscribing
// after the event has fired is an error.
func (m *Model) OnReady(fn func() error) error {
	if fn == nil {
		return fmt.Errorf("chipset: ready hook is nil")
	}
	if m.readyFired {
		return fmt.Errorf("chipset: device subsystem already announced ready")
	}
	m.readyHooks = append(m.readyHooks, fn)
	return nil
}

// RegisterDeviceKind registers a device kind with the model. The kind is
// instantiated when the model starts; registration after start is
// rejected (the model has no dynamic device addition).
func (m *Model) RegisterDeviceKind(info *DeviceInfo) (*KindHandle, error) {
	if info == nil {
		return nil, fmt.Errorf("chipset: device info is nil")
	}
	if info.Name == "" {
		return nil, fmt.Errorf("chipset: device kind name is empty")
	}
	if m.started {
		return nil, fmt.Errorf("chipset: device subsystem already started, cannot register kind %q", info.Name)
	}
	if _, exists := m.byName[info.Name]; exists {
		return nil, fmt.Errorf("chipset: device kind %q already registered", info.Name)
	}

	k := &registeredKind{info: info}
	m.kinds = append(m.kinds, k)
	m.byName[info.Name] = k
	m.log.Debug("device kind registered", "name", info.Name)

	return &KindHandle{model: m, kind: k}, nil
}

// Start fires the ready hooks exactly once, then instantiates every
// registered device kind in registration order, invoking init routines
// synchronously.
func (m *Model) Start() error {
	if m.started {
		return fmt.Errorf("chipset: model already started")
	}
	m.readyFired = true
	for _, fn := range m.readyHooks {
		if err := fn(); err != nil {
			return fmt.Errorf("chipset: ready hook: %w", err)
		}
	}
	m.readyHooks = nil
	m.started = true

	for _, k := range m.kinds {
		if k.released {
			continue
		}
		inst := &Instance{model: m, info: k.info}
		if k.info.Init != nil {
			if err := k.info.Init(inst); err != nil {
				return fmt.Errorf("chipset: init device %q: %w", k.info.Name, err)
			}
		}
		k.inst = inst
		m.log.Debug("device instantiated", "name", k.info.Name)
	}
	return nil
}

// Stop runs the teardown routine of every live instance in registration
// order.
func (m *Model) Stop() error {
	if !m.started {
		return fmt.Errorf("chipset: model not started")
	}
	if m.stopped {
		return fmt.Errorf("chipset: model already stopped")
	}
	m.stopped = true

	for _, k := range m.kinds {
		if k.released || k.inst == nil || k.info.Exit == nil {
			continue
		}
		if err := k.info.Exit(k.inst); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", k.info.Name, err)
		}
	}
	return nil
}

// Devices returns the names of all live device kinds in registration
// order.
func (m *Model) Devices() []string {
	names := make([]string, 0, len(m.kinds))
	for _, k := range m.kinds {
		if !k.released {
			names = append(names, k.info.Name)
		}
	}
	return names
}

// Instance returns the live instance of the named device kind, if the
// model has started and the kind was instantiated.
func (m *Model) Instance(name string) (*Instance, bool) {
	k, ok := m.byName[name]
	if !ok || k.inst == nil {
		return nil, false
	}
	return k.inst, true
}

// KindHandle is the model's receipt for a registered device kind; it
// releases the registration on teardown.
type KindHandle struct {
	model *Model
	kind  *registeredKind
}

// Release removes the device kind from the model. Releasing twice is an
// error.
func (h *KindHandle) Release() error {
	if h == nil || h.kind == nil {
		return fmt.Errorf("chipset: kind handle is nil")
	}
	if h.kind.released {
		return fmt.Errorf("chipset: device kind %q already released", h.kind.info.Name)
	}
	h.kind.released = true
	delete(h.model.byName, h.kind.info.Name)
	return nil
}

// Instance is one instantiated device of a registered kind.
type Instance struct {
	model *Model
	info  *DeviceInfo
	state any
}

// Model returns the owning device model.
func (i *Instance) Model() *Model {
	return i.model
}

// Name returns the kind name the instance was created from.
func (i *Instance) Name() string {
	return i.info.Name
}

// Context returns the opaque context the kind was registered with.
func (i *Instance) Context() any {
	return i.info.Context
}

// SetState attaches the instance's device state, built by the init
// routine.
func (i *Instance) SetState(state any) {
	i.state = state
}

// State returns the instance's device state.
func (i *Instance) State() any {
	return i.state
}
