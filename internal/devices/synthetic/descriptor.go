// Package synthetic builds guest-visible device shells from declarative
// configuration. A synthetic device claims real bus resources (ISA ports
// and an interrupt line, or a PCI identity with base-address regions) but
// has no behavior of its own: every guest access is recorded and reads
// return zero. The package exists so that a harness outside the machine
// can watch how a guest driver probes hardware that is not there.
package synthetic

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/trace"
)

// Kind discriminates the device families the factory can build.
type Kind string

const (
	KindISA Kind = "isa"
	KindPCI Kind = "pci"
)

var (
	// ErrMissingIdentity is returned when a device entry has no id. The id
	// is how a harness correlates a device across snapshot and restore, so
	// it is never optional.
	ErrMissingIdentity = errors.New("device identity is required")

	// ErrUnknownDeviceKind is returned when a device entry names a type
	// the factory cannot build.
	ErrUnknownDeviceKind = errors.New("unknown device kind")

	// ErrAlreadyRegistered is returned by RegisterWithHost when a
	// descriptor has already been handed to a host model.
	ErrAlreadyRegistered = errors.New("device already registered with the host")
)

// Descriptor is a validated device declaration. The set of implementations
// is closed: only *ISADescriptor and *PCIDescriptor satisfy it, enforced by
// the unexported release method.
type Descriptor interface {
	// ID returns the stable identity the device was declared under.
	ID() string

	// Kind reports which device family the descriptor belongs to.
	Kind() Kind

	// Describe writes a human-readable summary of the declared resources.
	Describe(w io.Writer)

	// RegisterWithHost registers the device with the host model. It may be
	// called at most once per descriptor; later calls return
	// ErrAlreadyRegistered.
	RegisterWithHost(m *chipset.Model) error

	// release frees the host-side structures claimed by RegisterWithHost.
	release() error
}

var (
	_ Descriptor = (*ISADescriptor)(nil)
	_ Descriptor = (*PCIDescriptor)(nil)
)

// env carries the shared plumbing every descriptor built by one registry
// records through. Trace and metrics may be nil.
type env struct {
	log     *slog.Logger
	trace   *trace.Log
	metrics *Metrics
}

// newDescriptor validates the common portion of a device entry and
// dispatches to the kind-specific factory. key is the full dotted path of
// the entry, e.g. "hardware.devices.isa0".
func newDescriptor(tree *config.Tree, key string, env *env) (Descriptor, error) {
	id, ok := tree.String(key + ".id")
	if !ok || id == "" {
		return nil, fmt.Errorf("synthetic: %s: %w", key, ErrMissingIdentity)
	}

	kind, ok := tree.String(key + ".type")
	if !ok {
		return nil, fmt.Errorf("synthetic: %s: no device type: %w", key, ErrUnknownDeviceKind)
	}

	switch Kind(kind) {
	case KindISA:
		return newISADescriptor(tree, key, env)
	case KindPCI:
		return newPCIDescriptor(tree, key, env)
	default:
		return nil, fmt.Errorf("synthetic: %s: type %q: %w", key, kind, ErrUnknownDeviceKind)
	}
}

// mustID re-reads a device id that the dispatcher already validated. The
// id cannot legally vanish between dispatch and the concrete factory, so
// a miss here is a programming error.
func mustID(tree *config.Tree, key string) string {
	id, ok := tree.String(key + ".id")
	if !ok || id == "" {
		panic(fmt.Sprintf("synthetic: %s: device identity vanished after dispatch", key))
	}
	return id
}
