package synthetic

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/config"
	"github.com/tinyrange/mirage/internal/trace"
)

// Options carries the plumbing shared by every device a registry builds.
// Any field may be left nil.
type Options struct {
	Log     *slog.Logger
	Trace   *trace.Log
	Metrics *Metrics
}

// Registry holds the validated device set of one configuration namespace,
// ordered by device id.
type Registry struct {
	env     *env
	devices []Descriptor
	byID    map[string]Descriptor

	bound      bool
	registered bool
}

// BuildRegistry validates every device entry under the given namespace and
// returns the resulting device set. The first invalid entry aborts the
// build: a device the harness asked for but cannot get is not something to
// limp past.
func BuildRegistry(tree *config.Tree, namespace string, opts Options) (*Registry, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		env:  &env{log: log, trace: opts.Trace, metrics: opts.Metrics},
		byID: make(map[string]Descriptor),
	}

	keys, ok := tree.Keys(namespace)
	if !ok {
		log.Warn("no device entries found", "namespace", namespace)
	}

	for _, key := range keys {
		fullKey := namespace + "." + key

		desc, err := newDescriptor(tree, fullKey, r.env)
		if err != nil {
			log.Warn("rejecting device configuration", "key", fullKey, "error", err)
			return nil, err
		}

		if _, dup := r.byID[desc.ID()]; dup {
			err := fmt.Errorf("synthetic: %s: duplicate device id %q", fullKey, desc.ID())
			log.Warn("rejecting device configuration", "key", fullKey, "error", err)
			return nil, err
		}

		r.byID[desc.ID()] = desc
		r.devices = append(r.devices, desc)
	}

	sort.Slice(r.devices, func(i, j int) bool {
		return r.devices[i].ID() < r.devices[j].ID()
	})

	if opts.Metrics != nil {
		opts.Metrics.setRegistered(len(r.devices))
	}

	log.Debug("device registry built", "namespace", namespace, "devices", len(r.devices))
	return r, nil
}

// FindByID returns the descriptor declared under the given id.
func (r *Registry) FindByID(id string) (Descriptor, bool) {
	d, ok := r.byID[id]
	return d, ok
}

// Devices returns the descriptors ordered by id.
func (r *Registry) Devices() []Descriptor {
	out := make([]Descriptor, len(r.devices))
	copy(out, r.devices)
	return out
}

// Describe writes the summary of every device, ordered by id.
func (r *Registry) Describe(w io.Writer) {
	for _, d := range r.devices {
		d.Describe(w)
	}
}

// Bind arranges for every device to register with the model the moment the
// model reports it is ready to accept devices. Bind may be called once per
// registry.
func (r *Registry) Bind(m *chipset.Model) error {
	if r.bound {
		return fmt.Errorf("synthetic: registry is already bound to a model")
	}
	if err := m.OnReady(func() error { return r.registerAll(m) }); err != nil {
		return fmt.Errorf("synthetic: bind registry: %w", err)
	}
	r.bound = true
	return nil
}

func (r *Registry) registerAll(m *chipset.Model) error {
	if r.registered {
		return fmt.Errorf("synthetic: registry devices are already registered")
	}
	for _, d := range r.devices {
		if err := d.RegisterWithHost(m); err != nil {
			return err
		}
	}
	r.registered = true
	r.env.log.Info("synthetic devices registered", "count", len(r.devices))
	return nil
}

// Registered reports whether the registry's devices have been handed to a
// model.
func (r *Registry) Registered() bool { return r.registered }

// Close releases every descriptor in registry order. Descriptors that never
// registered are skipped. The first error is returned after all descriptors
// have been visited.
func (r *Registry) Close() error {
	var firstErr error
	for _, d := range r.devices {
		if err := d.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
