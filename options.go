package mirage

import (
	"log/slog"

	"github.com/tinyrange/mirage/internal/chipset"
	"github.com/tinyrange/mirage/internal/devices/synthetic"
	"github.com/tinyrange/mirage/internal/trace"
)

// Option configures a Machine.
type Option interface{ IsOption() }

// machineConfig holds parsed machine options.
type machineConfig struct {
	log       *slog.Logger
	namespace string
	tracer    *trace.Log
	traceFile string
	metrics   *synthetic.Metrics
	sink      chipset.InterruptSink
}

// defaultMachineConfig returns a config with default values.
func defaultMachineConfig() machineConfig {
	return machineConfig{
		namespace: "hardware.devices",
	}
}

// parseMachineOptions extracts configuration from an Option slice.
func parseMachineOptions(opts []Option) machineConfig {
	cfg := defaultMachineConfig()

	for _, opt := range opts {
		switch o := opt.(type) {
		case interface{ Logger() *slog.Logger }:
			cfg.log = o.Logger()
		case interface{ Namespace() string }:
			cfg.namespace = o.Namespace()
		case interface{ Tracer() *trace.Log }:
			cfg.tracer = o.Tracer()
		case interface{ TraceFile() string }:
			cfg.traceFile = o.TraceFile()
		case interface{ Metrics() *synthetic.Metrics }:
			cfg.metrics = o.Metrics()
		case interface{ InterruptSink() chipset.InterruptSink }:
			cfg.sink = o.InterruptSink()
		}
	}

	return cfg
}

// WithLogger routes machine and device logging through the given logger.
func WithLogger(log *slog.Logger) Option {
	return &loggerOption{log: log}
}

type loggerOption struct{ log *slog.Logger }

func (*loggerOption) IsOption()              {}
func (o *loggerOption) Logger() *slog.Logger { return o.log }

// WithNamespace selects the configuration namespace the device entries
// live under. The default is "hardware.devices".
func WithNamespace(namespace string) Option {
	return &namespaceOption{namespace: namespace}
}

type namespaceOption struct{ namespace string }

func (*namespaceOption) IsOption()           {}
func (o *namespaceOption) Namespace() string { return o.namespace }

// WithTrace records every intercepted guest access to the given log. The
// caller keeps ownership of the log.
func WithTrace(t *trace.Log) Option {
	return &traceOption{t: t}
}

type traceOption struct{ t *trace.Log }

func (*traceOption) IsOption()           {}
func (o *traceOption) Tracer() *trace.Log { return o.t }

// WithTraceFile records every intercepted guest access to a file the
// machine creates and owns. The file is closed by Machine.Close.
func WithTraceFile(path string) Option {
	return &traceFileOption{path: path}
}

type traceFileOption struct{ path string }

func (*traceFileOption) IsOption()          {}
func (o *traceFileOption) TraceFile() string { return o.path }

// WithMetrics counts intercepted accesses in the given collector.
func WithMetrics(m *synthetic.Metrics) Option {
	return &metricsOption{m: m}
}

type metricsOption struct{ m *synthetic.Metrics }

func (*metricsOption) IsOption()                    {}
func (o *metricsOption) Metrics() *synthetic.Metrics { return o.m }

// WithInterruptSink forwards device interrupt transitions to the given
// sink.
func WithInterruptSink(sink chipset.InterruptSink) Option {
	return &sinkOption{sink: sink}
}

type sinkOption struct{ sink chipset.InterruptSink }

func (*sinkOption) IsOption()                             {}
func (o *sinkOption) InterruptSink() chipset.InterruptSink { return o.sink }
