package synthetic

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/mirage/internal/trace"
)

// Metrics counts guest accesses per device. It implements
// prometheus.Collector; the caller decides which registerer it joins.
// A nil *Metrics discards all observations.
type Metrics struct {
	accessDesc     *prometheus.Desc
	registeredDesc *prometheus.Desc

	mux        sync.Mutex
	accesses   map[accessKey]uint64
	registered int
}

type accessKey struct {
	Device string
	Space  string
	Op     string
}

func NewMetrics() *Metrics {
	return &Metrics{
		accessDesc: prometheus.NewDesc(
			"mirage_device_accesses_total",
			"Total guest accesses intercepted per synthetic device",
			[]string{"device", "space", "op"},
			nil,
		),
		registeredDesc: prometheus.NewDesc(
			"mirage_devices_registered",
			"Number of synthetic devices held by the registry",
			nil,
			nil,
		),
		accesses: make(map[accessKey]uint64),
	}
}

func (m *Metrics) observe(device string, a trace.Access) {
	if m == nil {
		return
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	m.accesses[accessKey{Device: device, Space: a.Space.String(), Op: a.Op.String()}]++
}

func (m *Metrics) setRegistered(n int) {
	if m == nil {
		return
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	m.registered = n
}

// AccessCount returns the number of recorded accesses for one device,
// space and operation.
func (m *Metrics) AccessCount(device string, space trace.Space, op trace.Op) uint64 {
	if m == nil {
		return 0
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.accesses[accessKey{Device: device, Space: space.String(), Op: op.String()}]
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.accessDesc
	ch <- m.registeredDesc
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mux.Lock()
	defer m.mux.Unlock()

	for key, count := range m.accesses {
		ch <- prometheus.MustNewConstMetric(
			m.accessDesc,
			prometheus.CounterValue,
			float64(count),
			key.Device,
			key.Space,
			key.Op,
		)
	}
	ch <- prometheus.MustNewConstMetric(
		m.registeredDesc,
		prometheus.GaugeValue,
		float64(m.registered),
	)
}

var _ prometheus.Collector = (*Metrics)(nil)
