package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the lifecycle collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	unresolved prometheus.Counter
	evictions  prometheus.Counter
	dropped    *prometheus.CounterVec
	backward   prometheus.Counter
}

// NewMetrics registers the lifecycle collectors on reg. devices reports the
// number of tracked records at scrape time.
func NewMetrics(reg prometheus.Registerer, devices func() int) (*Metrics, error) {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pxe",
			Name:      "events_total",
			Help:      "Protocol events ingested, by kind.",
		}, []string{"kind"}),
		unresolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxe",
			Name:      "tftp_unresolved_total",
			Help:      "TFTP events from addresses without a DHCP binding.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxe",
			Name:      "evictions_total",
			Help:      "Device records removed by the expiry sweeper.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pxe",
			Name:      "sink_dropped_total",
			Help:      "Changes dropped because a sink queue was full.",
		}, []string{"sink"}),
		backward: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pxe",
			Name:      "backward_transitions_total",
			Help:      "Stage changes that moved a device to an earlier stage.",
		}),
	}

	collectors := []prometheus.Collector{m.events, m.unresolved, m.evictions, m.dropped, m.backward}
	if devices != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pxe",
			Name:      "devices",
			Help:      "Device records currently tracked.",
		}, func() float64 { return float64(devices()) }))
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) event(kind Kind) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) unresolvedTFTP() {
	if m == nil {
		return
	}
	m.unresolved.Inc()
}

func (m *Metrics) evicted(n int) {
	if m == nil {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) droppedChange(sink string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(sink).Inc()
}

func (m *Metrics) backwardTransition() {
	if m == nil {
		return
	}
	m.backward.Inc()
}
