package bus

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the bus instruments. A nil *Metrics records nothing.
type Metrics struct {
	dropped     *prometheus.CounterVec
	published   prometheus.Counter
	connections prometheus.Gauge
}

// NewMetrics creates the instruments and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Frames dropped because a subscriber queue was full, by stage.",
		}, []string{"stage"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Payloads published to the hub.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadsync",
			Subsystem: "bus",
			Name:      "connections",
			Help:      "Open gateway websocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dropped, m.published, m.connections)
	}
	return m
}

func (m *Metrics) drop(stage string) {
	if m != nil {
		m.dropped.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) publish() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) connDelta(d float64) {
	if m != nil {
		m.connections.Add(d)
	}
}
