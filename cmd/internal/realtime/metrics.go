package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the reconciler's Prometheus instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events         *prometheus.CounterVec
	unread         prometheus.Counter
	duplicates     prometheus.Counter
	ingestFailures prometheus.Counter
	acks           *prometheus.CounterVec
	active         prometheus.Gauge
}

// NewMetrics creates the instruments and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "reconciler",
			Name:      "events_total",
			Help:      "Thread events processed, by normalized type.",
		}, []string{"type"}),
		unread: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "reconciler",
			Name:      "unread_increments_total",
			Help:      "Unread counter increments caused by new inbound messages.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "reconciler",
			Name:      "duplicates_total",
			Help:      "Inbound messages already counted for their thread.",
		}),
		ingestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "reconciler",
			Name:      "ingest_failures_total",
			Help:      "Messages the ingestion callback rejected.",
		}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "threadsync",
			Subsystem: "delivery",
			Name:      "acks_total",
			Help:      "Delivered-up-to acknowledgements sent, by result.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "threadsync",
			Subsystem: "reconciler",
			Name:      "active_threads",
			Help:      "Reconcilers currently subscribed to a thread.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.unread, m.duplicates, m.ingestFailures, m.acks, m.active)
	}
	return m
}

func (m *Metrics) event(k Kind) {
	if m == nil {
		return
	}
	label := string(k)
	if label == "" {
		label = "unknown"
	}
	m.events.WithLabelValues(label).Inc()
}

func (m *Metrics) unreadIncrement() {
	if m != nil {
		m.unread.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) ingestFailure() {
	if m != nil {
		m.ingestFailures.Inc()
	}
}

func (m *Metrics) ack(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.acks.WithLabelValues("error").Inc()
		return
	}
	m.acks.WithLabelValues("ok").Inc()
}

func (m *Metrics) activeDelta(d float64) {
	if m != nil {
		m.active.Add(d)
	}
}
