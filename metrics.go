package aserve

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "aserve"

type metrics struct {
	accepted prometheus.Counter
	closed   prometheus.Counter
	active   prometheus.Gauge
	failures *prometheus.CounterVec
	posted   prometheus.Counter

	mu         sync.Mutex
	registered map[prometheus.Registerer]struct{}
}

func newMetrics(serverID string) *metrics {
	labels := prometheus.Labels{"server": serverID}

	return &metrics{
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_accepted_total",
			Help:        "Connections accepted by the transport.",
			ConstLabels: labels,
		}),
		closed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_closed_total",
			Help:        "Connections removed after disconnect.",
			ConstLabels: labels,
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "connections_active",
			Help:        "Connections currently in the registry.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "failures_total",
			Help:        "Failures reported by the server, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		posted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "posted_tasks_total",
			Help:        "Tasks posted to the execution context.",
			ConstLabels: labels,
		}),
		registered: make(map[prometheus.Registerer]struct{}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.accepted, m.closed, m.active, m.failures, m.posted}
}

// register adds the collectors to reg once.
func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.registered[reg]; ok {
		return nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	m.registered[reg] = struct{}{}

	return nil
}

func (m *metrics) connAccepted() {
	m.accepted.Inc()
	m.active.Inc()
}

func (m *metrics) connClosed() {
	m.closed.Inc()
	m.active.Dec()
}

func (m *metrics) failure(kind FailureKind) {
	m.failures.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) taskPosted() {
	m.posted.Inc()
}
