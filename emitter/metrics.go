package emitter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for one or more emitters. A nil
// *Metrics records nothing.
type Metrics struct {
	emittedTotal   *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	listeners      *prometheus.GaugeVec
}

// NewMetrics creates the emitter collectors and registers them with reg.
// A nil reg creates unregistered collectors, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		emittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "emitted_total",
			Help:      "Total number of values emitted, by event",
		}, []string{"event"}),

		deliveredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "delivered_total",
			Help:      "Total number of values accepted by listener buffers, by event",
		}, []string{"event"}),

		droppedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "dropped_total",
			Help:      "Total number of values dropped because a listener buffer was full, by event",
		}, []string{"event"}),

		listeners: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "emitter",
			Name:      "listeners",
			Help:      "Number of registered listeners, by event",
		}, []string{"event"}),
	}
}

func (m *Metrics) emitted(event string, delivered, dropped int) {
	if m == nil {
		return
	}
	m.emittedTotal.WithLabelValues(event).Inc()
	if delivered > 0 {
		m.deliveredTotal.WithLabelValues(event).Add(float64(delivered))
	}
	if dropped > 0 {
		m.droppedTotal.WithLabelValues(event).Add(float64(dropped))
	}
}

func (m *Metrics) listenerAdded(event string) {
	if m == nil {
		return
	}
	m.listeners.WithLabelValues(event).Inc()
}

func (m *Metrics) listenersRemoved(event string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.listeners.WithLabelValues(event).Sub(float64(n))
}
