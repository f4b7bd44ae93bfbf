package syncbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of one bus.
//
// Metrics:
//   - wsync_bus_published_total{kind} - events accepted by Publish
//   - wsync_bus_delivered_total - events queued to a subscriber
//   - wsync_bus_dropped_total - queued events discarded on overflow
//   - wsync_bus_subscribers - current number of subscriptions
type Metrics struct {
	PublishedTotal *prometheus.CounterVec
	DeliveredTotal prometheus.Counter
	DroppedTotal   prometheus.Counter
	Subscribers    prometheus.Gauge
}

// NewMetrics registers the bus collectors on reg. A nil registerer yields
// nil, and a nil *Metrics records nothing.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		PublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wsync_bus_published_total",
				Help: "Total number of change events published",
			},
			[]string{"kind"},
		),
		DeliveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsync_bus_delivered_total",
			Help: "Total number of events queued to subscribers",
		}),
		DroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wsync_bus_dropped_total",
			Help: "Total number of queued events discarded because a subscriber fell behind",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wsync_bus_subscribers",
			Help: "Current number of bus subscriptions",
		}),
	}
}

func (m *Metrics) published(kind string) {
	if m != nil {
		m.PublishedTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) delivered() {
	if m != nil {
		m.DeliveredTotal.Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.DroppedTotal.Inc()
	}
}

func (m *Metrics) subscribers(n int) {
	if m != nil {
		m.Subscribers.Set(float64(n))
	}
}
