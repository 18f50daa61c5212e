package relay

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	PendingListeners prometheus.Gauge
	ActivePipes      prometheus.Gauge
	PipesOpened      prometheus.Counter
	Forwarded        prometheus.Counter
	Rejected         *prometheus.CounterVec
	Closes           *prometheus.CounterVec
}

// NewMetrics registers the relay collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingListeners: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "pending_listeners",
			Help:      "Listeners waiting for a connector.",
		}),
		ActivePipes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "active_pipes",
			Help:      "Paired connections currently forwarding messages.",
		}),
		PipesOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "pipes_opened_total",
			Help:      "Listener/connector pairs established.",
		}),
		Forwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded between paired peers.",
		}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "rejected_total",
			Help:      "Requests rejected before upgrade, by reason.",
		}, []string{"reason"}),
		Closes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signaller",
			Subsystem: "relay",
			Name:      "closes_total",
			Help:      "Connections closed by the relay, by close code.",
		}, []string{"code"}),
	}
}

func (m *Metrics) closed(code int) {
	m.Closes.WithLabelValues(strconv.Itoa(code)).Inc()
}
