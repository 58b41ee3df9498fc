package sim

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsSubsystem = "sim"

// Metrics counts simulation activity. Registering it on a registry other than the default keeps
// several simulations in one process apart.
type Metrics struct {
	Ticks         prometheus.Counter
	Packets       *prometheus.CounterVec
	Announcements *prometheus.CounterVec
	FailedSends   prometheus.Counter
	Disconnects   prometheus.Counter
}

func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "ticks_total",
			Help:      "Simulated ticks",
		}),
		Packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "packets_total",
			Help:      "Packets sent, by sending peer",
		}, []string{"peer"}),
		Announcements: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "view_announcements_total",
			Help:      "Requests to send view state information, by peer and urgency",
		}, []string{"peer", "urgent"}),
		FailedSends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "full_packets_total",
			Help:      "Packets that could not fit every dirty property",
		}),
		Disconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      "disconnects_total",
			Help:      "View state protocol violations",
		}),
	}
}
