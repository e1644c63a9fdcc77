package userver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gonet_pace"

// Metrics are safe to scrape from any goroutine while the loop updates them.
type Metrics struct {
	Accepted   prometheus.Counter
	Rejected   prometheus.Counter
	Closed     *prometheus.CounterVec
	Resets     prometheus.Counter
	Packets    prometheus.Counter
	WouldBlock prometheus.Counter
	Live       prometheus.Gauge
	Round      prometheus.Gauge
}

// NewMetrics registers the server collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Accepted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_accepted_total",
			Help:      "Connections accepted into a slot.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_rejected_total",
			Help:      "Connections closed on accept because the slot table was full.",
		}),
		Closed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed from their slot, by reason.",
		}, []string{"reason"}),
		Resets: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resets_total",
			Help:      "Global resets, one per finished round.",
		}),
		Packets: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Timestamped packets written completely.",
		}),
		WouldBlock: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_blocked_total",
			Help:      "Writes that hit EAGAIN.",
		}),
		Live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections_live",
			Help:      "Occupied slots.",
		}),
		Round: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "round",
			Help:      "Number of the round in progress.",
		}),
	}
}
