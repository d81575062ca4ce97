// Package metrics exposes the connection-management core's runtime state as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "connsys"
	subsystem = "core"
)

// Label names.
const (
	labelEngine = "engine" // "legacy" or "ir"
	labelPID    = "pid"
)

// Collector holds every connsys Prometheus metric.
type Collector struct {
	// ConnectedParticipants tracks the number of participants currently in
	// the Connected sub-state, per engine.
	ConnectedParticipants *prometheus.GaugeVec

	// Notifications counts Connected/NotConnected notifications delivered
	// by the Notifier, labeled by engine and direction ("up"/"down").
	Notifications *prometheus.CounterVec

	// CounterMismatches counts rejected messages due to session/message id
	// mismatches (spec §4.6), labeled by engine.
	CounterMismatches *prometheus.CounterVec

	// ReceiveTimeouts counts participants torn down by the keep-alive
	// worker due to a receive timeout, labeled by engine.
	ReceiveTimeouts *prometheus.CounterVec

	// SendFailures counts Stack send calls that returned false, labeled by
	// engine.
	SendFailures *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ConnectedParticipants,
		c.Notifications,
		c.CounterMismatches,
		c.ReceiveTimeouts,
		c.SendFailures,
	)

	return c
}

func newMetrics() *Collector {
	engineLabels := []string{labelEngine}
	directionLabels := []string{labelEngine, "direction"}

	return &Collector{
		ConnectedParticipants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected_participants",
			Help:      "Number of participants currently in the Connected sub-state.",
		}, engineLabels),

		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_total",
			Help:      "Total Connected/NotConnected notifications delivered by the notifier.",
		}, directionLabels),

		CounterMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "counter_mismatches_total",
			Help:      "Total messages rejected due to a session or message id mismatch.",
		}, engineLabels),

		ReceiveTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "receive_timeouts_total",
			Help:      "Total participants torn down by the keep-alive worker due to a receive timeout.",
		}, engineLabels),

		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Total Stack send calls (participantInfo/keepAlive/appMessage) that returned false.",
		}, engineLabels),
	}
}

// SetConnectedParticipants sets the connected-participants gauge for engine.
func (c *Collector) SetConnectedParticipants(engine string, n float64) {
	c.ConnectedParticipants.WithLabelValues(engine).Set(n)
}

// IncNotification increments the notification counter for engine in the
// given direction ("up" or "down").
func (c *Collector) IncNotification(engine, direction string) {
	c.Notifications.WithLabelValues(engine, direction).Inc()
}

// IncCounterMismatch increments the counter-mismatch counter for engine.
func (c *Collector) IncCounterMismatch(engine string) {
	c.CounterMismatches.WithLabelValues(engine).Inc()
}

// IncReceiveTimeout increments the receive-timeout counter for engine.
func (c *Collector) IncReceiveTimeout(engine string) {
	c.ReceiveTimeouts.WithLabelValues(engine).Inc()
}

// IncSendFailure increments the send-failure counter for engine.
func (c *Collector) IncSendFailure(engine string) {
	c.SendFailures.WithLabelValues(engine).Inc()
}
