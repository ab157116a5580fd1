// Package telemetry exports node events as Prometheus metrics and publishes
// operator-visible outcomes over MQTT. Host only.
package telemetry

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ystepanoff/apol/events"
	"github.com/ystepanoff/apol/node"
	proto "github.com/ystepanoff/apol/protocol"
)

const namespace = "apol"

// Metrics owns a private registry so several simulators can run in one
// process (and in tests) without colliding on the default one.
type Metrics struct {
	registry *prometheus.Registry

	events     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	pingRTT    *prometheus.HistogramVec
	queueDepth *prometheus.GaugeVec
	power      *prometheus.GaugeVec
	armed      *prometheus.GaugeVec
	light      *prometheus.GaugeVec
	peersAlive *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Node events by type.",
		}, []string{"node", "type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Requests that were not delivered, by origin and reason.",
		}, []string{"node", "origin", "request", "reason"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_attempts",
			Help:      "Transmissions needed before a request was acknowledged.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}, []string{"node", "request"}),
		pingRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip of answered pings.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}, []string{"node", "peer"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "repeater_queue_depth",
			Help:      "Forwards waiting in the repeater queue.",
		}, []string{"node"}),
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tx_power_dbm",
			Help:      "Configured transmit power.",
		}, []string{"node"}),
		armed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "override_armed",
			Help:      "1 while a manual override is armed.",
		}, []string{"node"}),
		light: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "light_active",
			Help:      "1 for the colour currently shown by the pit-out light.",
		}, []string{"node", "colour"}),
		peersAlive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_alive",
			Help:      "Peers heard within the liveness window.",
		}, []string{"node"}),
	}
	m.registry.MustRegister(
		m.events, m.failures, m.attempts, m.pingRTT,
		m.queueDepth, m.power, m.armed, m.light, m.peersAlive,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe is an events.SubscriberFunc.
func (m *Metrics) Observe(e events.Event) {
	n := e.Node.String()
	m.events.WithLabelValues(n, e.Type.String()).Inc()

	switch p := e.Payload.(type) {
	case events.RequestEvent:
		switch e.Type {
		case events.EventDelivered:
			m.attempts.WithLabelValues(n, p.Request.String()).Observe(float64(p.Attempts))
		case events.EventAttemptsExhausted, events.EventQueueFull:
			m.failures.WithLabelValues(n, p.Origin.String(), p.Request.String(), reason(p.Err)).Inc()
		}
	case events.PingEvent:
		m.pingRTT.WithLabelValues(n, p.Peer.String()).Observe(p.RTT.Seconds())
	}
}

// UpdateStatus refreshes the gauges from a node snapshot.
func (m *Metrics) UpdateStatus(st node.Status) {
	m.power.WithLabelValues(st.Role).Set(float64(st.PowerDBm))
	if st.Role == proto.Repeater.String() {
		m.queueDepth.WithLabelValues(st.Role).Set(float64(len(st.Queue)))
	}
	if st.Override != nil {
		m.armed.WithLabelValues(st.Role).Set(boolGauge(st.Override.Armed))
	}
	if st.Light != nil {
		m.light.WithLabelValues(st.Role, "green").Set(boolGauge(st.Light.Active == proto.Green.String()))
		m.light.WithLabelValues(st.Role, "red").Set(boolGauge(st.Light.Active == proto.Red.String()))
	}
	alive := 0
	for _, p := range st.Peers {
		if p.Alive {
			alive++
		}
	}
	m.peersAlive.WithLabelValues(st.Role).Set(float64(alive))
}

func reason(err error) string {
	switch {
	case errors.Is(err, proto.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, proto.ErrAttemptsExhausted):
		return "attempts_exhausted"
	case err == nil:
		return "none"
	}
	return "other"
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
