package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the overlay's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	donationsEnqueued  prometheus.Counter
	donationsDuplicate prometheus.Counter
	donationsPlayed    prometheus.Counter
	sinkPanics         prometheus.Counter
	queueDepth         prometheus.Gauge
	transitions        *prometheus.CounterVec
	wsReconnects       prometheus.Counter
	wsConnected        prometheus.Gauge
	wsDropped          *prometheus.CounterVec
	authAttempts       *prometheus.CounterVec
}

// New creates and registers every collector on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		donationsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressme_donations_enqueued_total",
			Help: "Donations accepted into the playback queue",
		}),
		donationsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressme_donations_duplicate_total",
			Help: "Donations dropped because their key was already seen",
		}),
		donationsPlayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressme_donations_played_total",
			Help: "Donations handed to the overlay for playback",
		}),
		sinkPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressme_playback_sink_panics_total",
			Help: "Playback sink invocations that panicked",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pressme_queue_depth",
			Help: "Donations waiting in the playback queue",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pressme_overlay_transitions_total",
			Help: "Overlay state machine transitions",
		}, []string{"from", "to"}),
		wsReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pressme_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pressme_ws_connected",
			Help: "1 when the backend websocket is connected",
		}),
		wsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pressme_ws_messages_dropped_total",
			Help: "Inbound websocket messages that could not be parsed",
		}, []string{"reason"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pressme_auth_attempts_total",
			Help: "Wallet sign-in attempts by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		m.donationsEnqueued,
		m.donationsDuplicate,
		m.donationsPlayed,
		m.sinkPanics,
		m.queueDepth,
		m.transitions,
		m.wsReconnects,
		m.wsConnected,
		m.wsDropped,
		m.authAttempts,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DonationEnqueued(depth int) {
	if m == nil {
		return
	}
	m.donationsEnqueued.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) DonationDuplicate() {
	if m == nil {
		return
	}
	m.donationsDuplicate.Inc()
}

func (m *Metrics) DonationPlayed(depth int) {
	if m == nil {
		return
	}
	m.donationsPlayed.Inc()
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SinkPanic() {
	if m == nil {
		return
	}
	m.sinkPanics.Inc()
}

func (m *Metrics) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.wsReconnects.Inc()
}

func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.wsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}
