// ABOUTME: Prometheus instrumentation for voice sessions and turns
// ABOUTME: All recording methods are safe on a nil *Metrics so callers never branch

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voice_gateway"

// Turn outcomes.
const (
	OutcomeCompleted  = "completed"
	OutcomeSuperseded = "superseded"
	OutcomeFailed     = "failed"
	OutcomeTimeout    = "timeout"
)

// Metrics holds every collector the gateway exports.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	EventsTotal     *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	TurnsTotal      *prometheus.CounterVec
	TurnDuration    *prometheus.HistogramVec
	Fragments       *prometheus.CounterVec
	HandoffsTotal   *prometheus.CounterVec
	ActionsTotal    *prometheus.CounterVec
	StaleFrames     prometheus.Counter
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open voice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Voice sessions by how they ended",
		}, []string{"reason"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800},
		}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Inbound protocol events by interaction type",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before dispatch",
		}, []string{"reason"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Response generations by outcome",
		}, []string{"outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Response generation duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"outcome"}),
		Fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_total",
			Help:      "Response fragments delivered or suppressed",
		}, []string{"result"}),
		HandoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handler transitions",
		}, []string{"from", "to"}),
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Domain action executions",
		}, []string{"action", "result"}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_frames_dropped_total",
			Help:      "Outbound frames dropped at write time because a newer request arrived",
		}),
	}

	m.registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.EventsTotal,
		m.EventsDropped,
		m.TurnsTotal,
		m.TurnDuration,
		m.Fragments,
		m.HandoffsTotal,
		m.ActionsTotal,
		m.StaleFrames,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Turn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
	m.TurnDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// Fragment records a fragment that was delivered (true) or suppressed.
func (m *Metrics) Fragment(delivered bool) {
	if m == nil {
		return
	}
	result := "suppressed"
	if delivered {
		result = "delivered"
	}
	m.Fragments.WithLabelValues(result).Inc()
}

func (m *Metrics) Handoff(from, to string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(from, to).Inc()
}

// Action records a domain action; failed actions are business rejections or errors.
func (m *Metrics) Action(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ActionsTotal.WithLabelValues(name, result).Inc()
}

func (m *Metrics) StaleFrameDropped() {
	if m == nil {
		return
	}
	m.StaleFrames.Inc()
}
