// Package metrics exposes Prometheus instruments for attendance sessions.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/MrCodeEU/rollcall/pkg/ledger"
)

// Manager owns the instruments. It implements session.Recorder.
type Manager struct {
	namespace       string
	distanceBuckets []float64
	registry        prometheus.Registerer

	frames        prometheus.Counter
	faces         prometheus.Counter
	skipped       prometheus.Counter
	matches       *prometheus.CounterVec
	matchDistance prometheus.Histogram
	appends       *prometheus.CounterVec
	identities    prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithNamespace sets the namespace for all metrics.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithDistanceBuckets sets histogram buckets for match distances.
func WithDistanceBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) > 0 {
			m.distanceBuckets = buckets
		}
	}
}

// New registers all instruments with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, opts ...Option) *Manager {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Manager{
		namespace:       "rollcall",
		distanceBuckets: []float64{0.1, 0.2, 0.3, 0.4, 0.45, 0.5, 0.6, 0.8, 1.0},
		registry:        reg,
	}
	for _, opt := range opts {
		opt(m)
	}

	f := promauto.With(reg)
	m.frames = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "session", Name: "frames_total",
		Help: "Frames processed by the session loop.",
	})
	m.faces = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "session", Name: "faces_total",
		Help: "Faces detected across all frames.",
	})
	m.skipped = f.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "session", Name: "skipped_faces_total",
		Help: "Faces skipped because they could not be matched.",
	})
	m.matches = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "matcher", Name: "decisions_total",
		Help: "Match decisions by result.",
	}, []string{"result"})
	m.matchDistance = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "matcher", Name: "distance",
		Help:    "Winning mean template distance per face.",
		Buckets: m.distanceBuckets,
	})
	m.appends = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "ledger", Name: "appends_total",
		Help: "Ledger appends by outcome.",
	}, []string{"outcome"})
	m.identities = f.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: "gallery", Name: "identities",
		Help: "Identities in the loaded gallery.",
	})
	m.httpRequests = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: "http", Name: "requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
	m.httpDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

// ObserveFrame counts one frame with faces detections.
func (m *Manager) ObserveFrame(faces int) {
	m.frames.Inc()
	m.faces.Add(float64(faces))
}

// ObserveMatch records one match decision.
func (m *Manager) ObserveMatch(accepted bool, distance float64) {
	result := "unknown"
	if accepted {
		result = "accepted"
	}
	m.matches.WithLabelValues(result).Inc()
	m.matchDistance.Observe(distance)
}

// ObserveAppend records one ledger append.
func (m *Manager) ObserveAppend(outcome ledger.Outcome, err error) {
	if err != nil {
		m.appends.WithLabelValues("error").Inc()
		return
	}
	m.appends.WithLabelValues(outcome.String()).Inc()
}

// ObserveSkipped counts a face that could not be processed.
func (m *Manager) ObserveSkipped() {
	m.skipped.Inc()
}

// SetGalleryIdentities reports the size of the loaded gallery.
func (m *Manager) SetGalleryIdentities(n int) {
	m.identities.Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Manager) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
