// Package metrics exposes Prometheus instrumentation for the relay:
// session lifecycle counters, frame pipeline counters, and an
// active-sessions gauge refreshed at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry so
// tests can create instances without global-registration collisions.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted   prometheus.Counter
	sessionsErrored   prometheus.Counter
	sessionsStopped   prometheus.Counter
	activeSessions    prometheus.Gauge
	framesReceived    prometheus.Counter
	framesDropped     prometheus.Counter
	framesBadDecode   prometheus.Counter
	framesWritten     prometheus.Counter
	frameBytesWritten prometheus.Counter
}

// New creates and registers the relay's collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_sessions_started_total",
			Help: "Total number of stream sessions that reached the live state",
		}),
		sessionsErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_sessions_errored_total",
			Help: "Total number of stream sessions that ended in the error state",
		}),
		sessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_sessions_stopped_total",
			Help: "Total number of stream sessions stopped cleanly",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canvascast_active_sessions",
			Help: "Number of sessions currently registered",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_frames_received_total",
			Help: "Total canvas frames received over the transport",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_frames_dropped_total",
			Help: "Total frames dropped by backpressure admission control",
		}),
		framesBadDecode: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_frames_decode_errors_total",
			Help: "Total frames dropped because the image payload failed to decode",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_frames_written_total",
			Help: "Total raw frames written to encoder subprocesses",
		}),
		frameBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canvascast_frame_bytes_written_total",
			Help: "Total raw frame bytes written to encoder subprocesses",
		}),
	}

	registry.MustRegister(
		m.sessionsStarted,
		m.sessionsErrored,
		m.sessionsStopped,
		m.activeSessions,
		m.framesReceived,
		m.framesDropped,
		m.framesBadDecode,
		m.framesWritten,
		m.frameBytesWritten,
	)

	return m
}

// IncSessionsStarted increments the live-session counter.
func (m *Metrics) IncSessionsStarted() { m.sessionsStarted.Inc() }

// IncSessionsErrored increments the errored-session counter.
func (m *Metrics) IncSessionsErrored() { m.sessionsErrored.Inc() }

// IncSessionsStopped increments the clean-stop counter.
func (m *Metrics) IncSessionsStopped() { m.sessionsStopped.Inc() }

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

// IncFramesReceived increments the inbound frame counter.
func (m *Metrics) IncFramesReceived() { m.framesReceived.Inc() }

// IncFramesDropped increments the backpressure-drop counter.
func (m *Metrics) IncFramesDropped() { m.framesDropped.Inc() }

// IncFramesBadDecode increments the decode-error counter.
func (m *Metrics) IncFramesBadDecode() { m.framesBadDecode.Inc() }

// AddFrameWritten records one raw frame of n bytes piped to an encoder.
func (m *Metrics) AddFrameWritten(n int) {
	m.framesWritten.Inc()
	m.frameBytesWritten.Add(float64(n))
}

// Handler returns an http.Handler serving the registry. updateGauges is
// called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
