// Package metrics exposes pipeline counters to Prometheus. Hot-path code
// bumps plain atomics; the Prometheus collectors read them lazily on scrape.
package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	FramesSubmitted atomic.Uint64
	FramesAnalyzed  atomic.Uint64
	FramesDropped   atomic.Uint64
	FallbackResults atomic.Uint64
	AlertsEmitted   atomic.Uint64
	SamplesWritten  atomic.Uint64
	DecodeErrors    atomic.Uint64
	ActiveStreams   atomic.Int64
	QueueDepth      atomic.Int64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counter := func(name, help string, load func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			load,
		))
	}
	counter("crowdcam_frames_submitted_total", "Total frames submitted for analysis",
		func() float64 { return float64(m.FramesSubmitted.Load()) })
	counter("crowdcam_frames_analyzed_total", "Total frames that completed the pipeline",
		func() float64 { return float64(m.FramesAnalyzed.Load()) })
	counter("crowdcam_frames_dropped_total", "Total frames dropped under backpressure",
		func() float64 { return float64(m.FramesDropped.Load()) })
	counter("crowdcam_fallback_results_total", "Total results produced by the fallback provider",
		func() float64 { return float64(m.FallbackResults.Load()) })
	counter("crowdcam_alerts_emitted_total", "Total alert events emitted",
		func() float64 { return float64(m.AlertsEmitted.Load()) })
	counter("crowdcam_samples_written_total", "Total active-learning samples written",
		func() float64 { return float64(m.SamplesWritten.Load()) })
	counter("crowdcam_decode_errors_total", "Total malformed image payloads rejected",
		func() float64 { return float64(m.DecodeErrors.Load()) })
	counter("crowdcam_active_streams", "Streams with live calibration state",
		func() float64 { return float64(m.ActiveStreams.Load()) })
	counter("crowdcam_queue_depth", "Frames currently queued across all engines",
		func() float64 { return float64(m.QueueDepth.Load()) })
}

// Handler returns the HTTP handler serving the scrape endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
