package frameloop

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

// Metrics counts what the frame loop does. The counters are plain atomics so tests and the CLI
// can read them directly; they are also exported to prometheus through the metrics' own
// registry.
type Metrics struct {
	LoopsStarted   atomic.Uint64
	LoopsStopped   atomic.Uint64
	Faults         atomic.Uint64
	Ticks          atomic.Uint64
	FramesNotReady atomic.Uint64
	Discarded      atomic.Uint64

	DetectionsRaw       atomic.Uint64
	DetectionsMalformed atomic.Uint64
	DetectionsRendered  atomic.Uint64

	Running atomic.Bool

	tickLatency prometheus.Histogram
	registry    *prometheus.Registry
}

// NewMetrics creates a Metrics with its collectors registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "annotator_tick_duration_seconds",
			Help:    "Time from pulling a frame to handing its annotations to the renderer",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		value      *atomic.Uint64
	}{
		{"annotator_loops_started_total", "Frame loops started", &m.LoopsStarted},
		{"annotator_loops_stopped_total", "Frame loops stopped, including faults", &m.LoopsStopped},
		{"annotator_loop_faults_total", "Frame loops stopped by a source or render failure", &m.Faults},
		{"annotator_ticks_total", "Ticks that rendered a frame", &m.Ticks},
		{"annotator_frames_not_ready_total", "Ticks skipped because no frame was ready", &m.FramesNotReady},
		{"annotator_ticks_discarded_total", "Ticks whose result was dropped because the loop stopped", &m.Discarded},
		{"annotator_detections_raw_total", "Detections returned by the detection source", &m.DetectionsRaw},
		{"annotator_detections_malformed_total", "Detections dropped for having no area", &m.DetectionsMalformed},
		{"annotator_detections_rendered_total", "Smoothed detections handed to the renderer", &m.DetectionsRendered},
	}
	for _, c := range counters {
		value := c.value
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(value.Load()) },
		))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "annotator_loop_running",
			Help: "1 while a frame loop is running",
		},
		func() float64 {
			if m.Running.Load() {
				return 1
			}
			return 0
		},
	))
	m.registry.MustRegister(m.tickLatency)
}

// ObserveTick records the duration of one rendered tick.
func (m *Metrics) ObserveTick(d time.Duration) {
	m.tickLatency.Observe(d.Seconds())
}

// Registry exposes the underlying registry, e.g. to add process collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
