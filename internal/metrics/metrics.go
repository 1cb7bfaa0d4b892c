// Package metrics exposes Prometheus instrumentation for the pipeline.
// All recorder methods are safe to call on a nil *Pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contentvault"

// Pipeline records run, stage and preference metrics.
type Pipeline struct {
	runs              *prometheus.CounterVec
	transformAttempts *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	preferenceUpdates *prometheus.CounterVec
}

// NewPipeline registers the pipeline metrics on reg. A nil reg yields a
// recorder that drops everything.
func NewPipeline(reg prometheus.Registerer) *Pipeline {
	if reg == nil {
		return &Pipeline{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transform_attempts_total",
		Help:      "Transformer invocations by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of pipeline stages in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "transforms_in_flight",
		Help:      "Transformer invocations currently running.",
	})
	prefs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "preference",
		Name:      "updates_total",
		Help:      "Preference feedback updates by result.",
	}, []string{"result"})
	reg.MustRegister(runs, attempts, duration, inFlight, prefs)
	return &Pipeline{
		runs:              runs,
		transformAttempts: attempts,
		stageDuration:     duration,
		inFlight:          inFlight,
		preferenceUpdates: prefs,
	}
}

// RunFinished counts a run that reached a terminal status.
func (p *Pipeline) RunFinished(status string) {
	if p == nil || p.runs == nil {
		return
	}
	p.runs.WithLabelValues(normalizeLabel(status)).Inc()
}

// TransformAttempt counts one transformer invocation.
func (p *Pipeline) TransformAttempt(outcome string) {
	if p == nil || p.transformAttempts == nil {
		return
	}
	p.transformAttempts.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveStage records how long a stage took.
func (p *Pipeline) ObserveStage(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(normalizeLabel(stage)).Observe(d.Seconds())
}

// TransformStarted increments the in-flight gauge.
func (p *Pipeline) TransformStarted() {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.Inc()
}

// TransformDone decrements the in-flight gauge.
func (p *Pipeline) TransformDone() {
	if p == nil || p.inFlight == nil {
		return
	}
	p.inFlight.Dec()
}

// PreferenceUpdate counts a feedback update.
func (p *Pipeline) PreferenceUpdate(result string) {
	if p == nil || p.preferenceUpdates == nil {
		return
	}
	p.preferenceUpdates.WithLabelValues(normalizeLabel(result)).Inc()
}

func normalizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
