package pipeline

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var stepBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1200}

// Metrics records pipeline outcomes.
type Metrics struct {
	runs         *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	pushAttempts *prometheus.CounterVec
}

// NewMetrics registers the pipeline collectors with reg, reusing collectors
// that are already registered. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickdeploy",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by final result",
		}, []string{"result"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "quickdeploy",
			Subsystem: "pipeline",
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps",
			Buckets:   stepBuckets,
		}, []string{"step"}),
		pushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quickdeploy",
			Subsystem: "registry",
			Name:      "push_attempts_total",
			Help:      "Registry push attempts by result",
		}, []string{"result"}),
	}
	m.runs = registerCounter(reg, m.runs)
	m.stepDuration = registerHistogram(reg, m.stepDuration)
	m.pushAttempts = registerCounter(reg, m.pushAttempts)
	return m
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogram(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func (m *Metrics) run(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

func (m *Metrics) step(step string, started time.Time) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
}

func (m *Metrics) push(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "success"
	}
	m.pushAttempts.WithLabelValues(result).Inc()
}
