package sagaflow

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry     *prometheus.Registry
	sagaStarted  prometheus.Counter
	sagaFinished *prometheus.CounterVec
	stepRetries  *prometheus.CounterVec
	sagaDuration prometheus.Histogram
}

// NewMetrics creates a metrics registry and registers saga metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	sagaStarted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of started sagas.",
	})

	sagaFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of sagas reaching a terminal state.",
	}, []string{"state"})

	stepRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_retries_total",
		Help: "Total number of step attempt retries.",
	}, []string{"step"})

	sagaDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saga_duration_seconds",
		Help:    "Time from saga start to its terminal state in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	registry.MustRegister(sagaStarted, sagaFinished, stepRetries, sagaDuration)

	return &Metrics{
		registry:     registry,
		sagaStarted:  sagaStarted,
		sagaFinished: sagaFinished,
		stepRetries:  stepRetries,
		sagaDuration: sagaDuration,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncSagaStarted increments the started saga counter.
func (m *Metrics) IncSagaStarted() {
	if m == nil {
		return
	}
	m.sagaStarted.Inc()
}

// IncSagaFinished increments the terminal state counter.
func (m *Metrics) IncSagaFinished(state SagaState) {
	if m == nil {
		return
	}
	m.sagaFinished.WithLabelValues(string(state)).Inc()
}

// IncStepRetry increments the retry counter for a step.
func (m *Metrics) IncStepRetry(step string) {
	if m == nil {
		return
	}
	m.stepRetries.WithLabelValues(step).Inc()
}

// ObserveSagaDuration records a finished saga's total duration.
func (m *Metrics) ObserveSagaDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.sagaDuration.Observe(d.Seconds())
}
