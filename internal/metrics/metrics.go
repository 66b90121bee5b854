// Package metrics exposes Prometheus collectors for the scheduling engine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal           *prometheus.CounterVec
	tasksInFlight        prometheus.Gauge
	admissionDenials     *prometheus.CounterVec
	retriesTotal         *prometheus.CounterVec
	checkpointFlushes    prometheus.Counter
	pressureLevel        prometheus.Gauge
	batchDurationSeconds prometheus.Histogram
	batchesTotal         *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "urlsieve_tasks_total",
				Help: "Total tasks resolved, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		tasksInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "urlsieve_tasks_in_flight",
				Help: "Tasks currently dispatched to the collaborator.",
			},
		)

		admissionDenials = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "urlsieve_admission_denials_total",
				Help: "Admission denials, labeled by reason (cap, cooldown, pressure).",
			},
			[]string{"reason"},
		)

		retriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "urlsieve_retries_total",
				Help: "Task retries, labeled by failure class.",
			},
			[]string{"class"},
		)

		checkpointFlushes = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "urlsieve_checkpoint_appends_total",
				Help: "Checkpoint records appended.",
			},
		)

		pressureLevel = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "urlsieve_pressure_level",
				Help: "Current resource pressure (0 normal, 1 elevated, 2 critical).",
			},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "urlsieve_batch_duration_seconds",
				Help:    "Wall-clock duration of completed batches.",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "urlsieve_batches_total",
				Help: "Batches finalized, labeled by terminal status.",
			},
			[]string{"status"},
		)
	})
}

// ObserveTask counts one resolved task by outcome.
func ObserveTask(outcome string) {
	if tasksTotal != nil {
		tasksTotal.WithLabelValues(outcome).Inc()
	}
}

// TaskStarted increments the in-flight gauge.
func TaskStarted() {
	if tasksInFlight != nil {
		tasksInFlight.Inc()
	}
}

// TaskFinished decrements the in-flight gauge.
func TaskFinished() {
	if tasksInFlight != nil {
		tasksInFlight.Dec()
	}
}

// ObserveDenial counts one admission denial by reason.
func ObserveDenial(reason string) {
	if admissionDenials != nil {
		admissionDenials.WithLabelValues(reason).Inc()
	}
}

// ObserveRetry counts one retry by failure class.
func ObserveRetry(class string) {
	if retriesTotal != nil {
		retriesTotal.WithLabelValues(class).Inc()
	}
}

// ObserveCheckpointAppend counts one checkpoint record.
func ObserveCheckpointAppend() {
	if checkpointFlushes != nil {
		checkpointFlushes.Inc()
	}
}

// SetPressure records the current pressure level.
func SetPressure(level int) {
	if pressureLevel != nil {
		pressureLevel.Set(float64(level))
	}
}

// ObserveBatch records a finalized batch's status and duration.
func ObserveBatch(status string, dur time.Duration) {
	if batchesTotal != nil {
		batchesTotal.WithLabelValues(status).Inc()
	}
	if batchDurationSeconds != nil {
		batchDurationSeconds.Observe(dur.Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
