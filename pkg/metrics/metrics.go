// Package metrics holds the worker's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoder_jobs_total",
			Help: "Deliveries handled by the orchestrator, by outcome.",
		},
		[]string{"outcome"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "transcoder_job_duration_seconds",
			Help:    "Wall time of one delivery from claim to cleanup.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"outcome"},
	)

	encoderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoder_encoder_attempts_total",
			Help: "Whole-ladder encode attempts, by result (success, failure, timeout).",
		},
		[]string{"result"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoder_uploads_total",
			Help: "Object uploads to the processed bucket, by result.",
		},
		[]string{"result"},
	)

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcoder_active_jobs",
		Help: "Jobs currently running on this process.",
	})

	sourceSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "transcoder_source_skipped_total",
			Help: "Notifications dropped before becoming a job.",
		},
		[]string{"source", "reason"},
	)
)

func ObserveJob(outcome string, d time.Duration) {
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func EncoderAttempt(result string) {
	encoderAttempts.WithLabelValues(result).Inc()
}

func Upload(ok bool) {
	if ok {
		uploadsTotal.WithLabelValues("success").Inc()
		return
	}
	uploadsTotal.WithLabelValues("failure").Inc()
}

func JobStarted() { activeJobs.Inc() }

func JobFinished() { activeJobs.Dec() }

func SourceSkipped(source, reason string) {
	sourceSkipped.WithLabelValues(source, reason).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
