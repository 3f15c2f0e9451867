// Package metrics holds the prometheus collectors shared by the monitor, the sessions and the processor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	memoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medinfer_memory_percent",
		Help: "System memory utilisation at the last sample",
	})
	cpuPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "medinfer_cpu_percent",
		Help: "System CPU utilisation over the last sample window",
	})
	reclaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medinfer_reclaims_total",
		Help: "Forced memory reclamation passes",
	})
	degradedSamplesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "medinfer_degraded_samples_total",
		Help: "Resource samples that fell back to the last known values",
	})
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "medinfer_requests_total",
		Help: "Prediction requests by task, predictor and outcome",
	}, []string{"task", "predictor", "outcome"})
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "medinfer_request_duration_seconds",
		Help:    "Prediction latency by task and stage",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"task", "stage"})
	sessionsLoaded = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "medinfer_sessions_loaded",
		Help: "Whether a session is loaded for a task (1) or absent (0)",
	}, []string{"task"})
)

func RecordSample(memory, cpu float64, degraded bool) {
	if degraded {
		degradedSamplesTotal.Inc()
		return
	}
	memoryPercent.Set(memory)
	cpuPercent.Set(cpu)
}

func RecordReclaim() {
	reclaimsTotal.Inc()
}

func RecordRequest(task, predictor, outcome string) {
	requestsTotal.WithLabelValues(task, predictor, outcome).Inc()
}

func ObserveStage(task, stage string, d time.Duration) {
	requestDuration.WithLabelValues(task, stage).Observe(d.Seconds())
}

func RecordSession(task string, loaded bool) {
	v := 0.0
	if loaded {
		v = 1
	}
	sessionsLoaded.WithLabelValues(task).Set(v)
}
