package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for queue monitoring, exposed via the status server's
// /metrics endpoint.
var (
	metricJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundleaf_jobs_total",
		Help: "Jobs reaching a terminal state, by type and status",
	}, []string{"type", "status"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "soundleaf_job_retries_total",
		Help: "Retry cycles scheduled, by job type",
	}, []string{"type"})

	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundleaf_queue_depth",
		Help: "Jobs currently pending dispatch",
	})

	metricActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "soundleaf_jobs_active",
		Help: "Handlers currently executing",
	})
)
