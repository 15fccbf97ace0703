package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_scheduler_job_runs_total",
			Help: "Job runs by outcome",
		},
		[]string{"job", "result"},
	)
	jobSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_scheduler_job_skips_total",
			Help: "Job runs skipped by load shedding",
		},
		[]string{"job"},
	)
	jobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_scheduler_job_retries_total",
			Help: "Job attempts retried after a transient error",
		},
		[]string{"job"},
	)
	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_scheduler_job_duration_seconds",
			Help:    "Wall time of a job run including retries",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"job"},
	)
)
