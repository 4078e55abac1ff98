// Package metrics holds the prometheus collectors for the job substrate.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartseller"

var (
	jobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs",
		Help:      "Jobs per queue and status, refreshed on every stats call.",
	}, []string{"queue", "status"})

	outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "job_outcomes_total",
		Help:      "Reported job outcomes by resulting status and failure category.",
	}, []string{"queue", "status", "category"})

	claimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_claimed_total",
		Help:      "Jobs leased by claim calls.",
	}, []string{"queue"})

	reclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_reclaimed_total",
		Help:      "Processing jobs returned to pending after their lease expired.",
	}, []string{"queue"})

	lockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_contention_total",
		Help:      "Lock acquisitions that lost to a live holder.",
	}, []string{"key"})

	deadLetterTriage = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letter_triage_total",
		Help:      "Dead-letter processor decisions.",
	}, []string{"queue", "action"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Wall time of a worker batch.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
)

func SetJobCounts(queue string, pending, processing, deadLetter, completedRecent int64) {
	jobs.WithLabelValues(queue, "pending").Set(float64(pending))
	jobs.WithLabelValues(queue, "processing").Set(float64(processing))
	jobs.WithLabelValues(queue, "dead_letter").Set(float64(deadLetter))
	jobs.WithLabelValues(queue, "completed_recent").Set(float64(completedRecent))
}

func Outcome(queue, status, category string) {
	outcomes.WithLabelValues(queue, status, category).Inc()
}

func Claimed(queue string, n int) {
	claimed.WithLabelValues(queue).Add(float64(n))
}

func Reclaimed(queue string, n int64) {
	reclaimed.WithLabelValues(queue).Add(float64(n))
}

func LockContention(key string) {
	lockContention.WithLabelValues(key).Inc()
}

func DeadLetterTriage(queue, action string, n int) {
	deadLetterTriage.WithLabelValues(queue, action).Add(float64(n))
}

func BatchDuration(queue string, d time.Duration) {
	batchDuration.WithLabelValues(queue).Observe(d.Seconds())
}

func Handler() http.Handler { return promhttp.Handler() }
