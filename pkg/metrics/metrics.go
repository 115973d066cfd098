// Package metrics holds the Prometheus collectors shared by cmd/server and
// cmd/worker: queue throughput and depth, handler latency, and agent turn
// behavior, labeled by queue function name and agent kind.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/redis-sre/agentcore/pkg/index"
)

var (
	// TasksProcessed counts queue function executions by outcome and
	// function name.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sre_agent_tasks_processed_total",
		Help: "Total number of processed queue tasks",
	}, []string{"status", "function"})

	// TaskDuration tracks handler execution latency.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sre_agent_task_duration_seconds",
		Help:    "Duration of queue task handler execution",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})

	// QueueDepth tracks the backlog in each priority list plus the
	// processing list, delayed set and dead-letter list, updated periodically by a collector
	// goroutine.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sre_agent_queue_depth",
		Help: "Number of entries waiting in each queue",
	}, []string{"queue"})

	// QueueLatency tracks time spent queued before a worker began
	// processing.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sre_agent_queue_latency_seconds",
		Help:    "Time spent in queue before processing began",
		Buckets: prometheus.DefBuckets,
	}, []string{"function"})

	// TurnDuration tracks end-to-end agent turn latency, by agent kind.
	TurnDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sre_agent_turn_duration_seconds",
		Help:    "Duration of a full agent turn, from dispatch to result",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent_kind"})

	// TurnIterations tracks how many tool-loop iterations a turn used,
	// useful for tuning max_iterations.
	TurnIterations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sre_agent_turn_iterations",
		Help:    "Number of tool-loop iterations used by a turn",
		Buckets: []float64{1, 2, 3, 5, 8, 10, 15},
	}, []string{"agent_kind"})

	// RetriesTotal counts handler retries before either success or
	// dead-lettering.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sre_agent_retries_total",
		Help: "Total number of queue task retries",
	}, []string{"function"})

	// IndexEnsureFailures mirrors index.EnsureIndexFailures as a Prometheus
	// gauge so it can be scraped alongside everything else.
	IndexEnsureFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sre_agent_index_ensure_failures_total",
		Help: "Cumulative count of best-effort RediSearch index maintenance failures",
	})
)

// SampleIndexFailures copies the current value of index.EnsureIndexFailures
// into the Prometheus gauge. Called periodically by the same collector
// goroutine that updates QueueDepth.
func SampleIndexFailures() {
	IndexEnsureFailures.Set(float64(index.EnsureIndexFailures))
}
