// Package observability provides the dispatcher's structured-event sink,
// Prometheus metrics, and best-effort sidecar error capture. The metrics
// var-block style and the JSON-line decision log are both grounded on the
// teacher's observability/metrics.go and scheduler.go's logDecision.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ygg_tasks_total",
		Help: "Total tasks processed, by host and terminal status",
	}, []string{"host", "status"})

	// TaskDurationMS reports p50/p95/p99 task duration over a rolling
	// 5-minute window, not a plain histogram: spec.md §4.7 calls for
	// percentiles recomputed from recent samples rather than cumulative
	// bucket counts, so ObserveTaskDuration (not .Observe directly) is how
	// callers feed it -- see duration.go.
	TaskDurationMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ygg_task_duration_ms",
		Help: "Task execution duration percentiles (50/95/99) over a rolling 5-minute window",
	}, []string{"host", "percentile"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ygg_tokens_total",
		Help: "Total tokens consumed by LLM-backed task types",
	}, []string{"host", "type"})

	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ygg_uptime_seconds",
		Help: "Seconds since the dispatcher started",
	})

	HostHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ygg_host_healthy",
		Help: "Current host health as observed by the router (1=healthy, 0=unhealthy)",
	}, []string{"host"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ygg_breaker_state",
		Help: "Circuit breaker state per host (0=closed, 1=half_open, 2=open)",
	}, []string{"host"})

	TaskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ygg_task_retries_total",
		Help: "Total retry attempts across all tasks",
	}, []string{"type"})

	ReadyQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ygg_ready_queue_depth",
		Help: "Number of tasks currently eligible for dispatch",
	})

	InFlightTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ygg_in_flight_tasks",
		Help: "Tasks currently being executed, by host",
	}, []string{"host"})
)
