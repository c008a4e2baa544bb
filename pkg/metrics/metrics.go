package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pulsecore.
// Using promauto for automatic registration with default registry.
var (
	// --- Admission Metrics ---

	// AdmissionDecisionsTotal counts Check outcomes by gate and result.
	AdmissionDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions by gate and outcome",
		},
		[]string{"gate", "allowed"},
	)

	// CircuitBreakerState reports the current circuit phase as a gauge
	// (0 = closed, 1 = half-open, 2 = open).
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "admission",
			Name:      "circuit_state",
			Help:      "Current circuit breaker phase (0=closed, 1=half-open, 2=open)",
		},
	)

	// ConcurrentRequests tracks in-flight admitted requests.
	ConcurrentRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "admission",
			Name:      "concurrent_requests",
			Help:      "Number of currently in-flight admitted requests",
		},
	)

	// ProjectedCostUsd tracks the running hourly cost projection.
	ProjectedCostUsd = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "admission",
			Name:      "projected_cost_usd",
			Help:      "Projected hourly cost in USD",
		},
	)

	// --- Freshness / Scheduler Metrics ---

	// TargetsByFreshness counts targets by freshness state.
	TargetsByFreshness = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "freshness",
			Name:      "targets_total",
			Help:      "Number of targets by freshness state",
		},
		[]string{"state"},
	)

	// ScrapesTotal counts scrape attempts by result.
	ScrapesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "scheduler",
			Name:      "scrapes_total",
			Help:      "Total number of scrape attempts by result",
		},
		[]string{"result"},
	)

	// ScrapeDuration tracks scrape request duration.
	ScrapeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulsecore",
			Subsystem: "scheduler",
			Name:      "scrape_duration_seconds",
			Help:      "Duration of scrape requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
	)

	// WorkQueueDepth tracks pending work items awaiting scheduling.
	WorkQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "scheduler",
			Name:      "work_queue_depth",
			Help:      "Number of work items pending scheduling",
		},
	)

	// --- Cron Engine Metrics ---

	// CronExecutionsTotal counts cron job executions by status.
	CronExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "cron",
			Name:      "executions_total",
			Help:      "Total number of cron job executions by status",
		},
		[]string{"job_name", "status"},
	)

	// CronExecutionDuration tracks cron job execution duration.
	CronExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pulsecore",
			Subsystem: "cron",
			Name:      "execution_duration_seconds",
			Help:      "Duration of cron job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
		[]string{"job_name"},
	)

	// CronJobsActive tracks the number of active (schedulable) cron jobs.
	CronJobsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "cron",
			Name:      "jobs_active",
			Help:      "Number of active cron jobs",
		},
	)

	// CronRetriesTotal counts cron job retries.
	CronRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "cron",
			Name:      "retries_total",
			Help:      "Total number of cron job retries",
		},
		[]string{"job_name"},
	)

	// --- Analysis Orchestrator Metrics ---

	// AnalysisRunsTotal counts analysis runs by quality outcome.
	AnalysisRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Total number of analysis runs by quality outcome",
		},
		[]string{"quality"},
	)

	// AnalysisDuration tracks analysis backend call duration.
	AnalysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pulsecore",
			Subsystem: "analysis",
			Name:      "duration_seconds",
			Help:      "Duration of analysis backend calls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	// --- Health Supervisor Metrics ---

	// ActiveNodes tracks number of active cluster nodes.
	ActiveNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "cluster",
			Name:      "active_nodes",
			Help:      "Number of active nodes registered with the coordinator",
		},
	)

	// HealthScore reports the 0-100 composite health score per component.
	HealthScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pulsecore",
			Subsystem: "health",
			Name:      "component_score",
			Help:      "Composite 0-100 health score per component",
		},
		[]string{"component"},
	)

	// RemediationsTotal counts self-healing actions taken by outcome.
	RemediationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pulsecore",
			Subsystem: "health",
			Name:      "remediations_total",
			Help:      "Total number of remediation actions taken by action and outcome",
		},
		[]string{"action", "outcome"},
	)
)

// RecordCronExecution records metrics for a completed cron job execution.
func RecordCronExecution(jobName, status string, durationSeconds float64) {
	CronExecutionsTotal.WithLabelValues(jobName, status).Inc()
	CronExecutionDuration.WithLabelValues(jobName).Observe(durationSeconds)
}

// RecordScrape records a scrape attempt outcome and its duration.
func RecordScrape(result string, durationSeconds float64) {
	ScrapesTotal.WithLabelValues(result).Inc()
	ScrapeDuration.Observe(durationSeconds)
}

// RecordAnalysisRun records an analysis run outcome and its duration.
func RecordAnalysisRun(quality string, durationSeconds float64) {
	AnalysisRunsTotal.WithLabelValues(quality).Inc()
	AnalysisDuration.Observe(durationSeconds)
}

// RecordRemediation records a HealthSupervisor remediation attempt.
func RecordRemediation(action, outcome string) {
	RemediationsTotal.WithLabelValues(action, outcome).Inc()
}
