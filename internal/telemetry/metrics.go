package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gitops_auditor",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// DeploymentsTotal counts deployments by terminal outcome.
var DeploymentsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gitops_auditor",
		Subsystem: "deployment",
		Name:      "total",
		Help:      "Deployments started, labeled by terminal status once known.",
	},
	[]string{"status"},
)

// DeploymentDuration tracks wall-clock time from in-progress to terminal state.
var DeploymentDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gitops_auditor",
		Subsystem: "deployment",
		Name:      "duration_seconds",
		Help:      "Deployment execution duration in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	},
	[]string{"status"},
)

// DeploymentQueueDepth reports the number of deployments currently queued.
var DeploymentQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gitops_auditor",
		Subsystem: "deployment",
		Name:      "queue_depth",
		Help:      "Number of deployments waiting for a free worker slot.",
	},
)

// PipelinePollDuration tracks how long a single pipeline status poll took.
var PipelinePollDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gitops_auditor",
		Subsystem: "pipeline",
		Name:      "poll_duration_seconds",
		Help:      "Time spent polling a repo host for pipeline run status.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"outcome"},
)

// WebhookEventsTotal counts admitted/rejected/duplicate webhook deliveries.
var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gitops_auditor",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook deliveries processed, labeled by disposition.",
	},
	[]string{"source", "disposition"},
)

// ComplianceScore reports the last computed compliance score per repository.
var ComplianceScore = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gitops_auditor",
		Subsystem: "compliance",
		Name:      "score",
		Help:      "Most recently computed compliance score (0-100) per repository.",
	},
	[]string{"repository"},
)

// EventBusSubscribers reports the current number of connected WebSocket clients.
var EventBusSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gitops_auditor",
		Subsystem: "eventbus",
		Name:      "subscribers",
		Help:      "Currently connected real-time event subscribers.",
	},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared metrics above, and any additional service-specific collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		DeploymentsTotal,
		DeploymentDuration,
		DeploymentQueueDepth,
		PipelinePollDuration,
		WebhookEventsTotal,
		ComplianceScore,
		EventBusSubscribers,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
