package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across every handler.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "repopulse",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// WebhooksReceivedTotal counts inbound platform webhooks by event and outcome.
var WebhooksReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repopulse",
		Subsystem: "webhook",
		Name:      "received_total",
		Help:      "Total number of platform webhooks received, by event and outcome.",
	},
	[]string{"event", "outcome"},
)

// SummaryJobsTotal counts pr-summary job outcomes.
var SummaryJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repopulse",
		Subsystem: "summary",
		Name:      "jobs_total",
		Help:      "Total number of pr-summary jobs processed, by outcome.",
	},
	[]string{"outcome"},
)

// NotificationsTotal counts chat notification delivery attempts.
var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repopulse",
		Subsystem: "notify",
		Name:      "chat_total",
		Help:      "Total number of chat notification attempts, by outcome.",
	},
	[]string{"outcome"},
)

// QueueJobsDeadLettered counts jobs that exhausted retries per queue.
var QueueJobsDeadLettered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "repopulse",
		Subsystem: "queue",
		Name:      "dead_lettered_total",
		Help:      "Total number of jobs moved to the dead-letter zone, by queue.",
	},
	[]string{"queue"},
)

// RiskScoreHistogram tracks the distribution of computed risk scores.
var RiskScoreHistogram = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "repopulse",
		Subsystem: "analyzer",
		Name:      "risk_score",
		Help:      "Distribution of computed PR risk scores.",
		Buckets:   []float64{0, 10, 20, 40, 60, 80, 100},
	},
)

// All returns every repopulse-specific collector, for registration alongside
// the Go/process collectors.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		WebhooksReceivedTotal,
		SummaryJobsTotal,
		NotificationsTotal,
		QueueJobsDeadLettered,
		RiskScoreHistogram,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTP metric, and every repopulse-specific collector.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
