// Package observability exposes Prometheus metrics and health checks for
// orchestra.
package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Orchestration metrics
	orchestrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_orchestrations_total",
			Help: "Total number of orchestration calls by mode and final status",
		},
		[]string{"mode", "status"},
	)

	orchestrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_orchestration_duration_seconds",
			Help:    "Orchestration duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	routingDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_routing_decisions_total",
			Help: "Total number of routing decisions by selected agent",
		},
		[]string{"agent", "fallback"},
	)

	// Agent metrics
	agentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_agent_invocations_total",
			Help: "Total number of agent invocations",
		},
		[]string{"agent", "status"},
	)

	agentInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestra_agent_invocation_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	agentTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_agent_tokens_total",
			Help: "Total number of model tokens consumed per agent",
		},
		[]string{"agent"},
	)

	middlewareRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_middleware_rejections_total",
			Help: "Total number of invocations rejected by an interceptor",
		},
		[]string{"interceptor"},
	)

	// State metrics
	checkpointWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestra_checkpoint_writes_total",
			Help: "Total number of checkpoint writes",
		},
		[]string{"store", "status"},
	)

	activeThreads = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_active_threads",
			Help: "Number of live session threads",
		},
	)

	activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_active_runs",
			Help: "Number of workflow runs currently executing",
		},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestra_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the metrics with the default Prometheus registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			orchestrationsTotal,
			orchestrationDuration,
			routingDecisionsTotal,
			agentInvocationsTotal,
			agentInvocationDuration,
			agentTokensTotal,
			middlewareRejectionsTotal,
			checkpointWritesTotal,
			activeThreads,
			activeRuns,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordOrchestration records one orchestration call.
func RecordOrchestration(mode, status string, duration time.Duration) {
	orchestrationsTotal.WithLabelValues(mode, status).Inc()
	orchestrationDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRoutingDecision records the agent a router selected.
func RecordRoutingDecision(agent string, fallback bool) {
	fb := "false"
	if fallback {
		fb = "true"
	}
	routingDecisionsTotal.WithLabelValues(agent, fb).Inc()
}

// RecordAgentInvocation records agent invocation metrics
func RecordAgentInvocation(agent, status string, duration time.Duration) {
	agentInvocationsTotal.WithLabelValues(agent, status).Inc()
	agentInvocationDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordTokens adds tokens consumed by agent.
func RecordTokens(agent string, tokens int) {
	if tokens > 0 {
		agentTokensTotal.WithLabelValues(agent).Add(float64(tokens))
	}
}

// RecordRejection records an interceptor rejection.
func RecordRejection(interceptor string) {
	middlewareRejectionsTotal.WithLabelValues(interceptor).Inc()
}

// RecordCheckpointWrite records a checkpoint write.
func RecordCheckpointWrite(store, status string) {
	checkpointWritesTotal.WithLabelValues(store, status).Inc()
}

// SetActiveThreads sets the live thread gauge
func SetActiveThreads(count int) {
	activeThreads.Set(float64(count))
}

// AddActiveRuns adjusts the running workflow gauge by delta.
func AddActiveRuns(delta int) {
	activeRuns.Add(float64(delta))
}

// UpdateSystemMetrics samples memory and goroutine gauges.
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.Set(float64(m.Alloc))
	goroutines.Set(float64(runtime.NumGoroutine()))
}
