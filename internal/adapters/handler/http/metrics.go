package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/services"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Leaf agent metrics
	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "a2a_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// StatsMiddleware feeds management API traffic into stats.
func StatsMiddleware(stats *services.RequestStats) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			stats.Observe(time.Since(start), wrapped.statusCode)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// MetricsHandler serves the default registry plus the server's own collectors.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(prometheus.Gatherers{prometheus.DefaultGatherer, reg}, promhttp.HandlerOpts{})
}

// RecordRPC counts one JSON-RPC request on a leaf agent.
func RecordRPC(method, outcome string) {
	rpcRequestsTotal.WithLabelValues(method, outcome).Inc()
}

// NewAgentMetrics exposes the task store of a leaf agent.
func NewAgentMetrics(tasks *services.TaskService) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	statuses := map[string]func(domain.TaskStats) float64{
		string(domain.TaskStatusProcessing): func(s domain.TaskStats) float64 { return float64(s.Processing) },
		string(domain.TaskStatusCompleted):  func(s domain.TaskStats) float64 { return float64(s.Completed) },
		string(domain.TaskStatusFailed):     func(s domain.TaskStats) float64 { return float64(s.Failed) },
	}
	for status, value := range statuses {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "a2a_tasks",
			Help:        "Tasks held by the agent by status",
			ConstLabels: prometheus.Labels{"status": status},
		}, func() float64 { return value(tasks.Stats()) }))
	}
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_tasks_accepted_total",
			Help: "Tasks accepted since start",
		}, func() float64 { return float64(tasks.Stats().Accepted) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_tasks_evicted_total",
			Help: "Terminal tasks evicted from the bounded store",
		}, func() float64 { return float64(tasks.Stats().Evicted) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "a2a_tasks_running",
			Help: "Handlers currently executing",
		}, func() float64 { return float64(tasks.Running()) }),
	)
	return reg
}

// NewOrchestratorMetrics exposes routing, discovery and supervision state.
func NewOrchestratorMetrics(router *services.Router, registry *services.Registry, supervisor *services.Supervisor) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_delegations_total",
			Help: "Requests served by a remote agent",
		}, func() float64 { return float64(router.Stats().Delegations) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_fallbacks_total",
			Help: "Requests served by a local fallback",
		}, func() float64 { return float64(router.Stats().Fallbacks) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_route_failures_total",
			Help: "Requests that could neither delegate nor fall back",
		}, func() float64 { return float64(router.Stats().Failures) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "a2a_agents_discovered",
			Help: "Agents in the discovery registry",
		}, func() float64 { return float64(registry.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "a2a_agent_restarts_total",
			Help: "Supervisor restarts of agent processes",
		}, func() float64 { return float64(supervisor.Restarts()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "a2a_system_health_ratio",
			Help: "Fraction of configured agents running",
		}, supervisor.Health),
	)
	for _, status := range []domain.ProcessStatus{
		domain.ProcessStatusStarting, domain.ProcessStatusRunning,
		domain.ProcessStatusStopping, domain.ProcessStatusStopped,
	} {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "a2a_supervised_agents",
			Help:        "Supervised agents by process status",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 { return float64(supervisor.CountByStatus()[status]) }))
	}
	return reg
}
