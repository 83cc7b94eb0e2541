package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumiai_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumiai_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveExecutions tracks sessions with a live inbox consumer
	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumiai_active_executions",
			Help: "Number of sessions with an execution in flight",
		},
	)

	// ExecutionDuration tracks how long an execution task lives
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kumiai_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 900, 1800},
		},
		[]string{"outcome"},
	)

	// QueuePending tracks messages waiting in inboxes
	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumiai_queue_pending",
			Help: "Messages waiting in session inboxes",
		},
	)

	// Subscribers tracks connected event subscribers
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kumiai_subscribers",
			Help: "Number of connected event subscribers",
		},
	)

	// BroadcastDrops counts subscribers dropped because a push failed
	BroadcastDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kumiai_broadcast_dropped_total",
			Help: "Subscribers removed after a failed event push",
		},
	)

	// MessagesPersisted counts messages written by the persistence gateway
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumiai_messages_persisted_total",
			Help: "Messages persisted by role",
		},
		[]string{"role"},
	)

	// StatusTransitions counts session status changes
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumiai_status_transitions_total",
			Help: "Session status transitions",
		},
		[]string{"from", "to", "result"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kumiai_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath collapses session ids out of URL paths to keep label cardinality low
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/mcp", "/mcp/", "/metrics", "/sessions":
		return path
	}
	if strings.HasPrefix(path, "/mcp/") {
		return "/mcp"
	}
	if rest, ok := strings.CutPrefix(path, "/sessions/"); ok {
		if _, tail, found := strings.Cut(rest, "/"); found {
			return "/sessions/{id}/" + tail
		}
		return "/sessions/{id}"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecutionStart increments the active execution gauge
func RecordExecutionStart() {
	ActiveExecutions.Inc()
}

// RecordExecutionEnd decrements the active execution gauge and records duration
func RecordExecutionEnd(outcome string, durationSeconds float64) {
	ActiveExecutions.Dec()
	ExecutionDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// AddQueuePending adjusts the pending message gauge
func AddQueuePending(delta int) {
	QueuePending.Add(float64(delta))
}

// AddSubscribers adjusts the connected subscriber gauge
func AddSubscribers(delta int) {
	Subscribers.Add(float64(delta))
}

// RecordBroadcastDrop records a subscriber dropped by the broadcaster
func RecordBroadcastDrop() {
	BroadcastDrops.Inc()
}

// RecordMessagePersisted records a persisted message
func RecordMessagePersisted(role string) {
	MessagesPersisted.WithLabelValues(role).Inc()
}

// RecordTransition records a status transition attempt
func RecordTransition(from, to string, ok bool) {
	result := "ok"
	if !ok {
		result = "rejected"
	}
	StatusTransitions.WithLabelValues(from, to, result).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}
