package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests against the sidecar
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewayd_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveSessions tracks currently active (connected) sessions per project
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatewayd_active_sessions",
			Help: "Number of active sessions",
		},
		[]string{"project_id"},
	)

	// DisconnectedSessions tracks sessions in their reconnection grace window
	DisconnectedSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatewayd_disconnected_sessions",
			Help: "Number of sessions awaiting reconnect within their grace window",
		},
		[]string{"project_id"},
	)

	// SessionDuration tracks how long sessions run
	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatewayd_session_duration_seconds",
			Help:    "Session duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"project_id", "status"},
	)

	// LSPServersActive tracks live LSP Pool entries per (project, language)
	LSPServersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gatewayd_lsp_servers_active",
			Help: "Number of live LSP pool entries",
		},
		[]string{"project_id", "language"},
	)

	// LSPServerCrashes counts pool-entry crashes
	LSPServerCrashes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_lsp_server_crashes_total",
			Help: "Total number of LSP child process crashes observed by the pool",
		},
		[]string{"project_id", "language"},
	)

	// LSPServerUnrecoverable counts pool entries torn down after exceeding the retry cap
	LSPServerUnrecoverable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_lsp_server_unrecoverable_total",
			Help: "Total number of pool entries torn down after exceeding the crash retry cap",
		},
		[]string{"project_id", "language"},
	)

	// FSCacheHits and FSCacheMisses track the FS bridge's per-session read cache
	FSCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_fs_cache_hits_total",
			Help: "Total number of FS bridge cache hits",
		},
		[]string{"session_id"},
	)

	FSCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_fs_cache_misses_total",
			Help: "Total number of FS bridge cache misses",
		},
		[]string{"session_id"},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)

	// ConnectionsRejected tracks rejected attempts by reason: max_clients for a
	// WebSocket upgrade over capacity, bad_secret for a POST /auth with the wrong secret
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatewayd_connections_rejected_total",
			Help: "Total number of rejected connection and token-issue attempts",
		},
		[]string{"reason"},
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

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/healthz", "/ready", "/metrics", "/auth", "/ws":
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionStart increments the active session gauge
func RecordSessionStart(projectID string) {
	ActiveSessions.WithLabelValues(projectID).Inc()
}

// RecordSessionEnd decrements the active session gauge and records duration
func RecordSessionEnd(projectID, status string, durationSeconds float64) {
	ActiveSessions.WithLabelValues(projectID).Dec()
	SessionDuration.WithLabelValues(projectID, status).Observe(durationSeconds)
}

// RecordSessionDisconnect moves a session from active to the disconnected gauge
func RecordSessionDisconnect(projectID string) {
	ActiveSessions.WithLabelValues(projectID).Dec()
	DisconnectedSessions.WithLabelValues(projectID).Inc()
}

// RecordSessionReconnect moves a session from disconnected back to active
func RecordSessionReconnect(projectID string) {
	DisconnectedSessions.WithLabelValues(projectID).Dec()
	ActiveSessions.WithLabelValues(projectID).Inc()
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordPoolSpawn increments the live pool entry gauge for (project, language)
func RecordPoolSpawn(projectID, language string) {
	LSPServersActive.WithLabelValues(projectID, language).Inc()
}

// RecordPoolTeardown decrements the live pool entry gauge for (project, language)
func RecordPoolTeardown(projectID, language string) {
	LSPServersActive.WithLabelValues(projectID, language).Dec()
}

// RecordPoolCrash records a pool-entry crash
func RecordPoolCrash(projectID, language string) {
	LSPServerCrashes.WithLabelValues(projectID, language).Inc()
}

// RecordPoolUnrecoverable records a pool entry torn down past its retry cap
func RecordPoolUnrecoverable(projectID, language string) {
	LSPServerUnrecoverable.WithLabelValues(projectID, language).Inc()
}

// RecordCacheHit records an FS bridge cache hit for a session
func RecordCacheHit(sessionID string) {
	FSCacheHits.WithLabelValues(sessionID).Inc()
}

// RecordCacheMiss records an FS bridge cache miss for a session
func RecordCacheMiss(sessionID string) {
	FSCacheMisses.WithLabelValues(sessionID).Inc()
}

// RecordConnectionRejected records a rejected connection or token-issue attempt
func RecordConnectionRejected(reason string) {
	ConnectionsRejected.WithLabelValues(reason).Inc()
}
