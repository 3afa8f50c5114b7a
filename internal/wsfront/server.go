// Package wsfront implements the WebSocket Front-End: the listener that
// upgrades inbound HTTP connections to WebSocket, drives each connection's
// accepted -> authenticated -> initialized -> live state machine, and
// exposes the out-of-band HTTP sidecar (health, readiness, metrics, and
// token issuance) on the same address.
package wsfront

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/pleme-io/lspmux/internal/auth"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/logger"
	"github.com/pleme-io/lspmux/internal/mcp"
	"github.com/pleme-io/lspmux/internal/metrics"
	"github.com/pleme-io/lspmux/internal/pool"
	"github.com/pleme-io/lspmux/internal/rpc"
	"github.com/pleme-io/lspmux/internal/session"
)

// Config bundles the already-constructed collaborators the front-end
// routes connections into. Nothing here owns its own lifecycle; Server
// only drives them from the socket side.
type Config struct {
	MaxClients     int
	AllowedOrigins []string
	ServerVersion  string
	AuthRequired   bool
	SecretKey      string
	TLSEnabled     bool

	Sessions   *session.Manager
	AuthStore  *auth.Store
	Dispatcher *mcp.Dispatcher
	Bridge     *fsbridge.Bridge
	Pool       *pool.Pool
}

// Server owns the WebSocket listener and its HTTP sidecar.
type Server struct {
	maxClients     int
	allowedOrigins map[string]bool
	serverVersion  string
	authRequired   bool
	secretKey      string
	tlsEnabled     bool
	started        time.Time

	sessions    *session.Manager
	authStore   *auth.Store
	dispatcher  *mcp.Dispatcher
	bridge      *fsbridge.Bridge
	pool        *pool.Pool
	rateLimiter *auth.RateLimiter

	upgrader websocket.Upgrader
	clients  atomic.Int32

	// statsSnapshot is the healthz document body, refreshed on a short
	// cron interval so the handler answers from a cached snapshot instead
	// of walking every component's lock on each probe.
	statsSnapshot atomic.Value
	statsCron     *cron.Cron
}

// NewServer builds a Server ready to Serve once wired with its collaborators.
func NewServer(cfg Config) *Server {
	version := cfg.ServerVersion
	if version == "" {
		version = "0.1.0"
	}

	s := &Server{
		maxClients:     cfg.MaxClients,
		allowedOrigins: originSet(cfg.AllowedOrigins),
		serverVersion:  version,
		authRequired:   cfg.AuthRequired,
		secretKey:      cfg.SecretKey,
		tlsEnabled:     cfg.TLSEnabled,
		started:        time.Now(),
		sessions:       cfg.Sessions,
		authStore:      cfg.AuthStore,
		dispatcher:     cfg.Dispatcher,
		bridge:         cfg.Bridge,
		pool:           cfg.Pool,
		rateLimiter:    auth.DefaultRateLimiter(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.statsCron = cron.New(cron.WithSeconds())
	_, _ = s.statsCron.AddFunc("@every 10s", func() {
		s.statsSnapshot.Store(s.buildHealthDoc())
	})
	s.statsCron.Start()
	return s
}

// Close stops the server's periodic stats refresh. Connection teardown is
// the HTTP server's job; this only releases what NewServer started.
func (s *Server) Close() {
	s.statsCron.Stop()
}

func originSet(origins []string) map[string]bool {
	set := make(map[string]bool, len(origins))
	for _, o := range origins {
		set[o] = true
	}
	return set
}

// checkOrigin allows any origin when allowed_origins was left unconfigured,
// and otherwise requires an exact match (or a literal "*" entry), rejecting
// a missing Origin header once the allowlist is in force.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 || s.allowedOrigins["*"] {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	return s.allowedOrigins[origin]
}

func (s *Server) acquireClientSlot() bool {
	if s.maxClients <= 0 {
		s.clients.Add(1)
		return true
	}
	for {
		cur := s.clients.Load()
		if cur >= int32(s.maxClients) {
			return false
		}
		if s.clients.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (s *Server) releaseClientSlot() {
	s.clients.Add(-1)
}

// Handler builds the sidecar's routing table: /healthz, /ready, and
// /metrics unauthenticated, /auth behind the rate limiter (token issuance
// on POST, bearer-token verification on GET), and /ws carrying the
// WebSocket upgrade.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())

	verify := auth.Middleware(s.authStore)(http.HandlerFunc(s.handleAuthVerify))
	authRoute := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			s.handleAuthIssue(w, r)
			return
		}
		verify.ServeHTTP(w, r)
	})
	mux.Handle("/auth", metrics.Middleware(auth.RateLimitMiddleware(s.rateLimiter)(authRoute)))

	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Serve installs the WebSocket upgrade endpoint and the HTTP sidecar
// (/healthz, /ready, /metrics, /auth) on addr and blocks.
func (s *Server) Serve(addr string) error {
	logger.L().Info("wsfront listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// buildHealthDoc assembles the aggregate-stats document /healthz serves.
func (s *Server) buildHealthDoc() map[string]any {
	sessStats := s.sessions.Stats()
	protocol := "ws"
	if s.tlsEnabled {
		protocol = "wss"
	}

	doc := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"connections": map[string]any{
			"active":       s.clients.Load(),
			"disconnected": sessStats.Disconnected,
			"total":        int(s.clients.Load()) + sessStats.Disconnected,
		},
		"sessions": map[string]any{
			"active":       sessStats.Active,
			"disconnected": sessStats.Disconnected,
			"projects":     sessStats.Projects,
		},
		"security": map[string]any{
			"tls":      s.tlsEnabled,
			"protocol": protocol,
		},
	}
	if s.pool != nil {
		poolStats := s.pool.Stats()
		doc["lsp_servers"] = map[string]any{
			"active":    poolStats.Active,
			"projects":  poolStats.Projects,
			"languages": poolStats.Languages,
		}
	}
	if s.bridge != nil {
		cacheStats := s.bridge.Stats()
		doc["cache"] = map[string]any{
			"sessions": cacheStats.Sessions,
			"entries":  cacheStats.Entries,
		}
	}
	return doc
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if doc, ok := s.statsSnapshot.Load().(map[string]any); ok {
		writeJSON(w, http.StatusOK, doc)
		return
	}
	writeJSON(w, http.StatusOK, s.buildHealthDoc())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleAuthIssue exchanges the configured shared secret for a fresh bearer
// token bound to the requested project, the POST /auth surface.
func (s *Server) handleAuthIssue(w http.ResponseWriter, r *http.Request) {
	if !s.authRequired || s.secretKey == "" {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "authentication is not enabled"})
		return
	}

	var req struct {
		ProjectID string `json:"project_id"`
		SecretKey string `json:"secret_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "project_id and secret_key are required"})
		return
	}
	if req.SecretKey != s.secretKey {
		metrics.RecordConnectionRejected("bad_secret")
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid secret_key"})
		return
	}

	expires := time.Now().Add(24 * time.Hour)
	token, err := s.authStore.CreateToken("issued-via-api", req.ProjectID, auth.RequiredPermissions, &expires)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "token creation failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token.ID,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

// handleAuthVerify lets a client validate a bearer token out-of-band before
// opening the WebSocket and spending a handshake round trip on a token that
// turns out to be invalid or expired.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	authCtx := auth.FromContext(r.Context())
	if authCtx == nil || authCtx.Token == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"valid": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       true,
		"project_id":  authCtx.Token.ProjectID,
		"permissions": authCtx.Token.Permissions,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Info("websocket upgrade failed", "error", err)
		return
	}

	if !s.acquireClientSlot() {
		metrics.RecordConnectionRejected("max_clients")
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(1008, "max_clients reached"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	stream := rpc.NewWebSocketStream(conn)
	handler := newConnHandler(s)
	rpcConn := jsonrpc2.NewConn(r.Context(), stream, jsonrpc2.AsyncHandler(handler))

	<-rpcConn.DisconnectNotify()
	handler.onDisconnect()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
