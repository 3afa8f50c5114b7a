package wsfront

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/pleme-io/lspmux/internal/audit"
	"github.com/pleme-io/lspmux/internal/auth"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/logger"
	"github.com/pleme-io/lspmux/internal/lspproc"
	"github.com/pleme-io/lspmux/internal/metrics"
	"github.com/pleme-io/lspmux/internal/rpc"
	"github.com/pleme-io/lspmux/internal/session"
	"github.com/pleme-io/lspmux/internal/validation"
)

// wsConn adapts a jsonrpc2.Conn to the narrow session.Conn capability: the
// FS bridge and the dispatcher's batch re-entrancy both reach the client
// only through this, never through the websocket directly.
type wsConn struct {
	conn *jsonrpc2.Conn
}

func (c *wsConn) Call(ctx context.Context, method string, params, result interface{}) error {
	return c.conn.Call(ctx, method, params, result)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// authParams is the payload of the handshake's first message.
type authParams struct {
	Token string `json:"token"`
}

// initializeParams is the payload of the handshake's second message. A
// present SessionID asks the front-end to rebind an existing session
// instead of minting a fresh one.
type initializeParams struct {
	Project     string `json:"project"`
	ProjectRoot string `json:"projectRoot"`
	SessionID   string `json:"session_id,omitempty"`
}

type initializeResult struct {
	SessionID     string `json:"session_id"`
	ServerVersion string `json:"server_version"`
}

type fileChangedParams struct {
	Path  string `json:"path"`
	MTime string `json:"mtime,omitempty"`
}

// connHandler runs the per-socket state machine described by the
// WebSocket Front-End: accepted -> authenticated -> initialized -> live,
// with a short-circuit to closed on any protocol violation. One instance
// is created per accepted connection and installed as its jsonrpc2.Handler.
type connHandler struct {
	srv *Server

	state atomic.Int32
	token *auth.Token
	sess  *session.Session
}

func newConnHandler(srv *Server) *connHandler {
	h := &connHandler{srv: srv}
	if !srv.authRequired {
		// With auth disabled the handshake starts at initialize; there is
		// no token to present.
		h.state.Store(int32(stateAuthenticated))
	}
	return h
}

func (h *connHandler) current() connState {
	return connState(h.state.Load())
}

// Handle implements jsonrpc2.Handler, dispatching each inbound frame
// according to the connection's current state.
func (h *connHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	st := h.current()

	if req.Notif {
		if st == stateLive && req.Method == "server/fileChanged" {
			h.handleFileChanged(req)
		}
		return
	}

	switch {
	case (st == stateAccepted || st == stateAuthenticated) && req.Method == "auth":
		// With auth disabled the connection starts authenticated, but a
		// client that presents a token anyway still gets it validated and
		// bound rather than treated as a protocol violation.
		h.handleAuth(ctx, conn, req)
	case st == stateAuthenticated && req.Method == "initialize":
		h.handleInitialize(ctx, conn, req)
	case st == stateLive:
		h.handleToolCall(ctx, conn, req)
	default:
		h.violate(ctx, conn, req, "unexpected message for connection state "+st.String())
	}
}

func (h *connHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params authParams
	if req.Params != nil {
		_ = json.Unmarshal(*req.Params, &params)
	}

	if h.srv.authStore == nil {
		_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindAuthFailed, "authentication is not enabled").ToJSONRPC())
		h.teardown(conn)
		return
	}
	token, err := h.srv.authStore.ValidateToken(params.Token)
	if err != nil {
		audit.LogFailure(audit.OpAuthFailed, "", "", err)
		_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindAuthFailed, "authentication failed").ToJSONRPC())
		h.teardown(conn)
		return
	}

	h.token = token
	h.state.Store(int32(stateAuthenticated))
	_ = conn.Reply(ctx, req.ID, map[string]any{"authenticated": true})
}

func (h *connHandler) handleInitialize(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params initializeParams
	if req.Params != nil {
		_ = json.Unmarshal(*req.Params, &params)
	}
	if params.Project == "" || params.ProjectRoot == "" {
		h.violate(ctx, conn, req, "initialize requires project and projectRoot")
		return
	}
	if err := validation.ValidateProjectID(params.Project); err != nil {
		_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindInvalidParams, "invalid project id").WithCause(err.Error()).ToJSONRPC())
		h.teardown(conn)
		return
	}
	if h.token != nil {
		if h.token.ProjectID != params.Project {
			_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindAuthProjectMismatch, "token project does not match declared project").ToJSONRPC())
			h.teardown(conn)
			return
		}
		if !h.token.HasAllRequired() {
			_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindAuthMissingPerm, "token missing a required permission").ToJSONRPC())
			h.teardown(conn)
			return
		}
	}

	h.state.Store(int32(stateInitialized))

	adapter := &wsConn{conn: conn}
	sess, err := h.resolveSession(params, adapter)
	if err != nil {
		_ = conn.ReplyWithError(ctx, req.ID, rpc.Classify(err).ToJSONRPC())
		h.teardown(conn)
		return
	}
	h.sess = sess

	h.state.Store(int32(stateLive))
	_ = conn.Reply(ctx, req.ID, initializeResult{SessionID: sess.ID, ServerVersion: h.srv.serverVersion})
}

// resolveSession rebinds an existing session named by params.SessionID,
// falls back to (project, root) recovery for a client that lost its id,
// and only mints a fresh session when neither path claims one. A
// session_id that reconnects to a session bound to a different project is
// a protocol violation, not a silent fallback: the stale session is torn
// down rather than left orphaned in the active index.
func (h *connHandler) resolveSession(params initializeParams, adapter session.Conn) (*session.Session, error) {
	if params.SessionID != "" && validation.ValidateSessionID(params.SessionID) == nil {
		if s, ok := h.srv.sessions.Reconnect(params.SessionID, adapter); ok {
			if s.Project != params.Project || s.Root != params.ProjectRoot {
				h.srv.sessions.Remove(s.ID)
				h.srv.bridge.CloseSession(s.ID)
				return nil, rpc.NewError(rpc.KindAuthProjectMismatch, "session_id does not belong to the declared project")
			}
			metrics.RecordSessionReconnect(params.Project)
			audit.LogSuccess(audit.OpSessionReconnect, "", params.Project)
			return s, nil
		}
	}

	if s, ok := h.srv.sessions.FindReconnectable(params.Project, params.ProjectRoot, adapter); ok {
		metrics.RecordSessionReconnect(params.Project)
		audit.LogSuccess(audit.OpSessionReconnect, "", params.Project)
		return s, nil
	}

	var authCtx *auth.AuthContext
	if h.token != nil {
		authCtx = &auth.AuthContext{Token: h.token}
	}
	sess := session.NewSession(params.Project, params.ProjectRoot, authCtx, adapter)
	h.srv.sessions.Add(sess)
	metrics.RecordSessionStart(params.Project)
	audit.LogSuccess(audit.OpSessionConnect, "", params.Project)
	return sess, nil
}

func (h *connHandler) handleToolCall(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	result, err := h.srv.dispatcher.Dispatch(ctx, h.sess, req.Method, req.Params)
	if err != nil {
		// A transient error the LSP child itself returned flows through
		// with its own code untouched; everything else is classified into
		// a fixed client-visible kind.
		var lspErr *lspproc.LspError
		if errors.As(err, &lspErr) {
			_ = conn.ReplyWithError(ctx, req.ID, &jsonrpc2.Error{Code: lspErr.Code, Message: lspErr.Message, Data: lspErr.Data})
			return
		}
		_ = conn.ReplyWithError(ctx, req.ID, rpc.Classify(err).ToJSONRPC())
		return
	}
	_ = conn.Reply(ctx, req.ID, result)
}

// handleFileChanged invalidates the cache entry behind a client-pushed
// change notification. The client reports its own absolute path; the cache
// is keyed by the session-relative virtual form, so the same translation
// the dispatcher applies to tool params is applied here.
func (h *connHandler) handleFileChanged(req *jsonrpc2.Request) {
	var params fileChangedParams
	if req.Params != nil {
		_ = json.Unmarshal(*req.Params, &params)
	}
	if params.Path == "" {
		return
	}
	virtual, err := fsbridge.Translate(h.sess.Root, params.Path)
	if err != nil {
		logger.L().Debug("ignoring fileChanged for untranslatable path", "session_id", h.sess.ID, "path", params.Path, "error", err)
		return
	}
	h.srv.bridge.Invalidate(h.sess.ID, virtual)
}

// violate replies with a classified error and tears the connection down,
// the short-circuit path any state takes on a protocol violation.
func (h *connHandler) violate(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, message string) {
	_ = conn.ReplyWithError(ctx, req.ID, rpc.NewError(rpc.KindSessionNotInit, message).ToJSONRPC())
	h.teardown(conn)
}

func (h *connHandler) teardown(conn *jsonrpc2.Conn) {
	h.state.Store(int32(stateClosing))
	_ = conn.Close()
}

// onDisconnect runs once the underlying connection has gone away for any
// reason (orderly close, socket error, or an explicit teardown above). It
// moves the bound session into its reconnection grace window rather than
// removing it outright, so a client that reconnects promptly resumes the
// same session and pool affinity.
func (h *connHandler) onDisconnect() {
	h.state.Store(int32(stateClosed))
	h.srv.releaseClientSlot()

	if h.sess == nil {
		return
	}
	metrics.RecordSessionDisconnect(h.sess.Project)
	audit.LogSuccess(audit.OpSessionDisconnect, "", h.sess.Project)
	h.srv.sessions.Disconnect(h.sess.ID, h.onExpire)
}

// onExpire runs once, from the session manager's own timer goroutine, if
// the disconnected session's grace window elapses before a reconnect
// claims it.
func (h *connHandler) onExpire(sess *session.Session) {
	h.srv.bridge.CloseSession(sess.ID)
	metrics.RecordSessionEnd(sess.Project, "expired", time.Since(sess.CreatedAt()).Seconds())
	audit.LogSuccess(audit.OpSessionExpire, "", sess.Project)
	logger.L().Info("session expired", "session_id", sess.ID, "project", sess.Project)
}
