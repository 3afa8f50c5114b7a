package wsfront

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pleme-io/lspmux/internal/auth"
	"github.com/pleme-io/lspmux/internal/config"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/mcp"
	"github.com/pleme-io/lspmux/internal/pool"
	"github.com/pleme-io/lspmux/internal/session"
)

// testHarness wires a real Server against a real session.Manager,
// auth.Store, and mcp.Dispatcher, the way cmd/gatewayd does, so tests
// exercise the actual handshake and framing rather than a stand-in.
type testHarness struct {
	t       *testing.T
	server  *httptest.Server
	sess    *session.Manager
	tokenID string
}

func newHarness(t *testing.T, maxClients int) *testHarness {
	return newHarnessAuth(t, maxClients, true)
}

func newHarnessAuth(t *testing.T, maxClients int, authRequired bool) *testHarness {
	t.Helper()

	store, err := auth.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	token, err := store.CreateToken("test", "proj1", auth.RequiredPermissions, nil)
	if err != nil {
		t.Fatalf("CreateToken() error = %v", err)
	}

	p := pool.New(pool.Config{})
	t.Cleanup(func() { _ = p.Stop() })
	bridge := fsbridge.New()
	registry := &config.LSPServerRegistry{Servers: map[string]config.LSPServerDefinition{}}
	d := mcp.New(p, bridge, registry, map[string]string{})
	mcp.RegisterBuiltins(d)

	sessions := session.New(200 * time.Millisecond)

	srv := NewServer(Config{
		MaxClients:   maxClients,
		AuthRequired: authRequired,
		SecretKey:    "s3cret",
		Sessions:     sessions,
		AuthStore:    store,
		Dispatcher:   d,
		Bridge:       bridge,
		Pool:         p,
	})
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHarness{t: t, server: ts, sess: sessions, tokenID: token.ID}
}

func (h *testHarness) dial() *testClient {
	h.t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		h.t.Fatalf("Dial() error = %v", err)
	}
	return newTestClient(h.t, conn)
}

// testClient is a minimal hand-rolled JSON-RPC 2.0 peer: it can issue its
// own requests and await replies by id, and it answers server-originated
// requests (the FS bridge's client/readFile and friends) from a canned
// file map, the way a real editor extension would.
type testClient struct {
	t    *testing.T
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[float64]chan map[string]any
	nextID  int

	// files is the canned client-side filesystem; guarded by mu since the
	// read loop serves server-originated RPCs from it concurrently with
	// test-driven edits.
	files map[string]string
}

func (c *testClient) setFile(path, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = content
}

func newTestClient(t *testing.T, conn *websocket.Conn) *testClient {
	c := &testClient{
		t:       t,
		conn:    conn,
		pending: make(map[float64]chan map[string]any),
		files:   map[string]string{"/root/main.go": "package main"},
	}
	go c.readLoop()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) readLoop() {
	for {
		var msg map[string]any
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		_, hasMethod := msg["method"]
		_, hasID := msg["id"]

		if hasMethod && hasID {
			c.serveRequest(msg)
			continue
		}
		if hasMethod {
			continue // notification from the server, nothing to do here
		}
		if id, ok := msg["id"].(float64); ok && hasID {
			c.mu.Lock()
			ch := c.pending[id]
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
		}
	}
}

// serveRequest answers a server-originated RPC the FS bridge issued.
func (c *testClient) serveRequest(msg map[string]any) {
	method, _ := msg["method"].(string)
	params, _ := msg["params"].(map[string]any)
	id := msg["id"]

	c.mu.Lock()
	var result any
	switch method {
	case "client/readFile":
		path, _ := params["path"].(string)
		result = map[string]any{"content": c.files[path], "mtime": "t1"}
	case "client/writeFile":
		path, _ := params["path"].(string)
		content, _ := params["content"].(string)
		c.files[path] = content
		result = map[string]any{}
	case "client/fileExists":
		path, _ := params["path"].(string)
		_, ok := c.files[path]
		result = map[string]any{"exists": ok}
	default:
		result = map[string]any{}
	}
	c.mu.Unlock()

	_ = c.conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (c *testClient) call(method string, params any) map[string]any {
	c.t.Helper()
	c.mu.Lock()
	c.nextID++
	id := float64(c.nextID)
	ch := make(chan map[string]any, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		c.t.Fatalf("WriteJSON() error = %v", err)
	}

	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		c.t.Fatalf("timed out waiting for reply to %s", method)
		return nil
	}
}

func (c *testClient) notify(method string, params any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "method": method, "params": params}); err != nil {
		c.t.Fatalf("WriteJSON() error = %v", err)
	}
}

func (c *testClient) handshake(tokenID, project, root string) string {
	c.t.Helper()
	authReply := c.call("auth", map[string]any{"token": tokenID})
	if authReply["error"] != nil {
		c.t.Fatalf("auth failed: %v", authReply["error"])
	}

	initReply := c.call("initialize", map[string]any{"project": project, "projectRoot": root})
	if initReply["error"] != nil {
		c.t.Fatalf("initialize failed: %v", initReply["error"])
	}
	result, _ := initReply["result"].(map[string]any)
	sessionID, _ := result["session_id"].(string)
	if sessionID == "" {
		c.t.Fatalf("initialize did not return a session_id: %v", initReply)
	}
	return sessionID
}

func TestWSFront_HandshakeThenReadFile(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()

	client.handshake(h.tokenID, "proj1", "/root")

	reply := client.call("read_file", map[string]any{"file_path": "/root/main.go"})
	if reply["error"] != nil {
		t.Fatalf("read_file failed: %v", reply["error"])
	}
	result, _ := reply["result"].(map[string]any)
	if result["content"] != "package main" {
		t.Errorf("content = %v, want %q", result["content"], "package main")
	}
}

func TestWSFront_WriteThenReadFile(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()
	client.handshake(h.tokenID, "proj1", "/root")

	writeReply := client.call("write_file", map[string]any{"file_path": "/root/new.go", "content": "x"})
	if writeReply["error"] != nil {
		t.Fatalf("write_file failed: %v", writeReply["error"])
	}

	readReply := client.call("read_file", map[string]any{"file_path": "/root/new.go"})
	result, _ := readReply["result"].(map[string]any)
	if result["content"] != "x" {
		t.Errorf("content = %v, want %q", result["content"], "x")
	}
}

func TestWSFront_ToolCallBeforeInitializeIsRejected(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()

	reply := client.call("read_file", map[string]any{"file_path": "/root/main.go"})
	if reply["error"] == nil {
		t.Fatal("expected an error for a tool call before the handshake completes")
	}
}

func TestWSFront_BadTokenRejectsAuth(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()

	reply := client.call("auth", map[string]any{"token": "gw_not-a-real-token"})
	if reply["error"] == nil {
		t.Fatal("expected auth to fail for an unknown token")
	}
}

func TestWSFront_ProjectMismatchRejectsInitialize(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()

	authReply := client.call("auth", map[string]any{"token": h.tokenID})
	if authReply["error"] != nil {
		t.Fatalf("auth failed: %v", authReply["error"])
	}

	initReply := client.call("initialize", map[string]any{"project": "other-project", "projectRoot": "/root"})
	if initReply["error"] == nil {
		t.Fatal("expected initialize to fail on project mismatch")
	}
}

func TestWSFront_MaxClientsRejectsBeyondCapacity(t *testing.T) {
	h := newHarness(t, 1)

	first := h.dial()
	first.handshake(h.tokenID, "proj1", "/root")

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws"
	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = second.Close() }()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	if err == nil {
		t.Fatal("expected the second connection to be closed for exceeding max_clients")
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != 1008 {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
}

func TestWSFront_AuthDisabledSkipsTokenHandshake(t *testing.T) {
	h := newHarnessAuth(t, 0, false)
	client := h.dial()

	initReply := client.call("initialize", map[string]any{"project": "proj1", "projectRoot": "/root"})
	if initReply["error"] != nil {
		t.Fatalf("initialize failed with auth disabled: %v", initReply["error"])
	}

	reply := client.call("read_file", map[string]any{"file_path": "/root/main.go"})
	if reply["error"] != nil {
		t.Fatalf("read_file failed: %v", reply["error"])
	}
}

func TestWSFront_FileChangedInvalidatesCache(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()
	client.handshake(h.tokenID, "proj1", "/root")

	first := client.call("read_file", map[string]any{"file_path": "/root/main.go"})
	result, _ := first["result"].(map[string]any)
	if result["content"] != "package main" {
		t.Fatalf("content = %v, want %q", result["content"], "package main")
	}

	client.setFile("/root/main.go", "package changed")
	client.notify("server/fileChanged", map[string]any{"path": "/root/main.go"})

	// The notification races the next request on the same socket; poll for
	// the invalidation to land rather than asserting on the first read.
	deadline := time.Now().Add(2 * time.Second)
	for {
		reply := client.call("read_file", map[string]any{"file_path": "/root/main.go"})
		result, _ := reply["result"].(map[string]any)
		if result["content"] == "package changed" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("content = %v, want %q after fileChanged", result["content"], "package changed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWSFront_HealthzReportsAggregateStats(t *testing.T) {
	h := newHarness(t, 0)
	client := h.dial()
	client.handshake(h.tokenID, "proj1", "/root")

	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding healthz body: %v", err)
	}

	if doc["status"] != "ok" {
		t.Errorf("status = %v, want ok", doc["status"])
	}
	if _, ok := doc["uptime_seconds"]; !ok {
		t.Error("healthz missing uptime_seconds")
	}
	for _, section := range []string{"connections", "sessions", "lsp_servers", "cache", "security"} {
		if _, ok := doc[section].(map[string]any); !ok {
			t.Errorf("healthz missing %s section", section)
		}
	}
	sessions, _ := doc["sessions"].(map[string]any)
	if sessions["active"] != float64(1) {
		t.Errorf("sessions.active = %v, want 1", sessions["active"])
	}
}

func TestWSFront_AuthIssueToken(t *testing.T) {
	h := newHarness(t, 0)

	body := strings.NewReader(`{"project_id": "proj2", "secret_key": "s3cret"}`)
	resp, err := http.Post(h.server.URL+"/auth", "application/json", body)
	if err != nil {
		t.Fatalf("POST /auth error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var issued struct {
		Token     string `json:"token"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		t.Fatalf("decoding issue response: %v", err)
	}
	if issued.Token == "" || issued.ExpiresAt == "" {
		t.Fatalf("issue response incomplete: %+v", issued)
	}

	// The issued token must pass the WebSocket handshake for its project.
	client := h.dial()
	client.handshake(issued.Token, "proj2", "/root")
}

func TestWSFront_AuthIssueRejectsBadSecret(t *testing.T) {
	h := newHarness(t, 0)

	body := strings.NewReader(`{"project_id": "proj2", "secret_key": "wrong"}`)
	resp, err := http.Post(h.server.URL+"/auth", "application/json", body)
	if err != nil {
		t.Fatalf("POST /auth error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWSFront_ReconnectWithinGraceReusesSession(t *testing.T) {
	h := newHarness(t, 0)

	client := h.dial()
	sessionID := client.handshake(h.tokenID, "proj1", "/root")
	_ = client.conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server observe the close

	second := h.dial()
	authReply := second.call("auth", map[string]any{"token": h.tokenID})
	if authReply["error"] != nil {
		t.Fatalf("auth failed: %v", authReply["error"])
	}
	initReply := second.call("initialize", map[string]any{"project": "proj1", "projectRoot": "/root", "session_id": sessionID})
	if initReply["error"] != nil {
		t.Fatalf("initialize failed: %v", initReply["error"])
	}
	result, _ := initReply["result"].(map[string]any)
	if result["session_id"] != sessionID {
		t.Errorf("session_id = %v, want %v", result["session_id"], sessionID)
	}

	projectSessions := h.sess.SessionsForProject("proj1")
	if len(projectSessions) != 1 {
		t.Errorf("sessions for project = %d, want 1", len(projectSessions))
	}
}
