// Package lspproc manages the lifecycle of a single spawned LSP child
// process: starting it, framing its stdio as JSON-RPC 2.0, and exposing the
// textDocument/* calls the gateway drives against it.
package lspproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"
)

// requestTimeout bounds every request against an LSP child; a wedged
// server must not hold a tool call open indefinitely.
const requestTimeout = 60 * time.Second

// LspError is a JSON-RPC error object returned by the LSP child, surfaced
// to callers as a typed failure rather than an empty result. Transient LSP
// errors flow through to the tool result unchanged; only transport death
// triggers pool-level replay.
type LspError struct {
	Code    int64
	Message string
	Data    *json.RawMessage
}

func (e *LspError) Error() string {
	return fmt.Sprintf("lsp error %d: %s", e.Code, e.Message)
}

// NotificationHandler receives notifications pushed by the LSP server, most
// importantly textDocument/publishDiagnostics.
type NotificationHandler func(ctx context.Context, method string, params *jsonMessage)

type jsonMessage = jsonrpc2.Request

// Client wraps one spawned LSP server and its jsonrpc2.Conn.
type Client struct {
	Language string

	conn *jsonrpc2.Conn
	cmd  *exec.Cmd

	mu       sync.Mutex
	notifyFn NotificationHandler

	waitOnce sync.Once
	waitErr  error
}

type handlerFunc struct {
	client *Client
}

func (h handlerFunc) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		// LSP servers occasionally issue server-to-client requests
		// (workspace/configuration, client/registerCapability). None of
		// those are load-bearing for the tool surface this gateway
		// exposes, so they're acknowledged with an empty result rather
		// than left to time out on the server side.
		_ = conn.Reply(ctx, req.ID, struct{}{})
		return
	}

	h.client.mu.Lock()
	fn := h.client.notifyFn
	h.client.mu.Unlock()
	if fn != nil {
		fn(ctx, req.Method, req)
	}
}

// Start spawns command with workDir as its cwd and returns a Client wired
// to its stdio over Content-Length-framed JSON-RPC 2.0.
func Start(ctx context.Context, language, command string, args []string, workDir string) (*Client, error) {
	stream, cmd, err := spawn(ctx, command, args, workDir)
	if err != nil {
		return nil, err
	}

	client := &Client{Language: language, cmd: cmd}
	objStream := jsonrpc2.NewBufferedStream(stream, jsonrpc2.VSCodeObjectCodec{})
	client.conn = jsonrpc2.NewConn(ctx, objStream, jsonrpc2.AsyncHandler(handlerFunc{client: client}))
	return client, nil
}

// OnNotify registers the callback invoked for every notification the LSP
// server pushes (diagnostics, log messages, progress).
func (c *Client) OnNotify(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyFn = fn
}

// Call issues a request to the LSP server with the per-request timeout
// applied and decodes its result into v. An error response from the server
// surfaces as a typed *LspError.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	err := c.conn.Call(ctx, method, params, result)
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return &LspError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	}
	return err
}

// Notify sends a notification to the LSP server.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	return c.conn.Notify(ctx, method, params)
}

// DisconnectNotify fires when the underlying connection (and therefore,
// transitively, the child process's stdio) is torn down.
func (c *Client) DisconnectNotify() <-chan struct{} {
	return c.conn.DisconnectNotify()
}

// Close shuts down the jsonrpc2 connection, which closes the child's stdio.
// It does not wait for the process to exit; Wait reaps it.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Pid returns the spawned process's OS pid, for stale-process bookkeeping.
func (c *Client) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Kill forcibly terminates the child process without going through the
// JSON-RPC shutdown handshake, for use when graceful teardown has already
// failed or timed out.
func (c *Client) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Wait blocks until the child process exits and the OS reaps its process
// table entry. Safe to call from multiple goroutines; only the first call
// performs the underlying wait.
func (c *Client) Wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// Command returns the executable path the child was spawned from, for
// stale-process bookkeeping.
func (c *Client) Command() string {
	return c.cmd.Path
}
