package mcp

import (
	"context"
	"encoding/json"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/pleme-io/lspmux/internal/session"
)

// BuildMCPServer exposes the same tool table through a real mcpsdk.Server,
// so a standard MCP client can drive this gateway directly rather than
// only through the WebSocket front-end's own framing. A standard
// CallToolRequest has no socket-bound session of its own, so every call
// here must carry a "session_id" argument naming an already-bound session
// from the WebSocket side; there is no SDK-native path to create one.
func (d *Dispatcher) BuildMCPServer(sessions *session.Manager) *mcpsdk.Server {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "lspmux-gateway",
		Version: "0.1.0",
	}, nil)

	for _, desc := range d.Descriptors() {
		tool := &mcpsdk.Tool{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: withSessionID(desc.schema),
		}
		server.AddTool(tool, d.sdkHandler(desc.Name, sessions))
	}
	return server
}

func withSessionID(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	props, _ := out["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	} else {
		cloned := make(map[string]any, len(props)+1)
		for k, v := range props {
			cloned[k] = v
		}
		props = cloned
	}
	props["session_id"] = map[string]any{"type": "string", "description": "id of an already-bound gateway session"}
	out["properties"] = props

	required, _ := out["required"].([]any)
	out["required"] = append(append([]any{}, required...), "session_id")
	return out
}

func (d *Dispatcher) sdkHandler(name string, sessions *session.Manager) func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]json.RawMessage
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return newErrorResult("malformed arguments: " + err.Error()), nil
			}
		}

		var sessionID string
		if raw, ok := args["session_id"]; ok {
			_ = json.Unmarshal(raw, &sessionID)
			delete(args, "session_id")
		}

		sess := sessions.Get(sessionID)
		if sess == nil {
			return newErrorResult("unknown or disconnected session_id"), nil
		}

		encoded, err := json.Marshal(args)
		if err != nil {
			return newErrorResult(err.Error()), nil
		}
		raw := json.RawMessage(encoded)

		result, err := d.Dispatch(ctx, sess, name, &raw)
		if err != nil {
			return newErrorResult(err.Error()), nil
		}

		data, err := json.Marshal(result)
		if err != nil {
			return newErrorResult(err.Error()), nil
		}
		return newTextResult(string(data)), nil
	}
}

func newTextResult(text string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
	}
}

func newErrorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		IsError: true,
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
	}
}
