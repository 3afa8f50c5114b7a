package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"
)

// BatchCall is one sub-call within a batch tool invocation.
type BatchCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// BatchParams is the batch tool's own parameter shape: a list of sub-calls
// to run against the same bound session.
type BatchParams struct {
	Calls []BatchCall `json:"calls"`
}

// BatchCallResult is one sub-call's outcome within a batch result.
type BatchCallResult struct {
	Method string `json:"method"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult is the batch tool's result: every sub-call's outcome, in
// call order, none of them aborting the others on failure.
type BatchResult struct {
	Results []BatchCallResult `json:"results"`
}

// registerBatchTool wires the batch descriptor, which re-enters the
// dispatcher once per sub-call through the ServiceBatch bundle field rather
// than acquiring any services of its own.
func registerBatchTool(d *Dispatcher) {
	register(d, "batch", "Run several tool calls against the same session and collect their results.", ServiceBatch, false,
		func(ctx context.Context, bundle *Bundle, params BatchParams) (any, error) {
			out := make([]BatchCallResult, 0, len(params.Calls))
			for _, call := range params.Calls {
				raw := call.Params
				result, err := bundle.Dispatcher.Dispatch(ctx, bundle.Session, call.Method, &raw)
				cr := BatchCallResult{Method: call.Method}
				if err != nil {
					cr.Error = err.Error()
				} else {
					cr.Result = result
				}
				out = append(out, cr)
			}
			return BatchResult{Results: out}, nil
		})

	// Each sub-call's params shape depends entirely on its own method,
	// which struct tags on BatchCall.Params (a json.RawMessage) cannot
	// express. Override the reflected schema with an explicit one instead
	// of leaving a meaningless inferred shape for that field.
	d.mu.Lock()
	if desc, ok := d.descriptors["batch"]; ok {
		desc.schema = batchSchema()
	}
	d.mu.Unlock()
}

func batchSchema() map[string]any {
	schema := &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"calls": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"method": {Type: "string"},
						"params": {Type: "object"},
					},
					Required: []string{"method"},
				},
			},
		},
		Required: []string{"calls"},
	}
	return toMap(schema)
}
