package mcp

import (
	"context"
	"encoding/json"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/pleme-io/lspmux/internal/rpc"
)

// register wires a typed handler into the dispatcher's tool table: params
// are unmarshaled into P before fn runs, and P's struct tags drive the
// descriptor's JSON schema via jsonschema-go instead of a hand-rolled
// reflection walk.
func register[P any](d *Dispatcher, name, description string, service Service, replayable bool, fn func(ctx context.Context, bundle *Bundle, params P) (any, error)) {
	d.add(&Descriptor{
		Name:        name,
		Description: description,
		Service:     service,
		Replayable:  replayable,
		schema:      schemaFor[P](),
		Handler: func(ctx context.Context, bundle *Bundle, raw json.RawMessage) (any, error) {
			var params P
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &params); err != nil {
					return nil, rpc.NewError(rpc.KindInvalidParams, "malformed tool params").WithCause(err.Error())
				}
			}
			return fn(ctx, bundle, params)
		},
	})
}

// schemaFor reflects P's JSON tags into a JSON Schema document via
// jsonschema-go, falling back to a bare object schema if reflection fails
// (an unexported or cyclic field, for instance) rather than panicking at
// startup over a cosmetic schema-listing detail.
func schemaFor[P any]() map[string]any {
	schema, err := jsonschema.For[P](nil)
	if err != nil || schema == nil {
		return map[string]any{"type": "object"}
	}
	return toMap(schema)
}

func toMap(schema *jsonschema.Schema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
