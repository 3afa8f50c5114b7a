// Package mcp implements the MCP Dispatcher: the tool descriptor table that
// binds an inbound tool-call method name to an LSP operation, acquiring
// whatever pool and filesystem services that operation declares it needs
// and releasing them exactly once regardless of outcome.
package mcp

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"sync"

	"github.com/pleme-io/lspmux/internal/config"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/lspproc"
	"github.com/pleme-io/lspmux/internal/metrics"
	"github.com/pleme-io/lspmux/internal/pool"
	"github.com/pleme-io/lspmux/internal/rpc"
	"github.com/pleme-io/lspmux/internal/session"
)

// Service names which acquired capabilities a tool descriptor's handler
// needs, per the dispatcher's fixed {none, symbol, file, batch} enum.
type Service string

const (
	ServiceNone   Service = "none"
	ServiceSymbol Service = "symbol"
	ServiceFile   Service = "file"
	ServiceBatch  Service = "batch"
)

// Bundle is the service bundle a tool handler receives. Fields are
// populated only as the descriptor's Service requires: LSP and Pool are
// non-nil only for ServiceSymbol. Dispatcher is set on every bundle, though
// only ServiceBatch handlers use it.
type Bundle struct {
	LSP        *lspproc.Client
	Pool       *pool.Guard
	Bridge     *fsbridge.Bridge
	Session    *session.Session
	Dispatcher *Dispatcher
}

// Handler is a descriptor's bound implementation, already closed over its
// typed parameter struct by register.
type Handler func(ctx context.Context, bundle *Bundle, params json.RawMessage) (any, error)

// Descriptor is one entry in the tool table.
type Descriptor struct {
	Name        string
	Description string
	Service     Service
	Replayable  bool
	Handler     Handler

	// schema is the tool's input JSON schema, reflected from its params
	// struct by register. Only consumed when exposing the table through a
	// real mcpsdk.Server; the WebSocket front-end's own Dispatch path never
	// looks at it.
	schema map[string]any
}

// Dispatcher owns the tool descriptor table and the services a tool call
// may acquire: the LSP Pool, the FS bridge, and the language/server
// configuration needed to provision a pool entry on demand.
type Dispatcher struct {
	pool       *pool.Pool
	bridge     *fsbridge.Bridge
	lspServers *config.LSPServerRegistry
	langMap    map[string]string

	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

// New creates a Dispatcher with an empty tool table.
func New(p *pool.Pool, bridge *fsbridge.Bridge, lspServers *config.LSPServerRegistry, langMap map[string]string) *Dispatcher {
	return &Dispatcher{
		pool:        p,
		bridge:      bridge,
		lspServers:  lspServers,
		langMap:     langMap,
		descriptors: make(map[string]*Descriptor),
	}
}

func (d *Dispatcher) add(desc *Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descriptors[desc.Name] = desc
}

// Descriptors returns every registered tool descriptor, for a list_tools
// response or a real MCP server's tool listing.
func (d *Dispatcher) Descriptors() []*Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Descriptor, 0, len(d.descriptors))
	for _, desc := range d.descriptors {
		out = append(out, desc)
	}
	return out
}

func (d *Dispatcher) languageFor(virtualPath string) string {
	ext := strings.TrimPrefix(path.Ext(virtualPath), ".")
	return d.langMap[ext]
}

// Dispatch resolves method against the tool table and runs it against sess:
// lookup, canonicalize and acquire, invoke, release exactly once, and let
// the caller serialize the result.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, method string, rawParams *json.RawMessage) (any, error) {
	d.mu.RLock()
	desc, ok := d.descriptors[method]
	d.mu.RUnlock()
	if !ok {
		return nil, rpc.NewError(rpc.KindMethodNotFound, "unknown tool: "+method)
	}

	params := map[string]any{}
	if rawParams != nil && len(*rawParams) > 0 {
		if err := json.Unmarshal(*rawParams, &params); err != nil {
			return nil, rpc.NewError(rpc.KindInvalidParams, "malformed params").WithCause(err.Error())
		}
	}

	bundle := &Bundle{Bridge: d.bridge, Session: sess, Dispatcher: d}

	var guard *pool.Guard
	if desc.Service == ServiceFile || desc.Service == ServiceSymbol {
		filePath, _ := params["file_path"].(string)
		if filePath == "" {
			return nil, rpc.NewError(rpc.KindInvalidParams, "file_path is required")
		}
		virtual, err := fsbridge.Translate(sess.Root, filePath)
		if err != nil {
			return nil, rpc.NewError(rpc.KindInvalidParams, "invalid file_path").WithCause(err.Error())
		}
		params["file_path"] = virtual

		if desc.Service == ServiceSymbol {
			language := d.languageFor(virtual)
			if language == "" {
				return nil, rpc.NewError(rpc.KindInvalidParams, "no language mapped for file extension")
			}
			def, ok := d.lspServers.GetServer(language)
			if !ok {
				return nil, rpc.NewError(rpc.KindInvalidParams, "no lsp server configured for language "+language)
			}

			key := pool.Key{Project: sess.Project, Language: language, Workspace: sess.Root}
			spawn := func(spawnCtx context.Context) (*lspproc.Client, error) {
				return provisionLSP(spawnCtx, language, def, sess.Root)
			}
			g, err := d.pool.Acquire(ctx, key, spawn)
			if err != nil {
				metrics.RecordToolCall(method, "error")
				return nil, err
			}
			guard = g
		}
	}
	if guard != nil {
		defer guard.Release()
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		metrics.RecordToolCall(method, "error")
		return nil, rpc.NewError(rpc.KindInvalidParams, "could not re-encode params").WithCause(err.Error())
	}
	raw := json.RawMessage(encoded)

	result, err := d.invoke(ctx, desc, guard, bundle, raw)
	if err != nil {
		metrics.RecordToolCall(method, "error")
		return nil, err
	}
	metrics.RecordToolCall(method, "ok")
	return result, nil
}

// invoke runs desc.Handler, routing a ServiceSymbol call through the pool
// entry's crash-replay machinery and every other call directly.
func (d *Dispatcher) invoke(ctx context.Context, desc *Descriptor, guard *pool.Guard, bundle *Bundle, raw json.RawMessage) (any, error) {
	if guard == nil {
		return desc.Handler(ctx, bundle, raw)
	}

	bundle.Pool = guard
	var result any
	run := func(client *lspproc.Client) error {
		bundle.LSP = client
		r, err := desc.Handler(ctx, bundle, raw)
		if err != nil {
			return err
		}
		result = r
		return nil
	}

	var err error
	if desc.Replayable {
		err = guard.Do(ctx, run)
	} else {
		err = guard.DoOnce(ctx, run)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// provisionLSP spawns and initializes a fresh LSP child for a pool entry's
// first acquire, grounded on the client lifecycle in internal/lspproc.
func provisionLSP(ctx context.Context, language string, def config.LSPServerDefinition, workDir string) (*lspproc.Client, error) {
	client, err := lspproc.Start(ctx, language, def.Command, def.Args, workDir)
	if err != nil {
		return nil, err
	}
	if err := client.Initialize(ctx, "file://"+workDir, nil); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
