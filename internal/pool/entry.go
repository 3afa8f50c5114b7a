package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/jsonrpc2"

	"github.com/pleme-io/lspmux/internal/audit"
	"github.com/pleme-io/lspmux/internal/logger"
	"github.com/pleme-io/lspmux/internal/lspproc"
	"github.com/pleme-io/lspmux/internal/metrics"
	"github.com/pleme-io/lspmux/internal/rpc"
)

// entry is one live (or respawning) LSP child process shared by every
// concurrent tool call against its key. Teardown takes only this struct's
// own lock, never a claim of unique ownership, so a force-kill during
// shutdown is never blocked behind a caller that still holds a guard.
type entry struct {
	key   Key
	spawn Spawner
	pool  *Pool

	// initOnce is the first-spawn barrier: concurrent Acquire calls on a
	// fresh entry share one spawn attempt instead of racing to start
	// duplicate children.
	initOnce sync.Once
	initErr  error

	mu         sync.Mutex
	client     *lspproc.Client
	refcount   int
	restarting bool
	crashCount int
	lastUsed   time.Time

	// openFiles maps document URIs the current child has been told about
	// via didOpen to their announced version. Cleared on respawn: the
	// replacement child inherits no open-file state.
	openFiles map[string]int

	// respawned is closed and replaced each time a restart completes (or
	// fails past the retry cap), waking every Do call blocked on it.
	respawned chan struct{}
	dead      bool
	retired   bool
}

func newEntry(key Key, spawn Spawner, p *Pool) *entry {
	return &entry{
		key:       key,
		spawn:     spawn,
		pool:      p,
		lastUsed:  time.Now(),
		respawned: make(chan struct{}),
	}
}

// ensureSpawned spawns the entry's first client if one doesn't exist yet.
// A failed first spawn marks the entry dead so the next Acquire replaces
// it with a fresh attempt instead of caching the failure forever.
func (e *entry) ensureSpawned(ctx context.Context, cfg Config) error {
	e.initOnce.Do(func() {
		client, err := e.spawn(ctx)
		if err != nil {
			e.mu.Lock()
			e.dead = true
			e.mu.Unlock()
			e.initErr = err
			return
		}

		e.mu.Lock()
		e.client = client
		e.mu.Unlock()

		e.pool.record(client)
		metrics.RecordPoolSpawn(e.key.Project, e.key.Language)
		go e.watchCrash(cfg, client)
	})
	return e.initErr
}

// noteOpen records uri in the entry's open-file set, returning the document
// version to announce and whether this is the first open against the
// current child. Each re-open after the first bumps the version, so callers
// re-announce changed content via didChange rather than a duplicate didOpen.
func (e *entry) noteOpen(uri string) (version int, first bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openFiles == nil {
		e.openFiles = make(map[string]int)
	}
	v, ok := e.openFiles[uri]
	if !ok {
		e.openFiles[uri] = 1
		return 1, true
	}
	v++
	e.openFiles[uri] = v
	return v, false
}

// watchCrash blocks until the given client's connection is torn down, then
// drives the restart-or-give-up decision.
func (e *entry) watchCrash(cfg Config, client *lspproc.Client) {
	<-client.DisconnectNotify()

	e.mu.Lock()
	if e.dead || e.client != client {
		// Already replaced or torn down deliberately (idle reap, shutdown).
		e.mu.Unlock()
		return
	}
	e.crashCount++
	crashCount := e.crashCount
	e.restarting = true
	e.openFiles = nil
	e.mu.Unlock()

	e.pool.discard(client)

	metrics.RecordPoolCrash(e.key.Project, e.key.Language)
	logger.L().Warn("lsp pool entry crashed", "project", e.key.Project, "language", e.key.Language, "crash_count", crashCount)
	audit.Log(&audit.Event{
		Operation: audit.OpPoolCrash,
		ProjectID: e.key.Project,
		Language:  e.key.Language,
		Success:   false,
		Details:   map[string]interface{}{"crash_count": crashCount},
	})

	if crashCount > cfg.MaxRetries {
		e.giveUp()
		return
	}

	time.Sleep(cfg.RestartDelay)

	newClient, err := e.spawn(context.Background())
	if err != nil {
		logger.L().Error("lsp pool entry respawn failed", "project", e.key.Project, "language", e.key.Language, "error", err)
		e.giveUp()
		return
	}

	e.mu.Lock()
	e.client = newClient
	e.restarting = false
	old := e.respawned
	e.respawned = make(chan struct{})
	e.mu.Unlock()
	close(old)

	e.pool.record(newClient)
	go e.watchCrash(cfg, newClient)
}

// giveUp marks the entry unrecoverable, waking every blocked Do call with
// lsp_unrecoverable and leaving the entry for the pool to remove on its
// caller's next touch or the sweeper's next pass.
func (e *entry) giveUp() {
	e.mu.Lock()
	e.dead = true
	e.restarting = false
	old := e.respawned
	e.respawned = make(chan struct{})
	e.mu.Unlock()
	close(old)

	if e.retire() {
		metrics.RecordPoolTeardown(e.key.Project, e.key.Language)
	}
	metrics.RecordPoolUnrecoverable(e.key.Project, e.key.Language)
	audit.Log(&audit.Event{
		Operation: audit.OpPoolUnrecoverable,
		ProjectID: e.key.Project,
		Language:  e.key.Language,
		Success:   false,
	})
}

// retire reports whether this call is the first to retire the entry, so the
// live-entries gauge is decremented exactly once however the entry dies.
func (e *entry) retire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return false
	}
	e.retired = true
	return true
}

// do runs fn against the entry's current client, waiting out one restart
// and replaying fn if a crash happens to race the call, up to maxRetries.
// Idempotent tool descriptors pass maxDoRetries; non-replayable ones pass 0
// so a crash fails the call immediately instead of re-issuing a mutating
// request. It never silently drops fn's outcome: every call returns either
// fn's result, lsp_unrecoverable, or retries_exhausted.
func (e *entry) do(ctx context.Context, fn func(*lspproc.Client) error, maxRetries int) error {
	for attempt := 0; ; attempt++ {
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			return rpc.NewError(rpc.KindLSPUnrecoverable, "lsp pool entry exceeded its crash retry cap")
		}
		if e.restarting {
			wait := e.respawned
			e.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		client := e.client
		wait := e.respawned
		e.mu.Unlock()

		err := fn(client)
		if err == nil {
			return nil
		}
		if !isDisconnectErr(err) {
			return err
		}
		if attempt >= maxRetries {
			return rpc.NewError(rpc.KindRetriesExhausted, "request exceeded its replay cap across restarts")
		}
		// fn failed because this client generation's connection died. Wait
		// for the crash watcher's restart-or-give-up decision before
		// replaying, rather than burning retries against the dead client.
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

const maxDoRetries = 3

// isDisconnectErr reports whether err came from a connection that is no
// longer alive, as opposed to a normal LSP error response.
func isDisconnectErr(err error) bool {
	return errors.Is(err, jsonrpc2.ErrClosed)
}
