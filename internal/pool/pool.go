// Package pool implements the LSP Pool: a registry of live LSP child
// processes keyed by (project, language, workspace), shared across
// concurrent tool calls and torn down either on crash-past-retry-cap or on
// idle timeout.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"

	"github.com/pleme-io/lspmux/internal/audit"
	"github.com/pleme-io/lspmux/internal/lspproc"
	"github.com/pleme-io/lspmux/internal/metrics"
)

// Key identifies one LSP Pool entry.
type Key struct {
	Project   string
	Language  string
	Workspace string
}

// Spawner starts a fresh LSP child for a key. Supplied by the caller
// (the dispatcher, ultimately driven by configuration) rather than baked
// into the pool, since the command/args/root URI are config- and
// project-dependent.
type Spawner func(ctx context.Context) (*lspproc.Client, error)

// Config holds the pool's lifecycle timings, mirroring the
// pool.{idle_timeout_ms, max_retries, restart_delay_ms, sweep_interval_ms}
// configuration surface. PidFilePath, when set, records live child pids so
// a later boot can reap strays from an unclean shutdown.
type Config struct {
	IdleTimeout   time.Duration
	MaxRetries    int
	RestartDelay  time.Duration
	SweepInterval time.Duration
	PidFilePath   string
}

// Pool owns the live set of LSP Pool entries.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[Key]*entry

	sweeper *cron.Cron
	pids    *pidFile

	// reapWG tracks the background kill-and-wait goroutine spawned for
	// every discarded child, so Stop can bound how long it waits for the
	// process table to clear.
	reapWG sync.WaitGroup
}

// New creates a Pool and starts its idle-reap sweep on the configured
// interval via robfig/cron rather than a bespoke time.Ticker loop.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		sweeper: cron.New(cron.WithSeconds()),
		pids:    newPidFile(cfg.PidFilePath),
	}
	spec := cronSpecForInterval(cfg.SweepInterval)
	_, _ = p.sweeper.AddFunc(spec, p.sweep)
	p.sweeper.Start()
	return p
}

// cronSpecForInterval turns a sub-minute duration into a "@every" cron spec;
// robfig/cron's @every syntax accepts any time.Duration string directly,
// though it runs an interval under one second once a second.
func cronSpecForInterval(d time.Duration) string {
	if d <= 0 {
		d = 30 * time.Second
	}
	return "@every " + d.String()
}

// Stop halts the idle-reap sweep, tears down every live entry, and waits a
// bounded period for the background reaper to clear the process table,
// reporting every teardown failure rather than only the first.
func (p *Pool) Stop() error {
	p.sweeper.Stop()

	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = make(map[Key]*entry)
	p.mu.Unlock()

	var errs *multierror.Error
	for _, e := range entries {
		errs = multierror.Append(errs, p.teardownEntry(e, true))
	}

	done := make(chan struct{})
	go func() {
		p.reapWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		errs = multierror.Append(errs, errors.New("timed out waiting for child process reaping"))
	}
	return errs.ErrorOrNil()
}

// Guard represents one caller's hold on a pool entry. Release must be
// called exactly once.
type Guard struct {
	entry *entry
}

// Acquire returns the live entry for key, spawning one via spawn if none
// exists yet, and increments its refcount. The caller must call
// Guard.Release when done.
func (p *Pool) Acquire(ctx context.Context, key Key, spawn Spawner) (*Guard, error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		e.mu.Lock()
		dead := e.dead
		e.mu.Unlock()
		if dead {
			// The previous entry gave up past its retry cap; this acquire
			// starts a fresh one rather than replaying lsp_unrecoverable
			// forever.
			e = newEntry(key, spawn, p)
			p.entries[key] = e
		}
	} else {
		e = newEntry(key, spawn, p)
		p.entries[key] = e
	}
	p.mu.Unlock()

	if err := e.ensureSpawned(ctx, p.cfg); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.refcount++
	e.lastUsed = time.Now()
	e.mu.Unlock()

	return &Guard{entry: e}, nil
}

// Release drops the caller's hold on the entry.
func (g *Guard) Release() {
	g.entry.mu.Lock()
	g.entry.refcount--
	g.entry.lastUsed = time.Now()
	g.entry.mu.Unlock()
}

// Do runs fn against the entry's current LSP client, replaying it after a
// crash-triggered respawn up to maxDoRetries times (a fixed cap, separate
// from the pool's configured crash retry cap). Use this
// for idempotent requests, where replaying a call that may have already
// landed before the crash is safe.
func (g *Guard) Do(ctx context.Context, fn func(*lspproc.Client) error) error {
	return g.entry.do(ctx, fn, maxDoRetries)
}

// DoOnce runs fn against the entry's current LSP client without replay: a
// crash mid-call fails immediately with retries_exhausted. Use this for
// non-idempotent requests (e.g. applying a workspace edit), where replaying
// a call that may have already landed before the crash would be unsafe.
func (g *Guard) DoOnce(ctx context.Context, fn func(*lspproc.Client) error) error {
	return g.entry.do(ctx, fn, 0)
}

// NoteOpen records uri in the entry's open-file set. It returns the
// document version the caller should announce and whether the current
// child has never been told about this uri — true means send didOpen,
// false means send didChange with the returned version.
func (g *Guard) NoteOpen(uri string) (version int, first bool) {
	return g.entry.noteOpen(uri)
}

// Client returns the entry's current LSP client, valid only until the next
// crash; prefer Do for anything that should survive a respawn.
func (g *Guard) Client() *lspproc.Client {
	g.entry.mu.Lock()
	defer g.entry.mu.Unlock()
	return g.entry.client
}

// record tracks a freshly spawned child in the pid file so an unclean
// shutdown leaves enough breadcrumbs for the next boot's stale reap.
func (p *Pool) record(client *lspproc.Client) {
	p.pids.record(client.Pid(), client.Command())
}

// discard is the background reaper: every child the pool lets go of — on
// crash, idle reap, or shutdown — gets a goroutine that force-kills it and
// then waits on it, so the OS process table entry is reclaimed even when
// the synchronous teardown path raced the exit or timed out.
func (p *Pool) discard(client *lspproc.Client) {
	p.pids.clear(client.Pid())
	p.reapWG.Add(1)
	go func() {
		defer p.reapWG.Done()
		_ = client.Kill()
		_ = client.Wait()
	}()
}

// teardownEntry shuts an entry's client down, preferring a graceful LSP
// shutdown/exit and falling back to the kill-and-wait reaper regardless of
// how the graceful half went. force skips the graceful attempt entirely,
// for use during a shutdown sequence that has already exhausted its drain
// grace period.
func (p *Pool) teardownEntry(e *entry, force bool) error {
	e.mu.Lock()
	e.dead = true
	client := e.client
	old := e.respawned
	e.respawned = make(chan struct{})
	e.mu.Unlock()
	close(old)

	if e.retire() {
		metrics.RecordPoolTeardown(e.key.Project, e.key.Language)
	}

	if client == nil {
		return nil
	}

	var errs *multierror.Error
	if !force {
		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.RestartDelay)
			defer cancel()
			done <- client.Shutdown(ctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		case <-time.After(p.cfg.RestartDelay):
			errs = multierror.Append(errs, errors.New("graceful lsp shutdown timed out"))
		}
	}

	_ = client.Close()
	p.discard(client)
	return errs.ErrorOrNil()
}

// Stats reports the aggregate pool counts the health endpoint surfaces.
type Stats struct {
	Active    int
	Projects  int
	Languages int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	projects := make(map[string]struct{})
	languages := make(map[string]struct{})
	active := 0
	for key, e := range p.entries {
		e.mu.Lock()
		dead := e.dead
		e.mu.Unlock()
		if dead {
			continue
		}
		active++
		projects[key.Project] = struct{}{}
		languages[key.Language] = struct{}{}
	}
	return Stats{Active: active, Projects: len(projects), Languages: len(languages)}
}

// sweep tears down every entry that has been idle past IdleTimeout, plus
// any entry that already gave up past its retry cap and is waiting to be
// collected.
func (p *Pool) sweep() {
	p.mu.Lock()
	candidates := make([]*entry, 0)
	for _, e := range p.entries {
		e.mu.Lock()
		idle := e.refcount == 0 && !e.restarting && (e.dead || time.Since(e.lastUsed) >= p.cfg.IdleTimeout)
		e.mu.Unlock()
		if idle {
			candidates = append(candidates, e)
		}
	}
	p.mu.Unlock()

	for _, e := range candidates {
		// Re-check under the entry's own lock immediately before tearing
		// down: a tool call may have acquired the entry since the scan
		// above ran, and teardown must never race a live guard.
		e.mu.Lock()
		stillIdle := e.refcount == 0 && !e.restarting
		e.mu.Unlock()
		if !stillIdle {
			continue
		}

		p.mu.Lock()
		if p.entries[e.key] == e {
			delete(p.entries, e.key)
		}
		p.mu.Unlock()

		_ = p.teardownEntry(e, false)
		audit.LogSuccess(audit.OpPoolIdleReap, "", e.key.Project)
	}
}
