// Package fsbridge is the Streaming FS Bridge: the gateway never touches
// the client's filesystem directly. Instead it issues server-originated
// RPCs (client/readFile, client/writeFile, client/fileExists) over the same
// WebSocket the client used to connect, and caches the results per
// (session, path) until a server/fileChanged notification invalidates them.
package fsbridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pleme-io/lspmux/internal/metrics"
	"github.com/pleme-io/lspmux/internal/rpc"
	"github.com/pleme-io/lspmux/internal/validation"
)

// callTimeout bounds every server-originated RPC against a client; a client
// that never answers a readFile must not wedge the tool call that needs it.
const callTimeout = 30 * time.Second

// call issues one server-originated RPC with the per-request timeout
// applied, mapping its failure to the client-visible kind: an already
// classified error (session_gone from a disconnected session, most
// commonly) passes through unchanged, a deadline expiry becomes
// transport_timeout, and anything else wraps into the supplied kind with
// the client-reported cause attached.
func call(ctx context.Context, sender FrameSender, method string, params, result interface{}, failKind rpc.Kind, failMsg string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	err := sender.Call(ctx, method, params, result)
	if err == nil {
		return nil
	}
	var classified *rpc.Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return rpc.NewError(rpc.KindTransportTimeout, method+" timed out")
	}
	return rpc.NewError(failKind, failMsg).WithCause(err.Error())
}

// FrameSender is the capability the bridge needs to reach a client: the
// ability to issue a request over that client's socket and await its
// response. This is deliberately narrower than a session object, so the
// bridge can call back into the front-end without holding a reference to
// it — avoiding the cyclic ownership a full session handle would create
// given the dispatcher already calls the bridge from inside a front-end
// handler.
type FrameSender interface {
	Call(ctx context.Context, method string, params, result interface{}) error
}

// FileContent is a cached (or freshly fetched) file's bytes and the mtime
// the client reported alongside them.
type FileContent struct {
	Path    string
	Content string
	MTime   string
}

// Bridge owns one read cache per live session.
type Bridge struct {
	mu     sync.Mutex
	caches map[string]*sessionCache
}

type sessionCache struct {
	mu    sync.Mutex
	files map[string]FileContent
	group singleflight.Group
}

// New creates an empty Bridge.
func New() *Bridge {
	return &Bridge{caches: make(map[string]*sessionCache)}
}

func (b *Bridge) cacheFor(sessionID string) *sessionCache {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.caches[sessionID]
	if !ok {
		c = &sessionCache{files: make(map[string]FileContent)}
		b.caches[sessionID] = c
	}
	return c
}

// CloseSession drops a session's entire cache, called once its session is
// removed (expired or explicitly closed).
func (b *Bridge) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.caches, sessionID)
}

// Translate converts a client-reported absolute path into the
// session-relative virtual path the rest of the gateway operates on.
func Translate(projectRoot, absolutePath string) (string, error) {
	rel := strings.TrimPrefix(absolutePath, projectRoot)
	rel = strings.TrimPrefix(rel, "/")
	return validation.SanitizePath(rel)
}

// Read returns the cached content for (session, path) if present; otherwise
// it issues client/readFile, caching the result. Concurrent reads of the
// same (session, path) while the request is in flight share one round trip
// via singleflight rather than issuing duplicate client/readFile calls.
func (b *Bridge) Read(ctx context.Context, sessionID string, sender FrameSender, path string) (FileContent, error) {
	cache := b.cacheFor(sessionID)

	cache.mu.Lock()
	if fc, ok := cache.files[path]; ok {
		cache.mu.Unlock()
		metrics.RecordCacheHit(sessionID)
		return fc, nil
	}
	cache.mu.Unlock()

	metrics.RecordCacheMiss(sessionID)

	v, err, _ := cache.group.Do(path, func() (interface{}, error) {
		var result struct {
			Content string `json:"content"`
			MTime   string `json:"mtime"`
		}
		if err := call(ctx, sender, "client/readFile", map[string]string{"path": path}, &result, rpc.KindFSReadFailed, "client readFile failed"); err != nil {
			return nil, err
		}
		fc := FileContent{Path: path, Content: result.Content, MTime: result.MTime}

		cache.mu.Lock()
		cache.files[path] = fc
		cache.mu.Unlock()

		return fc, nil
	})
	if err != nil {
		return FileContent{}, err
	}
	return v.(FileContent), nil
}

// Write issues client/writeFile and seeds the cache with the written
// content so an immediately following Read observes it without a round
// trip, per the write-then-read cache coherency property.
func (b *Bridge) Write(ctx context.Context, sessionID string, sender FrameSender, path, content string) error {
	var result struct{}
	if err := call(ctx, sender, "client/writeFile", map[string]string{"path": path, "content": content}, &result, rpc.KindFSWriteFailed, "client writeFile failed"); err != nil {
		return err
	}

	cache := b.cacheFor(sessionID)
	cache.mu.Lock()
	cache.files[path] = FileContent{Path: path, Content: content}
	cache.mu.Unlock()

	return nil
}

// Exists issues client/fileExists; existence checks are never cached since
// they're cheap and a stale negative would be worse than a repeated call.
func (b *Bridge) Exists(ctx context.Context, sessionID string, sender FrameSender, path string) (bool, error) {
	var result struct {
		Exists bool `json:"exists"`
	}
	if err := call(ctx, sender, "client/fileExists", map[string]string{"path": path}, &result, rpc.KindFSReadFailed, "client fileExists failed"); err != nil {
		return false, err
	}
	return result.Exists, nil
}

// Invalidate drops the cached content for (session, path). Called when the
// client sends server/fileChanged; the next Read issues a fresh
// client/readFile instead of returning stale bytes.
func (b *Bridge) Invalidate(sessionID, path string) {
	cache := b.cacheFor(sessionID)
	cache.mu.Lock()
	delete(cache.files, path)
	cache.mu.Unlock()
}

// Stats reports the aggregate cache counts the health endpoint surfaces.
type Stats struct {
	Sessions int
	Entries  int
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, c := range b.caches {
		c.mu.Lock()
		total += len(c.files)
		c.mu.Unlock()
	}
	return Stats{Sessions: len(b.caches), Entries: total}
}
