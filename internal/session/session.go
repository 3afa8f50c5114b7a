// Package session implements the Session Manager: the active/disconnected
// indices that map a bound WebSocket connection to the project and
// workspace it declared at initialize time, and the reconnection grace
// window that lets a client resume the same session after a transient
// disconnect instead of losing its pool affinity.
package session

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pleme-io/lspmux/internal/auth"
)

// Conn is the narrow capability a session needs from its bound transport: a
// way to issue server-originated RPCs (used by the FS bridge) and a way to
// tear the socket down. The real implementation is a *jsonrpc2.Conn; tests
// use an in-process fake.
type Conn interface {
	Call(ctx context.Context, method string, params, result interface{}) error
	Close() error
}

// Session is one bound (project, workspace) pairing, persisting across a
// reconnect as long as it stays within its grace window.
type Session struct {
	ID      string
	Project string
	Root    string
	Auth    *auth.AuthContext

	createdAt time.Time

	mu   sync.Mutex
	conn Conn
}

// Call issues a server-originated RPC against the session's currently bound
// connection, failing with a session_gone error when no connection is bound
// right now. The FS bridge addresses files by their session-relative virtual
// path; a "path" param is sent to the client as its own absolute path
// (Root joined with the virtual path).
func (s *Session) Call(ctx context.Context, method string, params, result interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errNoConn
	}
	if p, ok := params.(map[string]string); ok && p["path"] != "" {
		out := make(map[string]string, len(p))
		for k, v := range p {
			out[k] = v
		}
		out["path"] = path.Join(s.Root, p["path"])
		params = out
	}
	return conn.Call(ctx, method, params, result)
}

func (s *Session) rebind(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// CreatedAt returns when the session was first added.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

type discEntry struct {
	session *Session
	timer   *time.Timer
}

// Manager owns the active index, the project index, and the disconnected
// table with its per-entry expiration timers. All three share one lock:
// reconnect-vs-expire linearizability requires the claim to happen under a
// single critical section, and the indices are small map operations, never
// blocking ones.
type Manager struct {
	grace time.Duration

	mu           sync.Mutex
	active       map[string]*Session
	byProject    map[string]map[string]*Session
	disconnected map[string]*discEntry
}

// New creates a Manager whose disconnected sessions expire after grace.
func New(grace time.Duration) *Manager {
	return &Manager{
		grace:        grace,
		active:       make(map[string]*Session),
		byProject:    make(map[string]map[string]*Session),
		disconnected: make(map[string]*discEntry),
	}
}

// NewSession mints a session with a fresh uuid, bound to conn.
func NewSession(project, root string, principal *auth.AuthContext, conn Conn) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Project:   project,
		Root:      root,
		Auth:      principal,
		createdAt: time.Now(),
		conn:      conn,
	}
}

// Add registers a freshly bound session in both the active and project
// indices.
func (m *Manager) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[s.ID] = s
	proj := m.byProject[s.Project]
	if proj == nil {
		proj = make(map[string]*Session)
		m.byProject[s.Project] = proj
	}
	proj[s.ID] = s
}

// Get returns the session for id if it is currently active (bound to a live
// connection), or nil otherwise. A disconnected-but-not-yet-expired session
// is not returned here; callers must go through Reconnect to rebind it.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// SessionsForProject returns every session — active or within its
// reconnection grace window — bound to project. The project index is left
// untouched by Disconnect, so a session mid-grace still counts here.
func (m *Manager) SessionsForProject(project string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	proj := m.byProject[project]
	out := make([]*Session, 0, len(proj))
	for _, s := range proj {
		out = append(out, s)
	}
	return out
}

// Disconnect moves a session out of the active index and into the
// disconnected table, starting its reconnection grace timer. onExpire is
// invoked exactly once, from the timer's own goroutine, if the grace window
// elapses before Reconnect or FindReconnectable claims the entry first.
func (m *Manager) Disconnect(id string, onExpire func(*Session)) {
	m.mu.Lock()
	s, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)

	timer := time.AfterFunc(m.grace, func() { m.expire(id, onExpire) })
	m.disconnected[id] = &discEntry{session: s, timer: timer}
	m.mu.Unlock()

	// Drop the dead connection now so FS bridge RPCs issued against the
	// disconnected session fail with session_gone instead of writing into
	// a closed socket.
	s.rebind(nil)
}

// expire fires when a disconnected session's grace window elapses. It only
// acts if the entry is still present — a Reconnect or FindReconnectable that
// raced it and won already removed the entry, in which case this is a no-op.
func (m *Manager) expire(id string, onExpire func(*Session)) {
	m.mu.Lock()
	entry, ok := m.disconnected[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.disconnected, id)
	s := entry.session
	if proj := m.byProject[s.Project]; proj != nil {
		delete(proj, id)
		if len(proj) == 0 {
			delete(m.byProject, s.Project)
		}
	}
	m.mu.Unlock()

	if onExpire != nil {
		onExpire(s)
	}
}

// Reconnect rebinds a disconnected session to a new connection and restores
// it to the active index, canceling its grace timer. Returns nil, false if
// id names no currently disconnected session — it already expired, was
// never disconnected, or another caller already reconnected it.
func (m *Manager) Reconnect(id string, conn Conn) (*Session, bool) {
	m.mu.Lock()
	entry, ok := m.disconnected[id]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.disconnected, id)
	entry.timer.Stop()
	s := entry.session
	m.active[id] = s
	m.mu.Unlock()

	s.rebind(conn)
	return s, true
}

// FindReconnectable lets a client that lost its session id rejoin by
// (project, root) instead. Exactly one caller claims a given disconnected
// session; later callers for the same (project, root) see it already gone
// from the table and return false.
func (m *Manager) FindReconnectable(project, root string, conn Conn) (*Session, bool) {
	m.mu.Lock()
	var id string
	var entry *discEntry
	for candidateID, e := range m.disconnected {
		if e.session.Project == project && e.session.Root == root {
			id = candidateID
			entry = e
			break
		}
	}
	if entry == nil {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.disconnected, id)
	entry.timer.Stop()
	s := entry.session
	m.active[id] = s
	m.mu.Unlock()

	s.rebind(conn)
	return s, true
}

// Remove permanently deletes a session from every index, active or
// disconnected, stopping its grace timer if one is running.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[id]
	if ok {
		delete(m.active, id)
	} else if entry, ok := m.disconnected[id]; ok {
		entry.timer.Stop()
		delete(m.disconnected, id)
		s = entry.session
	}
	if s == nil {
		return
	}
	if proj := m.byProject[s.Project]; proj != nil {
		delete(proj, id)
		if len(proj) == 0 {
			delete(m.byProject, s.Project)
		}
	}
}

// Stats reports the aggregate counts the health endpoint surfaces.
type Stats struct {
	Active       int
	Disconnected int
	Projects     int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Active:       len(m.active),
		Disconnected: len(m.disconnected),
		Projects:     len(m.byProject),
	}
}
