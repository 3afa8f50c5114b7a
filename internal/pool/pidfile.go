package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/pleme-io/lspmux/internal/logger"
)

// pidFile tracks the pids of live LSP children in a small sidecar file.
// A clean shutdown leaves the file empty; after an unclean one, the next
// boot's ReapStalePids pass uses the recorded (pid, command) pairs to kill
// strays the previous process never got to reap. An empty path disables
// tracking entirely.
type pidFile struct {
	path string

	mu   sync.Mutex
	pids map[int]string
}

func newPidFile(path string) *pidFile {
	return &pidFile{path: path, pids: make(map[int]string)}
}

func (f *pidFile) record(pid int, command string) {
	if f.path == "" || pid == 0 {
		return
	}
	f.mu.Lock()
	f.pids[pid] = command
	f.persist()
	f.mu.Unlock()
}

func (f *pidFile) clear(pid int) {
	if f.path == "" || pid == 0 {
		return
	}
	f.mu.Lock()
	delete(f.pids, pid)
	f.persist()
	f.mu.Unlock()
}

// persist is best-effort: pid bookkeeping must never fail a spawn or a
// teardown. Callers hold f.mu.
func (f *pidFile) persist() {
	data, err := json.Marshal(f.pids)
	if err != nil {
		return
	}
	_ = os.WriteFile(f.path, data, 0o644)
}

// ReapStalePids kills any child recorded in the pid file by a previous
// gateway process that is still alive, then truncates the file. A recorded
// pid is only signaled when the process table still shows the recorded
// command at that pid, so a recycled pid belonging to someone else is left
// alone. Orphans reparented to init outside that window are a host concern;
// this pass only settles the gateway's own accounting.
func ReapStalePids(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading pid file: %w", err)
	}

	var pids map[int]string
	if err := json.Unmarshal(data, &pids); err != nil {
		// An unreadable pid file from a crashed writer is dropped rather
		// than blocking startup.
		_ = os.Remove(path)
		return nil
	}

	for pid, command := range pids {
		if !commandMatches(pid, command) {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		logger.L().Warn("killing stale lsp child from previous run", "pid", pid, "command", command)
		_ = proc.Kill()
	}

	return os.Remove(path)
}

// commandMatches reports whether pid currently runs the recorded command,
// via /proc on hosts that have it. Without /proc there is no safe way to
// rule out pid recycling, so no signal is sent.
func commandMatches(pid int, command string) bool {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/cmdline")
	if err != nil {
		return false
	}
	argv0, _, _ := strings.Cut(string(data), "\x00")
	return argv0 == command
}
