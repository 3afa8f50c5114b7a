// Package logger provides the gateway's structured logging surface: a
// process-wide slog.Logger that writes to stdout and a file named for the
// day Init ran (not rotated while the process runs),
// plus context-scoped helpers that attach request/session/project
// identifiers pulled out of a context.Context.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	slogger *slog.Logger
	logFile *os.File
)

// contextKey namespaces the values this package reads out of a context.Context.
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeySessionID  contextKey = "session_id"
	ContextKeyProjectID  contextKey = "project_id"
)

// Init creates the process-wide logger, writing to both stdout and a
// dated file under logDir. jsonOutput selects the production JSON handler
// over the human-readable text handler used for local runs.
func Init(logDir string, jsonOutput bool) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	name := "gatewayd-" + time.Now().Format("2006-01-02") + ".log"
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	logFile = f

	writer := io.MultiWriter(os.Stdout, f)
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)
	return nil
}

// Close flushes and closes the log file, if one was opened by Init.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// L returns the process-wide logger, falling back to slog.Default before Init runs.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger annotated with whichever of request_id,
// session_id, and project_id are present on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	l := L()
	if v := ctx.Value(ContextKeyRequestID); v != nil {
		l = l.With("request_id", v)
	}
	if v := ctx.Value(ContextKeySessionID); v != nil {
		l = l.With("session_id", v)
	}
	if v := ctx.Value(ContextKeyProjectID); v != nil {
		l = l.With("project_id", v)
	}
	return l
}

func InfoContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Info(msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Error(msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { WithContext(ctx).Warn(msg, args...) }
func DebugContext(ctx context.Context, msg string, args ...any) { WithContext(ctx).Debug(msg, args...) }
