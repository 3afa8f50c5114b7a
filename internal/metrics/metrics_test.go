package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_RecordsStatusCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	wrapped := Middleware(handler)

	req := httptest.NewRequest("GET", "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Errorf("Status = %v, want %v", rec.Code, http.StatusTeapot)
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/healthz", "/healthz"},
		{"/ready", "/ready"},
		{"/metrics", "/metrics"},
		{"/auth", "/auth"},
		{"/ws", "/ws"},
		{"/unknown/path", "other"},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestRecordSessionLifecycle(t *testing.T) {
	RecordSessionStart("proj-1")
	RecordSessionDisconnect("proj-1")
	RecordSessionReconnect("proj-1")
	RecordSessionEnd("proj-1", "closed", 12.5)
}

func TestRecordPoolLifecycle(t *testing.T) {
	RecordPoolSpawn("proj-1", "go")
	RecordPoolCrash("proj-1", "go")
	RecordPoolUnrecoverable("proj-1", "go")
	RecordPoolTeardown("proj-1", "go")
}

func TestRecordCacheAndToolCalls(t *testing.T) {
	RecordCacheHit("sess-1")
	RecordCacheMiss("sess-1")
	RecordToolCall("find_definition", "ok")
	RecordConnectionRejected("max_clients")
}
