package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pleme-io/lspmux/internal/config"
	"github.com/pleme-io/lspmux/internal/fsbridge"
	"github.com/pleme-io/lspmux/internal/pool"
	"github.com/pleme-io/lspmux/internal/session"
)

// fakeConn answers the server-originated RPCs the FS bridge issues, in
// place of a real WebSocket connection.
type fakeConn struct {
	content map[string]string
}

func (f *fakeConn) Call(ctx context.Context, method string, params, result interface{}) error {
	switch method {
	case "client/readFile":
		p := params.(map[string]string)
		out := result.(*struct {
			Content string `json:"content"`
			MTime   string `json:"mtime"`
		})
		out.Content = f.content[p["path"]]
		out.MTime = "t1"
	case "client/writeFile":
		p := params.(map[string]string)
		f.content[p["path"]] = p["content"]
	case "client/fileExists":
		p := params.(map[string]string)
		out := result.(*struct {
			Exists bool `json:"exists"`
		})
		_, out.Exists = f.content[p["path"]]
	}
	return nil
}

func (f *fakeConn) Close() error { return nil }

func newTestDispatcher() (*Dispatcher, *session.Session) {
	p := pool.New(pool.Config{})
	bridge := fsbridge.New()
	servers := &config.LSPServerRegistry{Servers: map[string]config.LSPServerDefinition{}}
	langMap := map[string]string{"go": "go"}

	d := New(p, bridge, servers, langMap)
	RegisterBuiltins(d)

	conn := &fakeConn{content: map[string]string{"/root/main.go": "package main"}}
	sess := session.NewSession("P", "/root", nil, conn)
	return d, sess
}

func rawParams(t *testing.T, v any) *json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	raw := json.RawMessage(data)
	return &raw
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d, sess := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), sess, "no_such_tool", nil)
	if err == nil {
		t.Fatal("expected method_not_found error")
	}
}

func TestDispatch_ReadFile(t *testing.T) {
	d, sess := newTestDispatcher()
	result, err := d.Dispatch(context.Background(), sess, "read_file", rawParams(t, ReadFileParams{FilePath: "/root/main.go"}))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	m := result.(map[string]any)
	if m["content"] != "package main" {
		t.Errorf("content = %v, want %q", m["content"], "package main")
	}
}

func TestDispatch_ReadFile_MissingFilePath(t *testing.T) {
	d, sess := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), sess, "read_file", rawParams(t, map[string]any{}))
	if err == nil {
		t.Fatal("expected invalid_params error for a missing file_path")
	}
}

func TestDispatch_WriteThenReadFile(t *testing.T) {
	d, sess := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), sess, "write_file", rawParams(t, WriteFileParams{FilePath: "/root/new.go", Content: "x"}))
	if err != nil {
		t.Fatalf("write_file Dispatch() error = %v", err)
	}

	result, err := d.Dispatch(context.Background(), sess, "read_file", rawParams(t, ReadFileParams{FilePath: "/root/new.go"}))
	if err != nil {
		t.Fatalf("read_file Dispatch() error = %v", err)
	}
	m := result.(map[string]any)
	if m["content"] != "x" {
		t.Errorf("content = %v, want %q", m["content"], "x")
	}
}

func TestDispatch_FileExists(t *testing.T) {
	d, sess := newTestDispatcher()
	result, err := d.Dispatch(context.Background(), sess, "file_exists", rawParams(t, FileExistsParams{FilePath: "/root/main.go"}))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if result.(map[string]any)["exists"] != true {
		t.Error("expected exists = true")
	}
}

func TestDispatch_Batch(t *testing.T) {
	d, sess := newTestDispatcher()

	sub1, _ := json.Marshal(ReadFileParams{FilePath: "/root/main.go"})
	sub2, _ := json.Marshal(FileExistsParams{FilePath: "/root/main.go"})

	result, err := d.Dispatch(context.Background(), sess, "batch", rawParams(t, BatchParams{
		Calls: []BatchCall{
			{Method: "read_file", Params: sub1},
			{Method: "file_exists", Params: sub2},
		},
	}))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	br := result.(BatchResult)
	if len(br.Results) != 2 {
		t.Fatalf("Results len = %d, want 2", len(br.Results))
	}
	for _, r := range br.Results {
		if r.Error != "" {
			t.Errorf("sub-call %s failed: %s", r.Method, r.Error)
		}
	}
}

func TestDispatch_SymbolToolWithoutLanguageMapping(t *testing.T) {
	d, sess := newTestDispatcher()
	_, err := d.Dispatch(context.Background(), sess, "find_definition", rawParams(t, FindDefinitionParams{FilePath: "/root/main.rs", Line: 1, Character: 1}))
	if err == nil {
		t.Fatal("expected invalid_params error for an unmapped file extension")
	}
}
