package lspproc

import "context"

// Position is a zero-based line/character pair, per the LSP spec.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Location is a file URI plus the range within it.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Range is a start/end Position pair.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Diagnostic mirrors the LSP textDocument/publishDiagnostics payload shape.
type Diagnostic struct {
	Range    Range  `json:"range"`
	Severity int    `json:"severity,omitempty"`
	Message  string `json:"message"`
	Source   string `json:"source,omitempty"`
}

// Initialize performs the LSP initialize/initialized handshake against the
// freshly spawned server, passing initOptions through as the request's
// initializationOptions (nil sends none, as the dispatcher's provisioning does).
func (c *Client) Initialize(ctx context.Context, rootURI string, initOptions interface{}) error {
	params := map[string]interface{}{
		"processId":             nil,
		"rootUri":               rootURI,
		"capabilities":          map[string]interface{}{},
		"initializationOptions": initOptions,
	}
	var result map[string]interface{}
	if err := c.Call(ctx, "initialize", params, &result); err != nil {
		return err
	}
	return c.Notify(ctx, "initialized", map[string]interface{}{})
}

// Shutdown performs the LSP shutdown/exit sequence, the graceful half of
// pool-entry teardown. Callers fall back to Kill if this does not complete
// promptly.
func (c *Client) Shutdown(ctx context.Context) error {
	var discard interface{}
	if err := c.Call(ctx, "shutdown", nil, &discard); err != nil {
		return err
	}
	return c.Notify(ctx, "exit", nil)
}

// DidOpen tells the server about a document's current content, used the
// first time the FS bridge resolves a path against this entry.
func (c *Client) DidOpen(ctx context.Context, uri, languageID, text string) error {
	return c.Notify(ctx, "textDocument/didOpen", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":        uri,
			"languageId": languageID,
			"version":    1,
			"text":       text,
		},
	})
}

// DidChange replaces the server's view of a document wholesale, used on
// every touch of a document the entry's child already has open.
func (c *Client) DidChange(ctx context.Context, uri, text string, version int) error {
	return c.Notify(ctx, "textDocument/didChange", map[string]interface{}{
		"textDocument": map[string]interface{}{
			"uri":     uri,
			"version": version,
		},
		"contentChanges": []map[string]interface{}{
			{"text": text},
		},
	})
}

// Definition issues textDocument/definition.
func (c *Client) Definition(ctx context.Context, uri string, pos Position) ([]Location, error) {
	var locations []Location
	err := c.Call(ctx, "textDocument/definition", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": uri},
		"position":     pos,
	}, &locations)
	return locations, err
}

// References issues textDocument/references.
func (c *Client) References(ctx context.Context, uri string, pos Position, includeDeclaration bool) ([]Location, error) {
	var locations []Location
	err := c.Call(ctx, "textDocument/references", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": uri},
		"position":     pos,
		"context":      map[string]interface{}{"includeDeclaration": includeDeclaration},
	}, &locations)
	return locations, err
}

// Diagnostics issues textDocument/diagnostic (the pull-diagnostics request
// introduced in LSP 3.17), for servers that support it directly rather than
// only pushing textDocument/publishDiagnostics notifications.
func (c *Client) Diagnostics(ctx context.Context, uri string) ([]Diagnostic, error) {
	var result struct {
		Items []Diagnostic `json:"items"`
	}
	err := c.Call(ctx, "textDocument/diagnostic", map[string]interface{}{
		"textDocument": map[string]interface{}{"uri": uri},
	}, &result)
	return result.Items, err
}
