package mcp

import (
	"context"

	"github.com/pleme-io/lspmux/internal/lspproc"
)

// RegisterBuiltins registers the gateway's built-in tool-call surface: the
// symbol-lookup tools that drive an acquired LSP entry, the file tools that
// only need the FS bridge, and the batch tool that re-enters the dispatcher.
func RegisterBuiltins(d *Dispatcher) {
	registerSymbolTools(d)
	registerFileTools(d)
	registerBatchTool(d)
}

type FindDefinitionParams struct {
	FilePath  string `json:"file_path" jsonschema:"absolute client path to the file"`
	Line      int    `json:"line" jsonschema:"zero-based line number"`
	Character int    `json:"character" jsonschema:"zero-based character offset"`
}

type FindReferencesParams struct {
	FilePath           string `json:"file_path" jsonschema:"absolute client path to the file"`
	Line               int    `json:"line" jsonschema:"zero-based line number"`
	Character          int    `json:"character" jsonschema:"zero-based character offset"`
	IncludeDeclaration bool   `json:"include_declaration,omitempty" jsonschema:"include the declaration site in the results"`
}

type GetDiagnosticsParams struct {
	FilePath string `json:"file_path" jsonschema:"absolute client path to the file"`
}

func registerSymbolTools(d *Dispatcher) {
	register(d, "find_definition", "Resolve the definition site of the symbol at a position.", ServiceSymbol, true,
		func(ctx context.Context, bundle *Bundle, params FindDefinitionParams) (any, error) {
			uri, text, err := openDocument(ctx, bundle, params.FilePath)
			if err != nil {
				return nil, err
			}
			_ = text
			locations, err := bundle.LSP.Definition(ctx, uri, lspproc.Position{Line: params.Line, Character: params.Character})
			if err != nil {
				return nil, err
			}
			return map[string]any{"locations": locations}, nil
		})

	register(d, "find_references", "Find every reference to the symbol at a position.", ServiceSymbol, true,
		func(ctx context.Context, bundle *Bundle, params FindReferencesParams) (any, error) {
			uri, _, err := openDocument(ctx, bundle, params.FilePath)
			if err != nil {
				return nil, err
			}
			locations, err := bundle.LSP.References(ctx, uri, lspproc.Position{Line: params.Line, Character: params.Character}, params.IncludeDeclaration)
			if err != nil {
				return nil, err
			}
			return map[string]any{"locations": locations}, nil
		})

	register(d, "get_diagnostics", "Pull the current diagnostics for a file.", ServiceSymbol, true,
		func(ctx context.Context, bundle *Bundle, params GetDiagnosticsParams) (any, error) {
			uri, _, err := openDocument(ctx, bundle, params.FilePath)
			if err != nil {
				return nil, err
			}
			diagnostics, err := bundle.LSP.Diagnostics(ctx, uri)
			if err != nil {
				return nil, err
			}
			return map[string]any{"diagnostics": diagnostics}, nil
		})
}

// openDocument resolves a tool call's canonical virtual path into a file
// URI, pulling the content through the FS bridge and announcing it to the
// acquired LSP entry before the caller issues its request: didOpen the
// first time this entry's child sees the uri, didChange with a bumped
// version on every later touch. A server/fileChanged notification between
// two calls therefore reaches the child as fresh content here — the bridge
// re-reads past its invalidated cache, and the re-announce carries the new
// bytes — and a respawned child, whose open-file set starts empty, gets a
// full didOpen again.
func openDocument(ctx context.Context, bundle *Bundle, virtualPath string) (uri, text string, err error) {
	fc, err := bundle.Bridge.Read(ctx, bundle.Session.ID, bundle.Session, virtualPath)
	if err != nil {
		return "", "", err
	}
	uri = "file://" + bundle.Session.Root + "/" + virtualPath

	version, first := bundle.Pool.NoteOpen(uri)
	if first {
		err = bundle.LSP.DidOpen(ctx, uri, bundle.LSP.Language, fc.Content)
	} else {
		err = bundle.LSP.DidChange(ctx, uri, fc.Content, version)
	}
	if err != nil {
		return "", "", err
	}
	return uri, fc.Content, nil
}

type ReadFileParams struct {
	FilePath string `json:"file_path" jsonschema:"absolute client path to the file"`
}

type WriteFileParams struct {
	FilePath string `json:"file_path" jsonschema:"absolute client path to the file"`
	Content  string `json:"content" jsonschema:"new file content"`
}

type FileExistsParams struct {
	FilePath string `json:"file_path" jsonschema:"absolute client path to the file"`
}

func registerFileTools(d *Dispatcher) {
	register(d, "read_file", "Read a file through the client's filesystem bridge.", ServiceFile, true,
		func(ctx context.Context, bundle *Bundle, params ReadFileParams) (any, error) {
			fc, err := bundle.Bridge.Read(ctx, bundle.Session.ID, bundle.Session, params.FilePath)
			if err != nil {
				return nil, err
			}
			return map[string]any{"content": fc.Content, "mtime": fc.MTime}, nil
		})

	register(d, "write_file", "Write a file through the client's filesystem bridge.", ServiceFile, false,
		func(ctx context.Context, bundle *Bundle, params WriteFileParams) (any, error) {
			if err := bundle.Bridge.Write(ctx, bundle.Session.ID, bundle.Session, params.FilePath, params.Content); err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, nil
		})

	register(d, "file_exists", "Check whether a file exists on the client.", ServiceFile, true,
		func(ctx context.Context, bundle *Bundle, params FileExistsParams) (any, error) {
			exists, err := bundle.Bridge.Exists(ctx, bundle.Session.ID, bundle.Session, params.FilePath)
			if err != nil {
				return nil, err
			}
			return map[string]any{"exists": exists}, nil
		})
}
