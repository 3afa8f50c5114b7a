package rpc

import (
	"context"
	"errors"

	"github.com/sourcegraph/jsonrpc2"
)

// Kind is one of the fixed client-visible error kinds this gateway ever
// surfaces on the wire. Internal Go errors are classified into one of these
// before crossing the JSON-RPC boundary; callers outside this package never
// see a raw error in a wire response.
type Kind string

const (
	KindAuthFailed           Kind = "auth_failed"
	KindAuthProjectMismatch  Kind = "auth_project_mismatch"
	KindAuthMissingPerm      Kind = "auth_missing_permission"
	KindMethodNotFound       Kind = "method_not_found"
	KindInvalidParams        Kind = "invalid_params"
	KindSessionGone          Kind = "session_gone"
	KindSessionNotInit       Kind = "session_not_initialized"
	KindLSPUnrecoverable     Kind = "lsp_unrecoverable"
	KindRetriesExhausted     Kind = "retries_exhausted"
	KindTransportTimeout     Kind = "transport_timeout"
	KindTransportClosed      Kind = "transport_closed"
	KindFSReadFailed         Kind = "fs_read_failed"
	KindFSWriteFailed        Kind = "fs_write_failed"
)

// codes assigns each Kind a stable JSON-RPC error code in the
// implementation-defined server-error range (-32000 to -32099), plus
// method_not_found/invalid_params reusing the JSON-RPC 2.0 spec's own codes.
var codes = map[Kind]int64{
	KindMethodNotFound:      -32601,
	KindInvalidParams:       -32602,
	KindAuthFailed:          -32000,
	KindAuthProjectMismatch: -32001,
	KindAuthMissingPerm:     -32002,
	KindSessionGone:         -32003,
	KindSessionNotInit:      -32004,
	KindLSPUnrecoverable:    -32005,
	KindRetriesExhausted:    -32006,
	KindTransportTimeout:    -32007,
	KindTransportClosed:     -32008,
	KindFSReadFailed:        -32009,
	KindFSWriteFailed:       -32010,
}

// Error is a client-visible error: a fixed Kind plus a human-readable
// message and optional structured cause data.
type Error struct {
	Kind    Kind
	Message string
	Cause   string
}

func (e *Error) Error() string {
	if e.Cause != "" {
		return string(e.Kind) + ": " + e.Message + " (" + e.Cause + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

// NewError builds a classified Error of the given kind.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithCause attaches a wrapped cause to an Error, for kinds like
// fs_read_failed{cause} and fs_write_failed{cause} that carry the
// client-reported underlying failure.
func (e *Error) WithCause(cause string) *Error {
	return &Error{Kind: e.Kind, Message: e.Message, Cause: cause}
}

// ToJSONRPC converts a classified Error into the jsonrpc2.Error the
// framing layer serializes onto the wire.
func (e *Error) ToJSONRPC() *jsonrpc2.Error {
	code, ok := codes[e.Kind]
	if !ok {
		code = -32603 // internal error
	}
	data := struct {
		Kind  Kind   `json:"kind"`
		Cause string `json:"cause,omitempty"`
	}{Kind: e.Kind, Cause: e.Cause}
	raw, _ := marshalData(data)
	return &jsonrpc2.Error{
		Code:    code,
		Message: e.Message,
		Data:    raw,
	}
}

// Classify maps an arbitrary error to its client-visible Kind: already
// classified errors pass through, context expiry and dead transports map to
// their transport kinds, and anything else is treated as invalid_params
// since unclassified errors at this layer almost always originate from
// malformed caller input.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransportTimeout, Message: "request timed out"}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, jsonrpc2.ErrClosed) {
		return &Error{Kind: KindTransportClosed, Message: "transport closed"}
	}
	return &Error{Kind: KindInvalidParams, Message: err.Error()}
}
