// Package rpc adapts this gateway's two JSON-RPC 2.0 transports — the
// client-facing WebSocket and the Content-Length-framed stdio of an LSP
// child — onto a single correlation engine, sourcegraph/jsonrpc2.Conn.
package rpc

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
)

// wsObjectStream implements jsonrpc2.ObjectStream over a gorilla/websocket
// connection so a client-facing socket plugs into the same jsonrpc2.Conn
// correlation engine used for LSP child stdio.
type wsObjectStream struct {
	conn *websocket.Conn

	// gorilla/websocket forbids concurrent writers; jsonrpc2.Conn may call
	// WriteObject from its own goroutine while a handler calls it from
	// another, so writes are serialized here.
	writeMu sync.Mutex
}

// NewWebSocketStream wraps conn as a jsonrpc2.ObjectStream.
func NewWebSocketStream(conn *websocket.Conn) jsonrpc2.ObjectStream {
	return &wsObjectStream{conn: conn}
}

func (s *wsObjectStream) WriteObject(obj interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(obj)
}

func (s *wsObjectStream) ReadObject(v interface{}) error {
	return s.conn.ReadJSON(v)
}

func (s *wsObjectStream) Close() error {
	return s.conn.Close()
}
