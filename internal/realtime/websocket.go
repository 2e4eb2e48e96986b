package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla websocket connection to the hub's Conn interface.
// Gorilla connections allow only one concurrent writer, so writes are
// serialized with a mutex.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps a websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// WriteMessage sends a text message over the websocket.
func (w *WSConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the websocket connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}
