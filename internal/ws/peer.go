// Package ws provides the WebSocket transport for the chat engine: an
// HTTP listener that upgrades connections and feeds inbound frames to
// the per-connection protocol state machine.
package ws

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/anonchat/internal/chat"
)

// Peer adapts a gorilla/websocket connection to the chat.Peer surface.
// Writes are serialized by a mutex; the read side belongs exclusively to
// the server's read loop.
type Peer struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newPeer(conn *websocket.Conn, writeTimeout time.Duration) *Peer {
	return &Peer{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// ID returns the connection's unique identifier, assigned at accept.
func (p *Peer) ID() string {
	return p.id
}

// IsOpen reports whether the connection has not been closed yet.
func (p *Peer) IsOpen() bool {
	return !p.closed.Load()
}

// Send writes one text frame to the client.
func (p *Peer) Send(frame []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.closed.Load() {
		return fmt.Errorf("connection %s is closed", p.id)
	}
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

// Close sends a close frame carrying the reason's status code and tears
// down the connection.
//
// Postcondition: Idempotent; repeated calls return nil without touching
// the connection again.
func (p *Peer) Close(reason chat.CloseReason) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Best effort: the client may already be gone.
	msg := websocket.FormatCloseMessage(closeCode(reason), reason.String())
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return p.conn.Close()
}

func closeCode(reason chat.CloseReason) int {
	switch reason {
	case chat.ReasonPolicyViolation:
		return websocket.ClosePolicyViolation
	case chat.ReasonBadData:
		return websocket.CloseInvalidFramePayloadData
	case chat.ReasonServerError:
		return websocket.CloseInternalServerErr
	}
	return websocket.CloseNormalClosure
}
