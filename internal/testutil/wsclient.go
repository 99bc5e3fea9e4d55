// Package testutil provides test clients for integration testing.
package testutil

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cory-johannsen/anonchat/internal/chat"
)

// ChatClient is a websocket test client speaking the chat wire protocol,
// for integration testing against a running server.
type ChatClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewChatClient dials ws://addr/ws and returns a connected test client.
//
// Precondition: addr must be a valid "host:port" string with a listening server.
// Postcondition: Returns a connected ChatClient or fails the test.
func NewChatClient(t *testing.T, addr string) *ChatClient {
	t.Helper()
	start := time.Now()

	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("connecting to %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	client := &ChatClient{conn: conn, t: t}
	t.Logf("chat client connected to %s [%s]", url, time.Since(start))
	return client
}

// Join sends a JOIN frame with the given display name. An empty name
// sends a JOIN frame without a name field.
func (c *ChatClient) Join(name string) {
	c.t.Helper()
	frame := chat.ClientFrame{Type: chat.TypeJoin}
	if name != "" {
		frame.Name = &name
	}
	c.SendFrame(frame)
}

// SendMessage sends a MESSAGE frame with the given content.
func (c *ChatClient) SendMessage(content string) {
	c.t.Helper()
	c.SendFrame(chat.ClientFrame{Type: chat.TypeMessage, Content: content})
}

// SendFrame marshals and writes one frame to the server.
//
// Postcondition: The frame is written as a single text message, or the
// test fails.
func (c *ChatClient) SendFrame(frame chat.ClientFrame) {
	c.t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		c.t.Fatalf("encoding frame: %v", err)
	}
	c.SendRaw(data)
}

// SendRaw writes an arbitrary text message, bypassing frame encoding so
// tests can send malformed payloads.
func (c *ChatClient) SendRaw(data []byte) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("sending %q: %v", data, err)
	}
}

// ReadFrame reads the next server frame, failing the test on timeout or
// connection close.
func (c *ChatClient) ReadFrame(timeout time.Duration) chat.ServerFrame {
	c.t.Helper()
	frame, err := c.tryReadFrame(timeout)
	if err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return frame
}

// ExpectFrame reads the next server frame and fails the test unless its
// type matches.
func (c *ChatClient) ExpectFrame(frameType string, timeout time.Duration) chat.ServerFrame {
	c.t.Helper()
	frame := c.ReadFrame(timeout)
	if frame.Type != frameType {
		c.t.Fatalf("expected %s frame, got %+v", frameType, frame)
	}
	return frame
}

// ExpectClose reads until the server closes the connection and returns
// the close code. Frames received before the close are discarded.
func (c *ChatClient) ExpectClose(timeout time.Duration) int {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := c.tryReadFrame(time.Until(deadline))
		if err == nil {
			continue
		}
		if closeErr, ok := err.(*websocket.CloseError); ok {
			return closeErr.Code
		}
		// The peer may drop the TCP connection after the close frame.
		return websocket.CloseAbnormalClosure
	}
	c.t.Fatalf("server did not close the connection within %s", timeout)
	return 0
}

func (c *ChatClient) tryReadFrame(timeout time.Duration) (chat.ServerFrame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return chat.ServerFrame{}, err
	}
	var frame chat.ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return chat.ServerFrame{}, fmt.Errorf("decoding %q: %w", data, err)
	}
	return frame, nil
}

// Close closes the underlying connection without a close handshake,
// simulating an abrupt client disconnect.
func (c *ChatClient) Close() {
	c.conn.Close()
}
