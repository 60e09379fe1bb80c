// File: transport/websocket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Message-oriented adapter over gorilla/websocket connections.

package transport

import (
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/momentics/hioload-mem/api"
)

const closeGracePeriod = time.Second

// WebSocket moves whole messages in and out of pooled buffers.
type WebSocket struct {
	conn      *websocket.Conn
	readChunk int
	msgType   int
}

var _ api.BufferTransport = (*WebSocket)(nil)

// NewWebSocket wraps conn. Outgoing messages are sent as binary frames.
func NewWebSocket(conn *websocket.Conn, readChunk int) *WebSocket {
	if readChunk <= 0 {
		readChunk = 4 * 1024
	}
	return &WebSocket{conn: conn, readChunk: readChunk, msgType: websocket.BinaryMessage}
}

// SetTextMessages makes WriteFrom send text frames.
func (w *WebSocket) SetTextMessages(text bool) {
	if text {
		w.msgType = websocket.TextMessage
	} else {
		w.msgType = websocket.BinaryMessage
	}
}

// Conn returns the underlying connection.
func (w *WebSocket) Conn() *websocket.Conn { return w.conn }

// ReadInto appends the next complete message to buf.
func (w *WebSocket) ReadInto(buf api.ByteBuffer) (int, error) {
	_, r, err := w.conn.NextReader()
	if err != nil {
		return 0, err
	}
	total := 0
	for {
		want := min(w.readChunk, buf.MaxCapacity()-buf.WriterIndex())
		if want == 0 {
			// Full buffer: only acceptable if the message ends here.
			var probe [1]byte
			if n, err := r.Read(probe[:]); n == 0 && err == io.EOF {
				return total, nil
			}
		}
		n, err := readOnce(buf, want, r.Read)
		total += n
		switch {
		case err == io.EOF:
			return total, nil
		case err != nil:
			return total, err
		}
	}
}

// WriteFrom sends the readable bytes of buf as one message.
func (w *WebSocket) WriteFrom(buf api.ByteBuffer) (int, error) {
	view, err := buf.ReadableView()
	if err != nil {
		return 0, err
	}
	if err := w.conn.WriteMessage(w.msgType, view); err != nil {
		return 0, err
	}
	n := len(view)
	return n, buf.SkipBytes(n)
}

// Close sends a close frame and closes the connection.
func (w *WebSocket) Close() error {
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGracePeriod))
	return w.conn.Close()
}
