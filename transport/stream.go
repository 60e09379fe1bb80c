// File: transport/stream.go
// Package transport moves bytes between network handles and pooled buffers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"net"

	"github.com/momentics/hioload-mem/api"
)

// DefaultReadChunk is the writable space guaranteed before each read.
const DefaultReadChunk = 64 * 1024

// Stream adapts a connection-oriented handle (TCP, Unix socket, pipe).
type Stream struct {
	conn      net.Conn
	readChunk int
}

var _ api.BufferTransport = (*Stream)(nil)

// NewStream wraps conn. readChunk <= 0 selects DefaultReadChunk.
func NewStream(conn net.Conn, readChunk int) *Stream {
	if readChunk <= 0 {
		readChunk = DefaultReadChunk
	}
	return &Stream{conn: conn, readChunk: readChunk}
}

// Conn returns the underlying connection.
func (s *Stream) Conn() net.Conn { return s.conn }

// ReadInto reads once into the writable region of buf.
func (s *Stream) ReadInto(buf api.ByteBuffer) (int, error) {
	return readOnce(buf, min(s.readChunk, buf.MaxCapacity()-buf.WriterIndex()), s.conn.Read)
}

// WriteFrom writes every readable byte of buf.
func (s *Stream) WriteFrom(buf api.ByteBuffer) (int, error) {
	view, err := buf.ReadableView()
	if err != nil {
		return 0, err
	}
	n, err := s.conn.Write(view)
	if n > 0 {
		if serr := buf.SkipBytes(n); serr != nil && err == nil {
			err = serr
		}
	}
	return n, err
}

// Close closes the connection.
func (s *Stream) Close() error {
	return s.conn.Close()
}

// readOnce makes want bytes writable, performs one read into them and
// advances the writer index by the amount read.
func readOnce(buf api.ByteBuffer, want int, read func([]byte) (int, error)) (int, error) {
	if want <= 0 {
		return 0, api.Errorf(api.ErrCodeIndexOutOfRange,
			"transport: buffer full at maxCapacity %d", buf.MaxCapacity())
	}
	if err := buf.EnsureWritable(want); err != nil {
		return 0, err
	}
	view, err := buf.WritableView()
	if err != nil {
		return 0, err
	}
	n, err := read(view)
	if n > 0 {
		if serr := buf.SetWriterIndex(buf.WriterIndex() + n); serr != nil && err == nil {
			err = serr
		}
	}
	return n, err
}
