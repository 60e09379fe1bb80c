// File: api/transport.go
// Author: momentics <momentics@gmail.com>
//
// Capability interfaces through which transport variants (stream, datagram,
// websocket) move bytes in and out of pooled buffers.

package api

// BufferReader fills a buffer from an underlying handle.
type BufferReader interface {
	// ReadInto appends received bytes at the buffer's writer index and
	// advances it. Returns the number of bytes appended.
	ReadInto(buf ByteBuffer) (int, error)
}

// BufferWriter drains a buffer into an underlying handle.
type BufferWriter interface {
	// WriteFrom sends the readable bytes of buf and advances its reader index.
	WriteFrom(buf ByteBuffer) (int, error)
}

// BufferTransport composes both capabilities with Close.
type BufferTransport interface {
	BufferReader
	BufferWriter
	Close() error
}
