// File: transport/buffers.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Read-side and write-side conveniences: a received buffer that is consumed
// once and disposed, and a buffer built from a byte slice for sending.

package transport

import (
	"sync/atomic"

	"github.com/momentics/hioload-mem/api"
)

// ReadableBuffer is received data handed to a callback. The callback reads
// what it needs and calls Dispose exactly once.
type ReadableBuffer struct {
	buf      api.ByteBuffer
	disposed atomic.Bool
}

// NewReadableBuffer takes ownership of one reference of buf.
func NewReadableBuffer(buf api.ByteBuffer) *ReadableBuffer {
	return &ReadableBuffer{buf: buf}
}

// Count returns the number of unread bytes.
func (r *ReadableBuffer) Count() int {
	if r.disposed.Load() {
		return 0
	}
	return r.buf.ReadableBytes()
}

// Buffer returns the underlying buffer, or nil once disposed.
func (r *ReadableBuffer) Buffer() api.ByteBuffer {
	if r.disposed.Load() {
		return nil
	}
	return r.buf
}

// ReadBytes consumes n bytes.
func (r *ReadableBuffer) ReadBytes(n int) ([]byte, error) {
	if r.disposed.Load() {
		return nil, api.ErrUseAfterRelease
	}
	return r.buf.ReadBytes(n)
}

// ReadString consumes n bytes as a string.
func (r *ReadableBuffer) ReadString(n int) (string, error) {
	if r.disposed.Load() {
		return "", api.ErrUseAfterRelease
	}
	return r.buf.ReadString(n)
}

// Dispose releases the buffer. A second call fails with ErrDoubleRelease.
func (r *ReadableBuffer) Dispose() error {
	if !r.disposed.CompareAndSwap(false, true) {
		return api.ErrDoubleRelease
	}
	return r.buf.Release()
}

// Receive allocates a buffer of up to size bytes, fills it from reader and
// wraps it. On failure the buffer is released and nil is returned.
func Receive(reader api.BufferReader, alloc api.BufferAllocator, size int) (*ReadableBuffer, error) {
	buf, err := alloc.NewBuffer(0, size)
	if err != nil {
		return nil, err
	}
	if _, err := reader.ReadInto(buf); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return NewReadableBuffer(buf), nil
}

// WritableFrom copies p into a new buffer ready to be sent.
func WritableFrom(alloc api.BufferAllocator, p []byte) (api.ByteBuffer, error) {
	buf, err := alloc.NewBuffer(len(p), len(p))
	if err != nil {
		return nil, err
	}
	if err := buf.WriteBytes(p); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return buf, nil
}
