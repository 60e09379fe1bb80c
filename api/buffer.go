// Package api
// Author: momentics
//
// Reference-counted byte buffers with reader/writer cursors for pooled I/O.
//
// Buffers are carved out of pooled chunk memory (mmap, VirtualAlloc or heap).
// All operations are zero-copy unless a copying read is explicitly requested.

package api

import "io"

// ReferenceCounted is an object whose lifetime is controlled by explicit
// Retain/Release calls instead of the garbage collector.
type ReferenceCounted interface {
	// RefCount returns the current reference count; 0 means released.
	RefCount() int32

	// Retain increments the reference count.
	// Fails with ErrUseAfterRelease once the count has reached 0.
	Retain() error

	// Release decrements the reference count and frees the backing region
	// when it reaches 0. Fails with ErrDoubleRelease if already 0.
	Release() error
}

// ByteBuffer is the cursor/capacity/refcount contract consumed by I/O code.
//
// Invariant: 0 <= ReaderIndex <= WriterIndex <= Capacity <= MaxCapacity.
// Cursor mutation follows a single-writer contract: only one logical owner
// may touch cursors or capacity at a time. Retain/Release are safe from any
// goroutine.
type ByteBuffer interface {
	ReferenceCounted
	io.Reader
	io.Writer
	io.ByteReader
	io.ByteWriter

	ReaderIndex() int
	WriterIndex() int
	SetReaderIndex(i int) error
	SetWriterIndex(i int) error

	Capacity() int
	MaxCapacity() int
	ReadableBytes() int
	WritableBytes() int

	// EnsureWritable grows capacity so that at least n bytes are writable.
	EnsureWritable(n int) error

	MarkReaderIndex() error
	MarkWriterIndex() error
	ResetReaderIndex() error
	ResetWriterIndex() error

	WriteBytes(p []byte) error
	WriteString(s string) error
	ReadBytes(n int) ([]byte, error)
	ReadString(n int) (string, error)
	SkipBytes(n int) error

	// ReadableView returns bytes [ReaderIndex, WriterIndex) without copying.
	// The slice is valid until the next cursor or capacity mutation.
	ReadableView() ([]byte, error)

	// WritableView returns bytes [WriterIndex, Capacity) without copying.
	// Data written into it becomes readable after SetWriterIndex.
	WritableView() ([]byte, error)
}
