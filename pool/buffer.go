// File: pool/buffer.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PooledBuffer: a region of chunk memory with reader/writer cursors and an
// atomic reference count.
//
//	+-------------------+------------------+------------------+ - - - - - +
//	| discardable bytes |  readable bytes  |  writable bytes  |   growth    |
//	+-------------------+------------------+------------------+ - - - - - +
//	0      <=      readerIndex   <=   writerIndex    <=    capacity <= maxCapacity

package pool

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/momentics/hioload-mem/api"
)

// region is the backing memory of a buffer: a chunk run, an unpooled
// slice, or nothing for zero-capacity buffers.
type region struct {
	home  *Arena // arena the buffer allocates from, even when unpooled
	arena *Arena // nil unless pooled
	chunk *Chunk
	run   *Run
	mem   []byte
}

func (r region) pooled() bool { return r.run != nil }

// shell is the recyclable part of a buffer: cursors, region and the packed
// lifetime word. state holds the generation in the high 32 bits and the
// reference count in the low 32 bits, so a count change and a generation
// check are one CAS.
type shell struct {
	state atomic.Uint64

	alloc    *Allocator
	region   region
	recycler *Recycler[*shell]

	readerIndex       int
	writerIndex       int
	markedReaderIndex int
	markedWriterIndex int
	capacity          int
	maxCapacity       int
}

const (
	refMask     = 1<<32 - 1
	maxRefCount = 1<<31 - 1
)

func newShell() *shell { return &shell{} }

// PooledBuffer implements api.ByteBuffer on top of arena memory. Each
// allocation gets its own handle; the shell behind it is reused, and the
// generation tells a released handle apart from the shell's next owner.
type PooledBuffer struct {
	*shell
	gen uint32
}

var _ api.ByteBuffer = (*PooledBuffer)(nil)

// init readies s for a new owner and returns that owner's handle.
func (s *shell) init(a *Allocator, reg region, capacity, maxCapacity int, rec *Recycler[*shell]) *PooledBuffer {
	s.alloc = a
	s.region = reg
	s.recycler = rec
	s.capacity = capacity
	s.maxCapacity = maxCapacity
	s.readerIndex, s.writerIndex = 0, 0
	s.markedReaderIndex, s.markedWriterIndex = 0, 0
	gen := uint32(s.state.Load()>>32) + 1
	s.state.Store(uint64(gen)<<32 | 1)
	return &PooledBuffer{shell: s, gen: gen}
}

// reset clears the shell before it goes back to a recycler. The generation
// stays; the next init bumps it.
func (s *shell) reset() {
	s.alloc = nil
	s.region = region{}
	s.readerIndex, s.writerIndex = 0, 0
	s.markedReaderIndex, s.markedWriterIndex = 0, 0
	s.capacity, s.maxCapacity = 0, 0
}

// refs returns the reference count seen by this handle: zero once the
// handle's generation is gone.
func (b *PooledBuffer) refs(state uint64) uint32 {
	if uint32(state>>32) != b.gen {
		return 0
	}
	return uint32(state & refMask)
}

func (b *PooledBuffer) ensureAccessible() error {
	if b.refs(b.state.Load()) == 0 {
		return api.ErrUseAfterRelease
	}
	return nil
}

// RefCount returns the current reference count.
func (b *PooledBuffer) RefCount() int32 { return int32(b.refs(b.state.Load())) }

// Retain increments the reference count.
func (b *PooledBuffer) Retain() error {
	for {
		st := b.state.Load()
		n := b.refs(st)
		if n == 0 {
			return api.ErrUseAfterRelease
		}
		if n == maxRefCount {
			return api.NewError(api.ErrCodeIllegalArgument, "pool: reference count overflow")
		}
		if b.state.CompareAndSwap(st, st+1) {
			return nil
		}
	}
}

// Release decrements the reference count, returning the region to its
// arena when the count reaches zero. A handle whose shell has moved on to
// another owner gets DoubleRelease and leaves that owner untouched.
func (b *PooledBuffer) Release() error {
	for {
		st := b.state.Load()
		n := b.refs(st)
		if n == 0 {
			return api.ErrDoubleRelease
		}
		if b.state.CompareAndSwap(st, st-1) {
			if n == 1 {
				b.deallocate()
			}
			return nil
		}
	}
}

func (b *PooledBuffer) deallocate() {
	s := b.shell
	a, rec := s.alloc, s.recycler
	a.freeRegion(s.region)
	a.active.Add(-1)
	s.reset()
	if rec != nil {
		rec.Put(s)
	}
}

// ReaderIndex returns the read cursor.
func (b *PooledBuffer) ReaderIndex() int { return b.readerIndex }

// WriterIndex returns the write cursor.
func (b *PooledBuffer) WriterIndex() int { return b.writerIndex }

// Capacity returns the current capacity.
func (b *PooledBuffer) Capacity() int { return b.capacity }

// MaxCapacity returns the hard growth bound.
func (b *PooledBuffer) MaxCapacity() int { return b.maxCapacity }

// ReadableBytes returns writerIndex - readerIndex.
func (b *PooledBuffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

// WritableBytes returns capacity - writerIndex.
func (b *PooledBuffer) WritableBytes() int { return b.capacity - b.writerIndex }

// MaxWritableBytes returns maxCapacity - writerIndex.
func (b *PooledBuffer) MaxWritableBytes() int { return b.maxCapacity - b.writerIndex }

// IsReadable reports whether any bytes are readable.
func (b *PooledBuffer) IsReadable() bool { return b.writerIndex > b.readerIndex }

// Pooled reports whether the buffer lives in chunk memory.
func (b *PooledBuffer) Pooled() bool { return b.region.pooled() }

// SetReaderIndex moves the read cursor within [0, writerIndex].
func (b *PooledBuffer) SetReaderIndex(i int) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if i < 0 || i > b.writerIndex {
		return b.outOfRange("readerIndex", i, 0, b.writerIndex)
	}
	b.readerIndex = i
	return nil
}

// SetWriterIndex moves the write cursor within [readerIndex, capacity].
func (b *PooledBuffer) SetWriterIndex(i int) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if i < b.readerIndex || i > b.capacity {
		return b.outOfRange("writerIndex", i, b.readerIndex, b.capacity)
	}
	b.writerIndex = i
	return nil
}

// MarkReaderIndex remembers the read cursor.
func (b *PooledBuffer) MarkReaderIndex() error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	b.markedReaderIndex = b.readerIndex
	return nil
}

// MarkWriterIndex remembers the write cursor.
func (b *PooledBuffer) MarkWriterIndex() error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	b.markedWriterIndex = b.writerIndex
	return nil
}

// ResetReaderIndex restores the read cursor from its mark.
func (b *PooledBuffer) ResetReaderIndex() error {
	return b.SetReaderIndex(b.markedReaderIndex)
}

// ResetWriterIndex restores the write cursor from its mark.
func (b *PooledBuffer) ResetWriterIndex() error {
	return b.SetWriterIndex(b.markedWriterIndex)
}

// Clear resets both cursors to zero. Contents and marks are untouched.
func (b *PooledBuffer) Clear() error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	b.readerIndex, b.writerIndex = 0, 0
	return nil
}

// DiscardReadBytes moves the readable bytes to index 0.
func (b *PooledBuffer) DiscardReadBytes() error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	r := b.readerIndex
	if r == 0 {
		return nil
	}
	if r != b.writerIndex {
		copy(b.region.mem, b.region.mem[r:b.writerIndex])
	}
	b.writerIndex -= r
	b.readerIndex = 0
	b.markedReaderIndex = max(b.markedReaderIndex-r, 0)
	b.markedWriterIndex = max(b.markedWriterIndex-r, 0)
	return nil
}

// EnsureWritable makes at least n bytes writable, growing up to maxCapacity.
// It is a no-op when the bytes are already available and leaves the buffer
// untouched on failure.
func (b *PooledBuffer) EnsureWritable(n int) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if n < 0 {
		return api.Errorf(api.ErrCodeIllegalArgument, "pool: negative writable length %d", n)
	}
	if b.capacity-b.writerIndex >= n {
		return nil
	}
	if n > b.maxCapacity-b.writerIndex {
		return api.Errorf(api.ErrCodeIndexOutOfRange,
			"pool: writerIndex(%d) + minWritableBytes(%d) exceeds maxCapacity(%d)",
			b.writerIndex, n, b.maxCapacity).
			WithContext("buffer", b.String())
	}
	return b.growTo(nextCapacity(b.writerIndex+n, b.maxCapacity))
}

// growTo raises capacity to newCapacity using slack in the current run,
// then an in-place extension of the run, then Reallocate.
func (b *PooledBuffer) growTo(newCapacity int) error {
	if newCapacity <= len(b.region.mem) {
		b.capacity = newCapacity
		return nil
	}
	if r := b.region; r.pooled() {
		needed := pagesCovering(newCapacity, r.chunk.pageSize)
		if mem, ok := r.arena.extendRun(r.chunk, r.run, needed-r.run.pages); ok {
			b.region.mem = mem
			b.capacity = newCapacity
			return nil
		}
	}
	return b.alloc.Reallocate(b, newCapacity)
}

const capacityThreshold = 4 << 20

// nextCapacity doubles from 64 below 4 MiB and steps by 4 MiB above it.
func nextCapacity(minNewCapacity, maxCapacity int) int {
	if minNewCapacity == capacityThreshold {
		return capacityThreshold
	}
	if minNewCapacity > capacityThreshold {
		newCapacity := minNewCapacity / capacityThreshold * capacityThreshold
		if newCapacity > maxCapacity-capacityThreshold {
			return maxCapacity
		}
		return newCapacity + capacityThreshold
	}
	newCapacity := 64
	for newCapacity < minNewCapacity {
		newCapacity <<= 1
	}
	return min(newCapacity, maxCapacity)
}

// GetByte returns the byte at absolute index i without moving cursors.
func (b *PooledBuffer) GetByte(i int) (byte, error) {
	if err := b.ensureAccessible(); err != nil {
		return 0, err
	}
	if i < 0 || i >= b.capacity {
		return 0, b.outOfRange("index", i, 0, b.capacity-1)
	}
	return b.region.mem[i], nil
}

// SetByte stores c at absolute index i without moving cursors.
func (b *PooledBuffer) SetByte(i int, c byte) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if i < 0 || i >= b.capacity {
		return b.outOfRange("index", i, 0, b.capacity-1)
	}
	b.region.mem[i] = c
	return nil
}

// WriteByte appends c.
func (b *PooledBuffer) WriteByte(c byte) error {
	if err := b.EnsureWritable(1); err != nil {
		return err
	}
	b.region.mem[b.writerIndex] = c
	b.writerIndex++
	return nil
}

// WriteBytes appends p.
func (b *PooledBuffer) WriteBytes(p []byte) error {
	if err := b.EnsureWritable(len(p)); err != nil {
		return err
	}
	b.writerIndex += copy(b.region.mem[b.writerIndex:b.capacity], p)
	return nil
}

// WriteString appends s.
func (b *PooledBuffer) WriteString(s string) error {
	if err := b.EnsureWritable(len(s)); err != nil {
		return err
	}
	b.writerIndex += copy(b.region.mem[b.writerIndex:b.capacity], s)
	return nil
}

// WriteUint16 appends v in big-endian order.
func (b *PooledBuffer) WriteUint16(v uint16) error {
	if err := b.EnsureWritable(2); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(b.region.mem[b.writerIndex:], v)
	b.writerIndex += 2
	return nil
}

// WriteUint32 appends v in big-endian order.
func (b *PooledBuffer) WriteUint32(v uint32) error {
	if err := b.EnsureWritable(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(b.region.mem[b.writerIndex:], v)
	b.writerIndex += 4
	return nil
}

// WriteUint64 appends v in big-endian order.
func (b *PooledBuffer) WriteUint64(v uint64) error {
	if err := b.EnsureWritable(8); err != nil {
		return err
	}
	binary.BigEndian.PutUint64(b.region.mem[b.writerIndex:], v)
	b.writerIndex += 8
	return nil
}

// Write implements io.Writer.
func (b *PooledBuffer) Write(p []byte) (int, error) {
	if err := b.WriteBytes(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// checkReadable verifies n bytes can be consumed.
func (b *PooledBuffer) checkReadable(n int) error {
	if err := b.ensureAccessible(); err != nil {
		return err
	}
	if n < 0 {
		return api.Errorf(api.ErrCodeIllegalArgument, "pool: negative read length %d", n)
	}
	if n > b.writerIndex-b.readerIndex {
		return api.Errorf(api.ErrCodeIndexOutOfRange,
			"pool: readerIndex(%d) + length(%d) exceeds writerIndex(%d)",
			b.readerIndex, n, b.writerIndex)
	}
	return nil
}

// ReadByte consumes one byte.
func (b *PooledBuffer) ReadByte() (byte, error) {
	if err := b.checkReadable(1); err != nil {
		return 0, err
	}
	c := b.region.mem[b.readerIndex]
	b.readerIndex++
	return c, nil
}

// ReadBytes consumes n bytes into a new slice.
func (b *PooledBuffer) ReadBytes(n int) ([]byte, error) {
	if err := b.checkReadable(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b.region.mem[b.readerIndex:])
	b.readerIndex += n
	return out, nil
}

// ReadString consumes n bytes as a string.
func (b *PooledBuffer) ReadString(n int) (string, error) {
	if err := b.checkReadable(n); err != nil {
		return "", err
	}
	s := string(b.region.mem[b.readerIndex : b.readerIndex+n])
	b.readerIndex += n
	return s, nil
}

// ReadUint16 consumes a big-endian uint16.
func (b *PooledBuffer) ReadUint16() (uint16, error) {
	if err := b.checkReadable(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(b.region.mem[b.readerIndex:])
	b.readerIndex += 2
	return v, nil
}

// ReadUint32 consumes a big-endian uint32.
func (b *PooledBuffer) ReadUint32() (uint32, error) {
	if err := b.checkReadable(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(b.region.mem[b.readerIndex:])
	b.readerIndex += 4
	return v, nil
}

// ReadUint64 consumes a big-endian uint64.
func (b *PooledBuffer) ReadUint64() (uint64, error) {
	if err := b.checkReadable(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(b.region.mem[b.readerIndex:])
	b.readerIndex += 8
	return v, nil
}

// SkipBytes advances the read cursor by n.
func (b *PooledBuffer) SkipBytes(n int) error {
	if err := b.checkReadable(n); err != nil {
		return err
	}
	b.readerIndex += n
	return nil
}

// Read implements io.Reader; it returns io.EOF once nothing is readable.
func (b *PooledBuffer) Read(p []byte) (int, error) {
	if err := b.ensureAccessible(); err != nil {
		return 0, err
	}
	if b.readerIndex == b.writerIndex {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.region.mem[b.readerIndex:b.writerIndex])
	b.readerIndex += n
	return n, nil
}

// ReadableView returns [readerIndex, writerIndex) without copying.
func (b *PooledBuffer) ReadableView() ([]byte, error) {
	if err := b.ensureAccessible(); err != nil {
		return nil, err
	}
	return b.region.mem[b.readerIndex:b.writerIndex:b.writerIndex], nil
}

// WritableView returns [writerIndex, capacity) without copying.
func (b *PooledBuffer) WritableView() ([]byte, error) {
	if err := b.ensureAccessible(); err != nil {
		return nil, err
	}
	return b.region.mem[b.writerIndex:b.capacity:b.capacity], nil
}

func (b *PooledBuffer) outOfRange(what string, got, lo, hi int) error {
	return api.Errorf(api.ErrCodeIndexOutOfRange, "pool: %s %d out of range [%d, %d]", what, got, lo, hi).
		WithContext("buffer", b.String())
}

// String describes cursors and capacity for diagnostics.
func (b *PooledBuffer) String() string {
	return fmt.Sprintf("PooledBuffer(ridx: %d, widx: %d, cap: %d/%d, refCnt: %d, pooled: %t)",
		b.readerIndex, b.writerIndex, b.capacity, b.maxCapacity, b.RefCount(), b.region.pooled())
}
