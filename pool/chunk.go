// File: pool/chunk.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Chunk: a contiguous memory block split into fixed-size pages and
// sub-allocated in runs of pages.
//
// Free runs are indexed by length in a segment tree holding, per length,
// the number of free runs of exactly that length. Allocation is best-fit:
// the tree yields the smallest length that covers the request in
// O(log pageCount), the run is popped from that length's free list and the
// tail is split back. Free coalesces with both neighbours through the
// page-boundary tables, also without scanning.

package pool

import (
	"math/bits"

	"github.com/momentics/hioload-mem/api"
)

// Run is a contiguous range of pages inside a Chunk.
type Run struct {
	offset int // first page
	pages  int
	free   bool

	// free-list links, only meaningful while free
	prev, next *Run
}

// Offset returns the first page of the run.
func (r *Run) Offset() int { return r.offset }

// Pages returns the length of the run in pages.
func (r *Run) Pages() int { return r.pages }

// Chunk sub-allocates page runs. It is not safe for concurrent use;
// the owning Arena serializes access.
type Chunk struct {
	memory    []byte
	provider  memoryProvider
	pageSize  int
	pageShift uint
	pageCount int
	usedPages int

	// Boundary tables for free runs: headAt[p] is the free run starting at
	// page p, tailAt[p] the free run ending at page p.
	headAt []*Run
	tailAt []*Run

	freeLists []*Run // by length
	lengths   lengthIndex

	// Arena bookkeeping.
	id       int
	idle     bool
	released bool
}

// newChunk builds a chunk of pageCount pages of pageSize bytes.
// pageSize must be a power of two.
func newChunk(id, pageSize, pageCount int, provider memoryProvider) (*Chunk, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 || pageCount <= 0 {
		return nil, api.Errorf(api.ErrCodeIllegalArgument,
			"chunk: invalid geometry pageSize=%d pageCount=%d", pageSize, pageCount)
	}
	mem, err := provider.alloc(pageSize * pageCount)
	if err != nil {
		return nil, api.Errorf(api.ErrCodeResourceExhausted, "chunk: %v", err).
			WithContext("bytes", pageSize*pageCount).
			WithContext("provider", provider.name())
	}
	c := &Chunk{
		memory:    mem,
		provider:  provider,
		pageSize:  pageSize,
		pageShift: uint(bits.TrailingZeros(uint(pageSize))),
		pageCount: pageCount,
		headAt:    make([]*Run, pageCount),
		tailAt:    make([]*Run, pageCount),
		freeLists: make([]*Run, pageCount+1),
		lengths:   newLengthIndex(pageCount),
		id:        id,
	}
	c.insertFree(&Run{offset: 0, pages: pageCount})
	return c, nil
}

// Allocate reserves a run covering at least n bytes.
// Returns false if no free run is large enough.
func (c *Chunk) Allocate(n int) (*Run, bool) {
	if n <= 0 {
		return nil, false
	}
	pages := c.pagesFor(n)
	if pages > c.pageCount {
		return nil, false
	}
	length := c.lengths.firstAtLeast(pages)
	if length < 0 {
		return nil, false
	}
	r := c.freeLists[length]
	c.removeFree(r)
	if r.pages > pages {
		c.insertFree(&Run{offset: r.offset + pages, pages: r.pages - pages})
		r.pages = pages
	}
	c.usedPages += r.pages
	return r, true
}

// Free returns a run to the chunk, merging it with free neighbours.
func (c *Chunk) Free(r *Run) error {
	if r == nil || r.free || r.offset < 0 || r.offset+r.pages > c.pageCount {
		return api.NewError(api.ErrCodeIllegalArgument, "chunk: run is not allocated from this chunk")
	}
	c.usedPages -= r.pages
	merged := &Run{offset: r.offset, pages: r.pages}
	if r.offset > 0 {
		if left := c.tailAt[r.offset-1]; left != nil {
			c.removeFree(left)
			merged.offset = left.offset
			merged.pages += left.pages
		}
	}
	if end := r.offset + r.pages; end < c.pageCount {
		if right := c.headAt[end]; right != nil {
			c.removeFree(right)
			merged.pages += right.pages
		}
	}
	// The caller's handle is dead from here on.
	r.free = true
	r.pages = 0
	c.insertFree(merged)
	return nil
}

// Extend grows r in place by absorbing extra pages from the free run that
// directly follows it. Returns false, leaving r untouched, if that is not possible.
func (c *Chunk) Extend(r *Run, extra int) bool {
	if extra == 0 {
		return true
	}
	if r == nil || r.free || extra < 0 {
		return false
	}
	end := r.offset + r.pages
	if end >= c.pageCount {
		return false
	}
	right := c.headAt[end]
	if right == nil || right.pages < extra {
		return false
	}
	c.removeFree(right)
	if right.pages > extra {
		c.insertFree(&Run{offset: right.offset + extra, pages: right.pages - extra})
	}
	r.pages += extra
	c.usedPages += extra
	return true
}

// Bytes returns the memory backing r.
func (c *Chunk) Bytes(r *Run) []byte {
	start := r.offset << c.pageShift
	end := (r.offset + r.pages) << c.pageShift
	return c.memory[start:end:end]
}

// pagesFor returns how many pages cover n bytes.
func (c *Chunk) pagesFor(n int) int {
	return pagesCovering(n, c.pageSize)
}

// pagesCovering rounds n up to whole pages without overflowing near MaxInt.
func pagesCovering(n, pageSize int) int {
	pages := n / pageSize
	if n%pageSize != 0 {
		pages++
	}
	return pages
}

// PageSize returns the page granularity in bytes.
func (c *Chunk) PageSize() int { return c.pageSize }

// PageCount returns the total number of pages.
func (c *Chunk) PageCount() int { return c.pageCount }

// Size returns the chunk size in bytes.
func (c *Chunk) Size() int { return c.pageCount << c.pageShift }

// UsedBytes returns bytes currently bound to runs.
func (c *Chunk) UsedBytes() int { return c.usedPages << c.pageShift }

// FreeBytes returns bytes not bound to any run.
func (c *Chunk) FreeBytes() int { return (c.pageCount - c.usedPages) << c.pageShift }

// IsEmpty reports whether every page is free.
func (c *Chunk) IsEmpty() bool { return c.usedPages == 0 }

// LargestFreeRun returns the length in pages of the largest free run.
func (c *Chunk) LargestFreeRun() int {
	return c.lengths.largest()
}

// Usage returns occupancy in percent.
func (c *Chunk) Usage() int {
	return c.usedPages * 100 / c.pageCount
}

func (c *Chunk) release() error {
	if c.released {
		return nil
	}
	c.released = true
	mem := c.memory
	c.memory = nil
	return c.provider.free(mem)
}

func (c *Chunk) insertFree(r *Run) {
	r.free = true
	r.prev = nil
	r.next = c.freeLists[r.pages]
	if r.next != nil {
		r.next.prev = r
	}
	c.freeLists[r.pages] = r
	c.headAt[r.offset] = r
	c.tailAt[r.offset+r.pages-1] = r
	c.lengths.add(r.pages, 1)
}

func (c *Chunk) removeFree(r *Run) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		c.freeLists[r.pages] = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
	r.free = false
	c.headAt[r.offset] = nil
	c.tailAt[r.offset+r.pages-1] = nil
	c.lengths.add(r.pages, -1)
}

// lengthIndex is a segment tree over run lengths [0, size) whose leaves
// count free runs of that length.
type lengthIndex struct {
	size int
	tree []int32
}

func newLengthIndex(maxLen int) lengthIndex {
	size := 1
	for size < maxLen+1 {
		size <<= 1
	}
	return lengthIndex{size: size, tree: make([]int32, 2*size)}
}

func (x *lengthIndex) add(length int, delta int32) {
	for i := length + x.size; i >= 1; i >>= 1 {
		x.tree[i] += delta
	}
}

// firstAtLeast returns the smallest length >= n with a free run, or -1.
func (x *lengthIndex) firstAtLeast(n int) int {
	if n >= x.size {
		return -1
	}
	return x.find(1, 0, x.size-1, n)
}

func (x *lengthIndex) find(node, lo, hi, n int) int {
	if hi < n || x.tree[node] == 0 {
		return -1
	}
	if lo == hi {
		return lo
	}
	mid := (lo + hi) / 2
	if r := x.find(2*node, lo, mid, n); r >= 0 {
		return r
	}
	return x.find(2*node+1, mid+1, hi, n)
}

// largest returns the greatest length with a free run, or 0.
func (x *lengthIndex) largest() int {
	if x.tree[1] == 0 {
		return 0
	}
	node := 1
	for node < x.size {
		if x.tree[2*node+1] > 0 {
			node = 2*node + 1
		} else {
			node = 2 * node
		}
	}
	return node - x.size
}
