// Package pool
// Author: momentics <momentics@gmail.com>
//
// Pooled, reference-counted byte buffers.
//
// Memory is organised in three levels. An Arena owns a growable set of
// Chunks; a Chunk is one contiguous block (mmap, VirtualAlloc or heap)
// split into pages and handed out as page runs; a PooledBuffer binds one
// run and exposes reader/writer cursors over it. The Allocator spreads
// workers over arenas through an explicit affinity table and falls back to
// unpooled memory when no arena can serve a request.
//
// Buffers start with a reference count of one. The region returns to its
// chunk when the count drops to zero; the wrapper goes back to the
// recycler of the worker that allocated it.
package pool
