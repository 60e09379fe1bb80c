// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs: the buffer allocator contract and its
// accounting snapshot.

package api

// BufferAllocator hands out pooled ByteBuffers.
type BufferAllocator interface {
	// NewBuffer returns a buffer with ReaderIndex = WriterIndex = 0,
	// Capacity >= initialCapacity and MaxCapacity = maxCapacity.
	NewBuffer(initialCapacity, maxCapacity int) (ByteBuffer, error)
}

// ObjectPool provides generic pooling of Go objects allocated transiently.
type ObjectPool[T any] interface {
	// Get returns an available instance from pool
	Get() T

	// Put returns an instance for reuse
	Put(obj T)
}

// AllocatorStats aggregates allocation and reuse counters.
type AllocatorStats struct {
	Arenas        int
	Chunks        int
	IdleChunks    int
	ChunkBytes    int64
	UsedBytes     int64
	ActiveBuffers int64
	UnpooledBytes int64
	Fallbacks     int64
	Exhausted     int64
	BoundWorkers  int
	RecycleHits   int64
	RecycleMisses int64
	RecycleDrops  int64
	ArenaStats    []ArenaStats
}

// ArenaStats describes a single arena.
type ArenaStats struct {
	Index      int
	Chunks     int
	IdleChunks int
	ChunkBytes int64
	UsedBytes  int64
	Bindings   int32
	Allocs     int64
	Frees      int64

	ChunksCreated   int64
	ChunksReclaimed int64
}
