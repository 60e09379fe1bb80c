// File: pool/recycler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Recycler keeps a bounded stack of cleared buffer shells so that hot
// allocation paths do not rebuild buffer state per allocation. Only the
// shell is reused; backing memory always comes fresh from an arena.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-mem/api"
)

// Recycler is a bounded LIFO object cache owned by one execution context.
// Put may be called from any goroutine, since the last release of a buffer
// often happens in a different callback than its allocation.
type Recycler[T any] struct {
	mu       sync.Mutex
	stack    []T
	capacity int
	newFn    func() T

	hits   atomic.Int64
	misses atomic.Int64
	drops  atomic.Int64
}

var _ api.ObjectPool[*shell] = (*Recycler[*shell])(nil)

// NewRecycler creates a recycler holding at most capacity objects.
// A zero capacity disables caching: Get always constructs, Put always drops.
func NewRecycler[T any](capacity int, newFn func() T) *Recycler[T] {
	return &Recycler[T]{
		stack:    make([]T, 0, min(capacity, 64)),
		capacity: capacity,
		newFn:    newFn,
	}
}

// Get pops a cached object or constructs a new one.
func (r *Recycler[T]) Get() T {
	r.mu.Lock()
	if n := len(r.stack); n > 0 {
		v := r.stack[n-1]
		var zero T
		r.stack[n-1] = zero
		r.stack = r.stack[:n-1]
		r.mu.Unlock()
		r.hits.Add(1)
		return v
	}
	r.mu.Unlock()
	r.misses.Add(1)
	return r.newFn()
}

// Put pushes v if the stack is below capacity; otherwise v is dropped.
func (r *Recycler[T]) Put(v T) {
	r.mu.Lock()
	if len(r.stack) < r.capacity {
		r.stack = append(r.stack, v)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.drops.Add(1)
}

// Len returns the number of cached objects.
func (r *Recycler[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stack)
}

// Drain discards every cached object.
func (r *Recycler[T]) Drain() {
	r.mu.Lock()
	clear(r.stack)
	r.stack = r.stack[:0]
	r.mu.Unlock()
}

// RecyclerStats counts cache effectiveness.
type RecyclerStats struct {
	Cached int
	Hits   int64
	Misses int64
	Drops  int64
}

// Stats returns hit/miss/drop counters.
func (r *Recycler[T]) Stats() RecyclerStats {
	return RecyclerStats{
		Cached: r.Len(),
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Drops:  r.drops.Load(),
	}
}
