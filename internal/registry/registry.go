// File: internal/registry/registry.go
// Package registry
// Author: momentics <momentics@gmail.com>
//
// Sharded, thread-safe registry keyed by string-like identities.
// Used as the explicit worker -> arena affinity table of the allocator.

package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Registry maps keys to values across power-of-two shards.
type Registry[K ~string, V any] struct {
	shards []*shard[K, V]
	mask   uint32
	size   atomic.Int64
}

type shard[K ~string, V any] struct {
	mu      sync.RWMutex
	entries map[K]V
}

// New constructs a registry with shardCount shards (rounded up to a power of two).
func New[K ~string, V any](shardCount int) *Registry[K, V] {
	if shardCount <= 0 {
		shardCount = 16
	}
	m := nextPowerOfTwo(uint32(shardCount))
	shards := make([]*shard[K, V], m)
	for i := range shards {
		shards[i] = &shard[K, V]{entries: make(map[K]V)}
	}
	return &Registry[K, V]{shards: shards, mask: m - 1}
}

func (r *Registry[K, V]) shard(key K) *shard[K, V] {
	return r.shards[fnv32(string(key))&r.mask]
}

// Load fetches the value for key.
func (r *Registry[K, V]) Load(key K) (V, bool) {
	sh := r.shard(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	v, ok := sh.entries[key]
	return v, ok
}

// LoadOrStore returns the existing value for key, or stores v.
// loaded reports whether the value was already present.
func (r *Registry[K, V]) LoadOrStore(key K, v V) (actual V, loaded bool) {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := sh.entries[key]; ok {
		return cur, true
	}
	sh.entries[key] = v
	r.size.Add(1)
	return v, false
}

// Delete removes key and returns the value it held.
func (r *Registry[K, V]) Delete(key K) (V, bool) {
	sh := r.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
		r.size.Add(-1)
	}
	return v, ok
}

// Len returns the number of entries.
func (r *Registry[K, V]) Len() int {
	return int(r.size.Load())
}

// Range applies fn to all entries until it returns false.
// Entries added or removed concurrently may or may not be visited.
func (r *Registry[K, V]) Range(fn func(K, V) bool) {
	for _, sh := range r.shards {
		sh.mu.RLock()
		for k, v := range sh.entries {
			if !fn(k, v) {
				sh.mu.RUnlock()
				return
			}
		}
		sh.mu.RUnlock()
	}
}

// fnv32 hashes a string to uint32.
func fnv32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// nextPowerOfTwo returns the next power-of-two >= v.
func nextPowerOfTwo(v uint32) uint32 {
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	return v
}
