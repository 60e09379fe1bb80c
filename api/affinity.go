// Package api
// Author: momentics@gmail.com
//
// Worker identity used to bind execution contexts to allocator arenas.

package api

// WorkerID identifies a logical execution context (event-loop worker, task).
// Arena affinity is keyed by it instead of by OS thread.
type WorkerID string

// String implements fmt.Stringer.
func (id WorkerID) String() string { return string(id) }
