// File: pool/memory.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Backing-memory providers for chunks. Platform-specific mapped allocators
// live in memory_unix.go and memory_windows.go; the heap provider is the
// portable fallback.

package pool

// memoryProvider allocates and frees whole chunk blocks.
type memoryProvider interface {
	alloc(size int) ([]byte, error)
	free(mem []byte) error
	name() string
}

// heapProvider leaves chunk memory to the Go heap.
type heapProvider struct{}

func (heapProvider) alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapProvider) free([]byte) error              { return nil }
func (heapProvider) name() string                   { return "heap" }

// selectProvider returns the mapped provider when requested and supported.
func selectProvider(useMmap bool) memoryProvider {
	if useMmap {
		if p := platformProvider(); p != nil {
			return p
		}
	}
	return heapProvider{}
}
