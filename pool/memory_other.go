//go:build !unix && !windows

// File: pool/memory_other.go
// Author: momentics <momentics@gmail.com>
//
// No mapped allocator on this platform; chunks use the Go heap.

package pool

func platformProvider() memoryProvider { return nil }
