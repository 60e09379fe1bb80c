//go:build unix

// File: pool/memory_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Anonymous private mappings for chunk memory. Pages are committed lazily by
// the kernel, so idle chunk tails cost address space only.

package pool

import (
	"golang.org/x/sys/unix"
)

type mmapProvider struct{}

func (mmapProvider) alloc(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func (mmapProvider) free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return unix.Munmap(mem)
}

func (mmapProvider) name() string { return "mmap" }

func platformProvider() memoryProvider { return mmapProvider{} }
