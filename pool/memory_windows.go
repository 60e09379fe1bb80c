//go:build windows

// File: pool/memory_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// VirtualAlloc-backed chunk memory for Windows.

package pool

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

type virtualAllocProvider struct{}

func (virtualAllocProvider) alloc(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

func (virtualAllocProvider) free(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[0])), 0, windows.MEM_RELEASE)
}

func (virtualAllocProvider) name() string { return "virtualalloc" }

func platformProvider() memoryProvider { return virtualAllocProvider{} }
