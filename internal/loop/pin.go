// File: internal/loop/pin.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral CPU pinning for worker loops. Platform implementations
// live in pin_linux.go, pin_windows.go and pin_stub.go.

package loop

import "runtime"

// pinCurrentThread locks the calling goroutine to its OS thread and binds
// that thread to cpu. A negative cpu only locks the thread.
func pinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	return setAffinity(cpu)
}
