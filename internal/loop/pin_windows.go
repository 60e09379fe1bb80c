//go:build windows

// File: internal/loop/pin_windows.go
// Author: momentics <momentics@gmail.com>
//
// Windows thread affinity via SetThreadAffinityMask.

package loop

import (
	"fmt"

	"golang.org/x/sys/windows"
)

var procSetThreadAffinityMask = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadAffinityMask")

func setAffinity(cpu int) error {
	ret, _, err := procSetThreadAffinityMask.Call(uintptr(windows.CurrentThread()), uintptr(1)<<cpu)
	if ret == 0 {
		return fmt.Errorf("loop: SetThreadAffinityMask cpu %d: %w", cpu, err)
	}
	return nil
}
