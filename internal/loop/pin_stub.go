//go:build !linux && !windows

// File: internal/loop/pin_stub.go
// Author: momentics <momentics@gmail.com>

package loop

import "errors"

func setAffinity(int) error {
	return errors.New("loop: cpu affinity not supported on this platform")
}
