//go:build !windows

package liveness

import (
	"errors"
	"syscall"
)

func alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// The process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
