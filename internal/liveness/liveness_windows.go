//go:build windows

package liveness

import "os"

func alive(pid int) bool {
	// FindProcess opens a handle on windows and fails when the pid is gone.
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
