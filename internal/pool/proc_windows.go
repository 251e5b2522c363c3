//go:build windows

package pool

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM; both phases kill the process.
func terminateGroup(pid int) { killGroup(pid) }

func killGroup(pid int) {
	if pid <= 0 {
		return
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
