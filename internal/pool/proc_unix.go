//go:build !windows

package pool

import (
	"os/exec"
	"syscall"
)

func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup signals the whole process group so tools the agent spawned
// exit with it.
func terminateGroup(pid int) {
	signalGroup(pid, syscall.SIGTERM)
}

func killGroup(pid int) {
	signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = syscall.Kill(pid, sig)
}
