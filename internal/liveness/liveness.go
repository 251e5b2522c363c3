// Package liveness answers whether an operating-system process id still
// refers to a running process.
package liveness

// Checker reports process liveness. Implementations must be safe for
// concurrent use.
type Checker interface {
	Alive(pid int) bool
}

// OS checks liveness against the host operating system.
type OS struct{}

func (OS) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}

// Func adapts a function to Checker.
type Func func(pid int) bool

func (f Func) Alive(pid int) bool { return f(pid) }
