package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrHomeLocked is returned when another skillforge process owns the home
// directory.
var ErrHomeLocked = errors.New("skillforge home is in use by another process")

// LockPath returns the path of the process lock within homeDir.
func LockPath(homeDir string) string {
	return filepath.Join(homeDir, "skillforge.lock")
}

// HomeLock is the exclusive lock a process holds while it may write the
// store or the workspace. Reconciliation and step execution run under it.
type HomeLock struct {
	fl *flock.Flock
}

// LockHome takes the home lock without waiting. It fails with ErrHomeLocked
// when another process holds it.
func LockHome(homeDir string) (*HomeLock, error) {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create skillforge home: %w", err)
	}
	fl := flock.New(LockPath(homeDir))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", homeDir, ErrHomeLocked)
	}
	return &HomeLock{fl: fl}, nil
}

func (l *HomeLock) Unlock() error {
	return l.fl.Unlock()
}
