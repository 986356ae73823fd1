// Package filelock provides a cooperative, advisory exclusive file lock
// built on flock(2), shared by every subsystem that needs to serialize
// concurrent node-local mutation: hugepage allocation (lib/hotplug) and
// config writes (lib/vmconfig).
package filelock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/vmnode/vmcore/lib/vmerr"
)

// Lock holds an exclusive flock on a file for the caller's duration.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) and exclusively locks path,
// blocking until it is free.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.Locked, "open lock file "+path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, vmerr.Wrap(vmerr.Locked, "flock "+path, err)
	}
	return &Lock{f: f}, nil
}

// TryAcquire is Acquire's non-blocking variant: returns vmerr.Locked
// immediately if another holder owns the lock.
func TryAcquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.Locked, "open lock file "+path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, vmerr.Wrap(vmerr.Locked, "flock "+path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
