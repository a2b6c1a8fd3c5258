package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// errAlreadyRunning means another process holds the gateway lock.
// The broker allows one connection per gateway identity, so a second
// process would keep disconnecting the first.
var errAlreadyRunning = errors.New("another gateway process holds the lock")

type instanceLock struct {
	lock *flock.Flock
}

func (l *instanceLock) Release() error {
	if l == nil || l.lock == nil || !l.lock.Locked() {
		return nil
	}
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock instance lock: %w", err)
	}
	return nil
}

// acquireInstanceLock takes the lock at path without blocking.
func acquireInstanceLock(path string) (*instanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f := flock.New(path)
	locked, err := f.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", errAlreadyRunning, path)
	}
	return &instanceLock{lock: f}, nil
}
