//go:build !windows

package state

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// acquireFileLock opens (creating if needed) the lock file at path and takes
// an advisory lock on it. Shared locks allow concurrent readers; exclusive
// locks serialize writers across processes. The lock is released by closing
// the returned file. EINTR is retried; the lock dies with the process, so
// stale locks cannot outlive a crash.
func acquireFileLock(path string, exclusive bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	for {
		err = syscall.Flock(int(f.Fd()), how)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, syscall.EINTR) {
			_ = f.Close()
			return nil, err
		}
	}
}

// releaseFileLock drops the advisory lock and closes the lock file.
func releaseFileLock(f *os.File) {
	if f == nil {
		return
	}
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}
