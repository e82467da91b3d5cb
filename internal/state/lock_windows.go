//go:build windows

package state

import (
	"os"
	"path/filepath"
)

// Windows builds skip the flock; cross-process serialization falls back to
// the callers' in-process mutexes.
func acquireFileLock(path string, exclusive bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
}

func releaseFileLock(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
}
