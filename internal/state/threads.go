// Package state persists the small pieces of on-disk state the session core
// needs across restarts: the thread-id registry, per-child process records,
// and the delivery-target store. All writes are temp-file-plus-rename and
// guarded by an advisory file lock so concurrent instances never interleave.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cardev/car/internal/common/logger"
)

// ThreadRegistryFile is the registry file name under the state root.
const ThreadRegistryFile = "app_server_threads.json"

// ThreadRegistry maps session keys to backend thread ids so a later turn on
// the same conversation resumes the same thread. The file schema is a flat
// {session_key: thread_id} object.
type ThreadRegistry struct {
	path   string
	mu     sync.Mutex
	logger *logger.Logger
}

// corruptNotice is written next to a moved-aside registry file so operators
// and diagnostics can see what happened without scraping logs.
type corruptNotice struct {
	Error   string    `json:"error"`
	MovedTo string    `json:"movedTo"`
	At      time.Time `json:"at"`
}

// NewThreadRegistry returns a registry rooted at stateRoot. The file is
// created lazily on first Set.
func NewThreadRegistry(stateRoot string, log *logger.Logger) *ThreadRegistry {
	return &ThreadRegistry{
		path:   filepath.Join(stateRoot, ThreadRegistryFile),
		logger: log.WithComponent("thread_registry"),
	}
}

// Path returns the registry file location.
func (r *ThreadRegistry) Path() string { return r.path }

// Get returns the thread id recorded for sessionKey, if any.
func (r *ThreadRegistry) Get(sessionKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireFileLock(r.lockPath(), false)
	if err != nil {
		r.logger.Warn("thread_registry.lock_failed", zap.Error(err))
		return "", false
	}
	defer releaseFileLock(lock)

	entries := r.loadLocked()
	id, ok := entries[sessionKey]
	return id, ok
}

// Set records threadID for sessionKey, overwriting any previous value.
func (r *ThreadRegistry) Set(sessionKey, threadID string) error {
	if sessionKey == "" {
		return fmt.Errorf("session key is required")
	}
	return r.update(func(entries map[string]string) {
		entries[sessionKey] = threadID
	})
}

// Reset removes sessionKey so the next turn starts a fresh thread. Removing
// an absent key is not an error.
func (r *ThreadRegistry) Reset(sessionKey string) error {
	return r.update(func(entries map[string]string) {
		delete(entries, sessionKey)
	})
}

// ResetAll clears the registry.
func (r *ThreadRegistry) ResetAll() error {
	return r.update(func(entries map[string]string) {
		for k := range entries {
			delete(entries, k)
		}
	})
}

// Snapshot returns a copy of all entries for diagnostics.
func (r *ThreadRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireFileLock(r.lockPath(), false)
	if err != nil {
		r.logger.Warn("thread_registry.lock_failed", zap.Error(err))
		return map[string]string{}
	}
	defer releaseFileLock(lock)

	return r.loadLocked()
}

// update serializes a read-mutate-write cycle under both the in-process
// mutex and the advisory file lock.
func (r *ThreadRegistry) update(mutate func(map[string]string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, err := acquireFileLock(r.lockPath(), true)
	if err != nil {
		return fmt.Errorf("lock thread registry: %w", err)
	}
	defer releaseFileLock(lock)

	entries := r.loadLocked()
	mutate(entries)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode thread registry: %w", err)
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return fmt.Errorf("write thread registry: %w", err)
	}
	return nil
}

// loadLocked reads the registry file. A missing file yields an empty map. An
// unparsable file is moved aside with a timestamp suffix plus a JSON notice,
// and the registry restarts empty.
func (r *ThreadRegistry) loadLocked() map[string]string {
	entries := make(map[string]string)

	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("thread_registry.read_failed", zap.Error(err))
		}
		return entries
	}
	if len(data) == 0 {
		return entries
	}

	if err := json.Unmarshal(data, &entries); err != nil {
		r.moveAsideLocked(err)
		return make(map[string]string)
	}
	return entries
}

func (r *ThreadRegistry) moveAsideLocked(cause error) {
	stamp := time.Now().UTC().Format("20060102T150405")
	corruptPath := fmt.Sprintf("%s.corrupt-%s", r.path, stamp)
	if err := os.Rename(r.path, corruptPath); err != nil {
		r.logger.Error("thread_registry.move_aside_failed",
			zap.Error(err),
			zap.String("path", r.path))
		return
	}

	notice := corruptNotice{
		Error:   cause.Error(),
		MovedTo: corruptPath,
		At:      time.Now().UTC(),
	}
	if data, err := json.MarshalIndent(notice, "", "  "); err == nil {
		_ = writeFileAtomic(corruptPath+".notice.json", data)
	}

	r.logger.Error("thread_registry.corrupt",
		zap.String("moved_to", corruptPath),
		zap.Error(cause))
}

func (r *ThreadRegistry) lockPath() string { return r.path + ".lock" }
