// Package lockmgr provides a file-backed single-writer lock that prevents
// overlapping pipeline runs across every orchestrator process on a host.
package lockmgr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ironmark/pipelinectl/internal/domain"
)

// ErrLockHeld names the condition of the lock being held by a non-stale
// holder. Acquire reports that case as (false, nil) and does not return
// this error.
var ErrLockHeld = errors.New("lock held by another run")

// Manager is a file-backed mutual-exclusion lock. A single Manager instance
// serializes in-process acquire/release calls with a mutex; cross-process
// exclusion comes from an atomic create-if-not-exists write to the lock
// file (O_CREATE|O_EXCL).
type Manager struct {
	path       string
	maxRuntime time.Duration

	mu sync.Mutex
}

// New creates a Manager backed by pipeline.lock under dir.
func New(dir string, maxRuntime time.Duration) *Manager {
	return &Manager{
		path:       filepath.Join(dir, "pipeline.lock"),
		maxRuntime: maxRuntime,
	}
}

// Acquire attempts to take the lock for runID. If an existing lock is
// stale, it is reclaimed (removed) and acquisition is retried exactly
// once. Concurrent calls from the same process are serialized by mu;
// cross-process exclusion relies on the exclusive-create write below.
func (m *Manager) Acquire(runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok, err := m.tryCreate(runID)
	if err == nil {
		return ok, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("lockmgr: create lock file: %w", err)
	}

	// Lock file exists — reclaim once if stale, otherwise held.
	if !m.isStale() {
		return false, nil
	}
	slog.Warn("lockmgr: stale lock reclaimed", "path", m.path)
	if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
		return false, fmt.Errorf("lockmgr: remove stale lock: %w", rmErr)
	}

	ok, err = m.tryCreate(runID)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// Lost the race to another process's reclaim.
			return false, nil
		}
		return false, fmt.Errorf("lockmgr: create lock file after reclaim: %w", err)
	}
	return ok, nil
}

// tryCreate performs the atomic O_CREATE|O_EXCL write. Returns
// (true, nil) on success, (false, os.ErrExist-wrapping err) if the file
// already exists.
func (m *Manager) tryCreate(runID string) (bool, error) {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	rec := domain.LockRecord{RunID: runID, AcquiredAt: domain.Now()}
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return false, fmt.Errorf("lockmgr: write lock record: %w", err)
	}
	slog.Info("lockmgr: lock acquired", "run_id", runID)
	return true, nil
}

// Heartbeat refreshes the lock record's acquired_at timestamp, provided
// it is still owned by runID. This keeps a legitimately long-running
// lock from being reclaimed as stale by Acquire's own mtime/acquired_at
// check. Returns false (no error) if the lock is unowned or owned by a
// different run.
func (m *Manager) Heartbeat(runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.readLocked()
	if !ok || rec.RunID != runID {
		return false, nil
	}
	rec.AcquiredAt = domain.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("lockmgr: marshal heartbeat record: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o644); err != nil {
		return false, fmt.Errorf("lockmgr: write heartbeat: %w", err)
	}
	return true, nil
}

// Release deletes the lock file, but only if it is currently owned by
// runID. Returns false (no error) if owned by someone else.
func (m *Manager) Release(runID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.readLocked()
	if !ok {
		// Already gone.
		return true, nil
	}
	if rec.RunID != runID {
		slog.Warn("lockmgr: refusing release, lock owned by different run",
			"requested_by", runID, "owner", rec.RunID)
		return false, nil
	}

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("lockmgr: remove lock file: %w", err)
	}
	slog.Info("lockmgr: lock released", "run_id", runID)
	return true, nil
}

// IsLocked reports whether the lock is currently held by a non-stale holder.
func (m *Manager) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.readLocked(); !ok {
		return false
	}
	return !m.isStale()
}

// GetLockInfo returns the current lock record, or nil if unlocked.
func (m *Manager) GetLockInfo() *domain.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.readLocked()
	if !ok {
		return nil
	}
	return &rec
}

// ForceClearAll unconditionally removes the lock file, regardless of
// owner or staleness. Used by the watchdog when a normal Release fails
// after a timeout transition, and by the Facade's administrative reset.
func (m *Manager) ForceClearAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		slog.Error("lockmgr: force clear failed", "error", err)
		return false
	}
	return true
}

// readLocked reads and parses the lock file. Caller must hold m.mu.
func (m *Manager) readLocked() (domain.LockRecord, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return domain.LockRecord{}, false
	}
	var rec domain.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt contents: present but unparseable. Treated as stale by
		// isStale's own read, but here we report "no record" to callers
		// like GetLockInfo that need a parsed value.
		return domain.LockRecord{}, false
	}
	return rec, true
}

// isStale reports whether the current lock file is stale: either its
// acquired_at is older than maxRuntime, or its mtime is. An unreadable
// or corrupt lock file is treated as stale. Caller must hold m.mu.
func (m *Manager) isStale() bool {
	info, err := os.Stat(m.path)
	if err != nil {
		return true
	}
	if time.Since(info.ModTime()) > m.maxRuntime {
		return true
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return true
	}
	var rec domain.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return true
	}
	if rec.AcquiredAt.IsZero() {
		return true
	}
	return time.Since(rec.AcquiredAt) > m.maxRuntime
}
