// Package lockfile guards a data directory against concurrent engine
// processes. The engine runs single-node; two servers sharing one sqlite
// file or data directory would corrupt queue recovery, so serve takes an
// exclusive flock on meridian.lock before opening the store.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LockFileName inside the data directory.
const LockFileName = "meridian.lock"

// ErrLockBusy is returned when another live process holds the lock.
var ErrLockBusy = errors.New("data directory is locked by another process")

// LockInfo describes the process holding the lock. Written as JSON into
// the lock file for diagnostics; the flock itself is the authority.
type LockInfo struct {
	PID       int       `json:"pid"`
	ServerID  string    `json:"server_id,omitempty"`
	Database  string    `json:"database,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Lock is a held data-directory lock. Release when the process shuts down;
// the OS also drops it if the process dies.
type Lock struct {
	file *os.File
	path string
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the info file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	// Closing the handle releases the flock on every platform.
	err := l.file.Close()
	l.file = nil
	_ = os.Remove(l.path)
	return err
}

// Acquire takes the exclusive lock for dataDir, creating the directory if
// needed. When the lock is held by a live process it returns ErrLockBusy
// wrapped with that process's info.
func Acquire(dataDir string, info LockInfo) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	path := filepath.Join(dataDir, LockFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := FlockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			if holder, rerr := ReadLockInfo(dataDir); rerr == nil && holder != nil {
				return nil, fmt.Errorf("%w (pid %d since %s)",
					ErrLockBusy, holder.PID, holder.StartedAt.Format(time.RFC3339))
			}
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	if info.PID == 0 {
		info.PID = os.Getpid()
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		_, err = f.WriteAt(data, 0)
	}
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	_ = f.Sync()
	return &Lock{file: f, path: path}, nil
}

// ReadLockInfo reads the holder info without taking the lock. Returns nil
// with no error when the lock file does not exist.
func ReadLockInfo(dataDir string) (*LockInfo, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, LockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &info, nil
}

// IsStale reports whether the lock file references a process that is no
// longer running. Useful for diagnostics; Acquire does not need it because
// a dead process's flock is already released.
func IsStale(dataDir string) (bool, error) {
	info, err := ReadLockInfo(dataDir)
	if err != nil || info == nil {
		return false, err
	}
	return !isProcessRunning(info.PID), nil
}
