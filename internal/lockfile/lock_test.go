package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireAndRelease(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir, LockInfo{Database: "sqlite:test.db", Version: "1.0.0"})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	info, err := ReadLockInfo(dir)
	if err != nil {
		t.Fatalf("ReadLockInfo: %v", err)
	}
	if info == nil {
		t.Fatal("lock info not written")
	}
	if info.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", info.PID, os.Getpid())
	}
	if info.Database != "sqlite:test.db" || info.Version != "1.0.0" {
		t.Errorf("info round trip lost fields: %+v", info)
	}
	if info.StartedAt.IsZero() {
		t.Error("StartedAt not stamped")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestAcquireBusy(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, LockInfo{})
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer func() { _ = first.Release() }()

	_, err = Acquire(dir, LockInfo{})
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second Acquire = %v, want ErrLockBusy", err)
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir, LockInfo{})
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	second, err := Acquire(dir, LockInfo{})
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release()
}

func TestReadLockInfoMissing(t *testing.T) {
	info, err := ReadLockInfo(t.TempDir())
	if err != nil {
		t.Fatalf("ReadLockInfo: %v", err)
	}
	if info != nil {
		t.Errorf("expected nil info for missing file, got %+v", info)
	}
}

func TestReadLockInfoCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LockFileName), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadLockInfo(dir); err == nil {
		t.Error("corrupt lock file should error")
	}
}

func TestIsStale(t *testing.T) {
	dir := t.TempDir()

	// A lock naming a dead PID is stale.
	info := LockInfo{PID: 1 << 30, StartedAt: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	stale, err := IsStale(dir)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if !stale {
		t.Error("dead pid should be stale")
	}

	// Our own PID is not.
	lock, err := Acquire(dir, LockInfo{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() { _ = lock.Release() }()
	stale, err = IsStale(dir)
	if err != nil {
		t.Fatalf("IsStale: %v", err)
	}
	if stale {
		t.Error("live pid should not be stale")
	}
}
