package instance

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

	h, err := Acquire(Options{RuntimeDir: dir, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := os.Stat(h.Path()); err != nil {
		t.Fatalf("lock file missing: %v", err)
	}

	raw, err := os.ReadFile(h.Path())
	if err != nil {
		t.Fatalf("ReadFile(lock) error = %v", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("lock payload not JSON: %v", err)
	}
	if p.PID != os.Getpid() {
		t.Errorf("lock pid = %d, want %d", p.PID, os.Getpid())
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("Release() second call error = %v", err)
	}
	if _, err := os.Stat(h.Path()); !os.IsNotExist(err) {
		t.Error("lock file still present after release")
	}
}

func TestAcquireContended(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(Options{RuntimeDir: dir, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer h.Release()

	_, err = Acquire(Options{
		RuntimeDir:   dir,
		Timeout:      150 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Acquire() contended error = %v, want ErrAlreadyRunning", err)
	}
}

func TestAcquireReclaimsDeadPID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)

	// PIDs near the max are effectively never alive on a test host.
	stale, _ := json.Marshal(payload{PID: 1 << 22, CreatedAt: "2020-01-01T00:00:00Z"})
	if err := os.WriteFile(path, stale, 0o644); err != nil {
		t.Fatalf("WriteFile(stale lock) error = %v", err)
	}

	h, err := Acquire(Options{RuntimeDir: dir, Timeout: 500 * time.Millisecond})
	if err != nil {
		t.Fatalf("Acquire() over dead lock error = %v", err)
	}
	defer h.Release()
}

func TestAcquireReclaimsCorruptOldLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, lockFileName)

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile(corrupt lock) error = %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	h, err := Acquire(Options{
		RuntimeDir: dir,
		Timeout:    500 * time.Millisecond,
		StaleAfter: time.Minute,
	})
	if err != nil {
		t.Fatalf("Acquire() over corrupt old lock error = %v", err)
	}
	defer h.Release()
}
