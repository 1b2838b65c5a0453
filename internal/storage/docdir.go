package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DocDir is a document-per-file JSON store: one record per <id>.json under
// a directory. Task and cron state use this layout so runtime state stays
// greppable on disk. Writes are atomic (temp file + rename) and serialized.
type DocDir struct {
	mu  sync.Mutex
	dir string
}

// NewDocDir creates the directory if needed and returns the store.
func NewDocDir(dir string) (*DocDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create doc dir: %w", err)
	}
	return &DocDir{dir: dir}, nil
}

// Put writes one record, replacing any previous version.
func (d *DocDir) Put(id string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", id, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", id, err)
	}
	return nil
}

// Get decodes one record into v. The first return is false when absent.
func (d *DocDir) Get(id string, v any) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", id, err)
	}
	return true, nil
}

// Remove deletes one record; removing an absent record is not an error.
func (d *DocDir) Remove(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := os.Remove(d.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// List calls fn with each record's id and raw JSON, in directory order.
func (d *DocDir) List(fn func(id string, raw []byte) error) error {
	d.mu.Lock()
	entries, err := os.ReadDir(d.dir)
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("list docs: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		d.mu.Lock()
		raw, err := os.ReadFile(filepath.Join(d.dir, name))
		d.mu.Unlock()
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		if err := fn(strings.TrimSuffix(name, ".json"), raw); err != nil {
			return err
		}
	}
	return nil
}

func (d *DocDir) path(id string) string {
	return filepath.Join(d.dir, SanitizeID(id)+".json")
}

// SanitizeID keeps ids filesystem-safe without losing uniqueness for the
// uuid-style ids used in practice.
func SanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
