// Package task runs persisted node-sequence workflows. Unlike the agent
// loop, a task survives the process: every state mutation is written
// through the store, and waiting_approval suspends the run until a later
// call resumes it from the persisted cursor.
package task

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/marubot/maru/internal/storage"
	"github.com/marubot/maru/pkg/models"
)

// Store persists TaskState rows, one document per task.
type Store struct {
	mu  sync.Mutex
	dir *storage.DocDir
}

// NewStore opens (or creates) the task directory.
func NewStore(dir string) (*Store, error) {
	d, err := storage.NewDocDir(dir)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	return &Store{dir: d}, nil
}

// Upsert writes state.
func (s *Store) Upsert(state *models.TaskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Put(state.TaskID, state)
}

// Get loads one task; ok=false when absent.
func (s *Store) Get(id string) (*models.TaskState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state models.TaskState
	ok, err := s.dir.Get(id, &state)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &state, true, nil
}

// List returns every persisted task sorted by id.
func (s *Store) List() ([]*models.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.TaskState
	err := s.dir.List(func(_ string, raw []byte) error {
		var state models.TaskState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil // skip unreadable rows
		}
		out = append(out, &state)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

// Remove deletes one task row.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir.Remove(id)
}
