package cron

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/marubot/maru/internal/storage"
	"github.com/marubot/maru/pkg/models"
)

// Store persists jobs as one JSON document per job. All mutation goes
// through the scheduler tick, the mutex only guards concurrent readers
// from Add/Remove calls arriving off-tick.
type Store struct {
	mu   sync.Mutex
	docs *storage.DocDir
}

// NewStore opens (creating if needed) a job store rooted at dir.
func NewStore(dir string) (*Store, error) {
	docs, err := storage.NewDocDir(dir)
	if err != nil {
		return nil, err
	}
	return &Store{docs: docs}, nil
}

func (s *Store) Save(job *models.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Put(job.ID, job)
}

func (s *Store) Get(id string) (*models.CronJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var job models.CronJob
	found, err := s.docs.Get(id, &job)
	if err != nil || !found {
		return nil, false, err
	}
	return &job, true, nil
}

func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs.Remove(id)
}

// All returns every stored job ordered by creation time. Corrupt
// documents are skipped rather than failing the whole listing.
func (s *Store) All() ([]*models.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.CronJob
	err := s.docs.List(func(id string, raw []byte) error {
		var job models.CronJob
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil
		}
		if job.ID == "" {
			job.ID = id
		}
		jobs = append(jobs, &job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAtMs != jobs[j].CreatedAtMs {
			return jobs[i].CreatedAtMs < jobs[j].CreatedAtMs
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs, nil
}
