package agent

import (
	"context"
	"strings"
	"sync"
)

// RunRegistry tracks the cancel function of every live loop run, keyed by
// run key (provider:chat_id:alias, lowercase). Starting a run under a key
// that is already live cancels the predecessor.
type RunRegistry struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

type runEntry struct {
	cancel context.CancelFunc
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*runEntry)}
}

// Begin derives a cancellable context for a run and registers it. The
// returned release must be called when the run finishes; it cancels the
// context and drops the registration unless a successor replaced it.
func (r *RunRegistry) Begin(ctx context.Context, key string) (context.Context, func()) {
	key = strings.ToLower(key)
	runCtx, cancel := context.WithCancel(ctx)

	entry := &runEntry{cancel: cancel}
	r.mu.Lock()
	if prev, ok := r.runs[key]; ok {
		prev.cancel()
	}
	r.runs[key] = entry
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			r.mu.Lock()
			// Only remove our own registration; a successor may own the
			// key by now.
			if current, ok := r.runs[key]; ok && current == entry {
				delete(r.runs, key)
			}
			r.mu.Unlock()
		})
	}
	return runCtx, release
}

// Cancel aborts the run under key. Returns whether one was live.
func (r *RunRegistry) Cancel(key string) bool {
	key = strings.ToLower(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[key]
	if ok {
		entry.cancel()
		delete(r.runs, key)
	}
	return ok
}

// CancelPrefix aborts every run whose key starts with prefix. Used by
// /stop, which targets a conversation regardless of alias.
func (r *RunRegistry) CancelPrefix(prefix string) int {
	prefix = strings.ToLower(prefix)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, entry := range r.runs {
		if strings.HasPrefix(key, prefix) {
			entry.cancel()
			delete(r.runs, key)
			n++
		}
	}
	return n
}

// CancelAll aborts every live run. Called at shutdown.
func (r *RunRegistry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.runs)
	for key, entry := range r.runs {
		entry.cancel()
		delete(r.runs, key)
	}
	return n
}

// Active reports the number of live runs.
func (r *RunRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
