// Package seenset provides the TTL- and size-bounded fingerprint maps used
// for inbound dedupe, outbound send dedupe, and approval reaction
// idempotence. Entries expire after their window and the map never grows
// past its cap: overflow evicts the oldest entries first.
package seenset

import (
	"sync"
	"time"
)

// Set is a bounded map of recently seen fingerprints.
type Set struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	defaultTTL time.Duration
	maxEntries int
	lastPrune  time.Time
	now        func() time.Time
}

const pruneInterval = time.Minute

// New creates a set with a default TTL and a hard size cap.
func New(defaultTTL time.Duration, maxEntries int) *Set {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &Set{
		entries:    make(map[string]time.Time),
		defaultTTL: defaultTTL,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithNow overrides the clock. For tests.
func (s *Set) WithNow(now func() time.Time) *Set {
	s.now = now
	return s
}

// Mark records key as seen now.
func (s *Set) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.entries[key] = s.now()
}

// Seen reports whether key was marked within the default TTL.
func (s *Set) Seen(key string) bool {
	return s.SeenWithin(key, s.defaultTTL)
}

// SeenWithin reports whether key was marked within the given window.
func (s *Set) SeenWithin(key string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.entries[key]
	if !ok {
		return false
	}
	if s.now().Sub(at) > window {
		delete(s.entries, key)
		return false
	}
	return true
}

// CheckAndMark marks key and reports whether it was already seen within
// the window. The mark happens either way, refreshing the entry.
func (s *Set) CheckAndMark(key string, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	now := s.now()
	at, ok := s.entries[key]
	seen := ok && now.Sub(at) <= window
	s.entries[key] = now
	return seen
}

// Len reports the live entry count.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// pruneLocked drops expired entries on the periodic cadence, and evicts
// oldest-first whenever the cap is hit.
func (s *Set) pruneLocked() {
	now := s.now()
	if now.Sub(s.lastPrune) >= pruneInterval {
		s.lastPrune = now
		for key, at := range s.entries {
			if now.Sub(at) > s.defaultTTL {
				delete(s.entries, key)
			}
		}
	}
	for len(s.entries) >= s.maxEntries {
		var oldestKey string
		var oldestAt time.Time
		first := true
		for key, at := range s.entries {
			if first || at.Before(oldestAt) {
				oldestKey, oldestAt = key, at
				first = false
			}
		}
		delete(s.entries, oldestKey)
	}
}
