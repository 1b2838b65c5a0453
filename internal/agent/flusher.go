package agent

import (
	"strings"
	"sync"
	"time"
)

const streamDedupeWindow = 30 * time.Second

// Flusher rate-limits streamed token deltas into chat-sized emissions.
// Deltas accumulate until the buffer reaches minChars or interval has
// passed since the last flush. Each emission is sanitized and deduped
// against a sliding same-content window.
type Flusher struct {
	emit     func(text string)
	minChars int
	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	buf       strings.Builder
	lastFlush time.Time
	recent    map[string]time.Time
}

// NewFlusher creates a flusher that delivers through emit.
func NewFlusher(emit func(text string), minChars int, interval time.Duration) *Flusher {
	if minChars <= 0 {
		minChars = 120
	}
	if interval <= 0 {
		interval = 1200 * time.Millisecond
	}
	return &Flusher{
		emit:     emit,
		minChars: minChars,
		interval: interval,
		now:      time.Now,
		recent:   make(map[string]time.Time),
	}
}

// WithNow overrides the clock. For tests.
func (f *Flusher) WithNow(now func() time.Time) *Flusher {
	f.now = now
	return f
}

// Write appends a delta and flushes when a threshold is crossed.
func (f *Flusher) Write(delta string) {
	if delta == "" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf.WriteString(delta)
	if f.buf.Len() >= f.minChars || f.now().Sub(f.lastFlush) >= f.interval {
		f.flushLocked()
	}
}

// Flush forces out whatever is buffered. Call when the turn ends.
func (f *Flusher) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushLocked()
}

func (f *Flusher) flushLocked() {
	text := Sanitize(f.buf.String())
	f.buf.Reset()
	now := f.now()
	f.lastFlush = now
	if strings.TrimSpace(text) == "" {
		return
	}
	// Same content within the window is an echo, not progress.
	if seen, ok := f.recent[text]; ok && now.Sub(seen) < streamDedupeWindow {
		return
	}
	for content, at := range f.recent {
		if now.Sub(at) >= streamDedupeWindow {
			delete(f.recent, content)
		}
	}
	f.recent[text] = now
	f.emit(text)
}
