// Package events keeps the append-only workflow audit trail. Events land
// in a JSONL file with an id index for idempotent appends; long detail text
// goes to a per-task markdown file as timestamped sections.
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/storage"
	"github.com/marubot/maru/pkg/models"
)

// AppendResult reports what Append did.
type AppendResult struct {
	Event   *models.WorkflowEvent
	Deduped bool
}

// Filter narrows List. Zero-valued fields match everything.
type Filter struct {
	Phase   models.EventPhase
	TaskID  string
	RunID   string
	AgentID string
	ChatID  string
	Source  models.EventSource
	Limit   int
	Offset  int
}

// Log is the file-backed event store. All writes hold one mutex; the JSONL
// file only ever grows.
type Log struct {
	mu        sync.Mutex
	dir       string
	detailDir string
	byID      map[string]*models.WorkflowEvent
	order     []string
	now       func() time.Time
}

// NewLog opens (or creates) the event log under dir. Existing events are
// loaded so appends stay idempotent across restarts.
func NewLog(dir, detailDir string) (*Log, error) {
	for _, d := range []string{dir, detailDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create event dir: %w", err)
		}
	}
	l := &Log{
		dir:       dir,
		detailDir: detailDir,
		byID:      map[string]*models.WorkflowEvent{},
		now:       time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// WithNow overrides the clock. Tests only.
func (l *Log) WithNow(now func() time.Time) *Log {
	l.now = now
	return l
}

func (l *Log) jsonlPath() string { return filepath.Join(l.dir, "events.jsonl") }
func (l *Log) indexPath() string { return filepath.Join(l.dir, "index.json") }

func (l *Log) load() error {
	f, err := os.Open(l.jsonlPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.WorkflowEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			continue
		}
		if ev.EventID == "" || l.byID[ev.EventID] != nil {
			continue
		}
		copied := ev
		l.byID[ev.EventID] = &copied
		l.order = append(l.order, ev.EventID)
	}
	return sc.Err()
}

// Append records ev. Appends with an EventID already in the log are
// deduplicated: the stored event is returned unchanged. detail, when
// non-empty and task-scoped, is written to the task's markdown file.
func (l *Log) Append(ctx context.Context, ev *models.WorkflowEvent, detail string) (*AppendResult, error) {
	if ev == nil {
		return nil, fmt.Errorf("nil event")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if prev, ok := l.byID[ev.EventID]; ok {
		return &AppendResult{Event: prev, Deduped: true}, nil
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	if ev.Source == "" {
		ev.Source = models.SourceSystem
	}

	if detail != "" && ev.TaskID != "" {
		file, err := l.appendDetail(ev, detail)
		if err != nil {
			return nil, err
		}
		ev.DetailFile = file
	}

	if err := l.appendLine(ev); err != nil {
		return nil, err
	}

	copied := *ev
	l.byID[ev.EventID] = &copied
	l.order = append(l.order, ev.EventID)
	l.writeIndex()
	return &AppendResult{Event: &copied}, nil
}

func (l *Log) appendLine(ev *models.WorkflowEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	f, err := os.OpenFile(l.jsonlPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *Log) appendDetail(ev *models.WorkflowEvent, detail string) (string, error) {
	name := storage.SanitizeID(ev.TaskID) + ".md"
	path := filepath.Join(l.detailDir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open detail file: %w", err)
	}
	defer f.Close()
	section := fmt.Sprintf("\n## %s — %s\n\n%s\n",
		models.SeoulTimestamp(ev.At), ev.Phase, detail)
	if _, err := f.WriteString(section); err != nil {
		return "", fmt.Errorf("append detail: %w", err)
	}
	return name, nil
}

// index.json is advisory (fast restart scan); the JSONL stays the source
// of truth, so index write failures are ignored.
func (l *Log) writeIndex() {
	idx := struct {
		EventIDs []string `json:"event_ids"`
	}{EventIDs: l.order}
	raw, err := json.Marshal(idx)
	if err != nil {
		return
	}
	tmp := l.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, l.indexPath())
}

// List returns events matching filter in descending At order.
func (l *Log) List(ctx context.Context, filter Filter) ([]models.WorkflowEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.WorkflowEvent
	for _, id := range l.order {
		ev := l.byID[id]
		if !filter.matches(ev) {
			continue
		}
		out = append(out, *ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f Filter) matches(ev *models.WorkflowEvent) bool {
	if f.Phase != "" && ev.Phase != f.Phase {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if f.ChatID != "" && ev.ChatID != f.ChatID {
		return false
	}
	if f.Source != "" && ev.Source != f.Source {
		return false
	}
	return true
}

// DetailPath returns the absolute path of a task's detail file.
func (l *Log) DetailPath(taskID string) string {
	return filepath.Join(l.detailDir, storage.SanitizeID(taskID)+".md")
}
