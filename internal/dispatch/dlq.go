package dispatch

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/marubot/maru/pkg/models"
)

// DLQRecord is one dead-lettered outbound message.
type DLQRecord struct {
	At         time.Time       `json:"at"`
	Provider   models.Provider `json:"provider"`
	ChatID     string          `json:"chat_id"`
	MessageID  string          `json:"message_id,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	ReplyTo    string          `json:"reply_to,omitempty"`
	ThreadID   string          `json:"thread_id,omitempty"`
	RetryCount int             `json:"retry_count"`
	Error      string          `json:"error"`
	Content    string          `json:"content"`
	Metadata   models.Metadata `json:"metadata"`
}

const dlqContentLimit = 4000

// DLQ appends dead-lettered messages to a JSONL file. Writes are
// serialized; append failures are the caller's to log, never to propagate.
type DLQ struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewDLQ creates the dead-letter writer at path.
func NewDLQ(path string) *DLQ {
	return &DLQ{path: path, now: time.Now}
}

// WithNow overrides the clock. For tests.
func (d *DLQ) WithNow(now func() time.Time) *DLQ {
	d.now = now
	return d
}

// Path returns the JSONL file location.
func (d *DLQ) Path() string { return d.path }

// Append writes one record for msg with the terminal error.
func (d *DLQ) Append(msg *models.OutboundMessage, retryCount int, sendErr string) error {
	content := msg.Content
	if len(content) > dlqContentLimit {
		content = content[:dlqContentLimit]
	}
	rec := DLQRecord{
		At:         d.now(),
		Provider:   msg.Provider,
		ChatID:     msg.ChatID,
		MessageID:  msg.ID,
		SenderID:   msg.SenderID,
		ReplyTo:    msg.ReplyTo,
		ThreadID:   msg.ThreadID,
		RetryCount: retryCount,
		Error:      sendErr,
		Content:    content,
		Metadata:   msg.Metadata,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// List reads every record in append order. A missing file is empty, and
// unparseable lines are skipped.
func (d *DLQ) List() ([]DLQRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DLQRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var rec DLQRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Clear truncates the queue file and reports how many records were dropped.
func (d *DLQ) Clear() (int, error) {
	records, err := d.List()
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return len(records), nil
}
