// Package sessions records per-conversation chat history so the
// orchestrator can hand recent context to the agent. One session per
// (provider, chat, thread scope, agent alias); history reads are bounded
// by both message count and age.
package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marubot/maru/internal/secrets"
	"github.com/marubot/maru/pkg/models"
)

// Role identifies who produced a session message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one recorded history entry.
type Message struct {
	Role      Role   `json:"role"`
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// Key builds the session key. Thread scope is thread:<id> when a thread is
// present, thread:root on Slack otherwise, and thread:default elsewhere.
func Key(provider models.Provider, chatID, threadID, alias string) string {
	scope := "thread:" + threadID
	if threadID == "" {
		if provider == models.ProviderSlack {
			scope = "thread:root"
		} else {
			scope = "thread:default"
		}
	}
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", provider, chatID, scope, alias))
}

// DDL returns the schema for the session history table.
func DDL() []string {
	return []string{`
		CREATE TABLE IF NOT EXISTS session_messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			role        TEXT NOT NULL,
			sender      TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_messages_key ON session_messages(session_key, id)`,
	}
}

// DailyAppender receives the one-line daily-memory echo of each recorded
// message. Failures are swallowed; history recording never depends on it.
type DailyAppender interface {
	AppendDaily(ctx context.Context, day, text string) error
}

// Recorder is the sqlite-backed session store.
type Recorder struct {
	db    *sql.DB
	daily DailyAppender
	now   func() time.Time
}

// NewRecorder builds a recorder over db. daily may be nil.
func NewRecorder(db *sql.DB, daily DailyAppender) *Recorder {
	return &Recorder{db: db, daily: daily, now: time.Now}
}

// WithNow overrides the clock. Tests only.
func (r *Recorder) WithNow(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// RecordUser appends a user message to the session.
func (r *Recorder) RecordUser(ctx context.Context, key, sender, content string) error {
	return r.record(ctx, key, RoleUser, sender, content)
}

// RecordAssistant appends an assistant reply to the session.
func (r *Recorder) RecordAssistant(ctx context.Context, key, alias, content string) error {
	return r.record(ctx, key, RoleAssistant, alias, content)
}

func (r *Recorder) record(ctx context.Context, key string, role Role, sender, content string) error {
	content = secrets.Redact(strings.TrimSpace(content))
	if content == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_messages (session_key, role, sender, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key, role, sender, content, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record %s message: %w", role, err)
	}
	if r.daily != nil {
		_ = r.daily.AppendDaily(ctx, "", dailyLine(key, role, sender, content))
	}
	return nil
}

// History returns the newest maxMessages entries no older than maxAge,
// oldest first. Zero maxAge disables the age filter.
func (r *Recorder) History(ctx context.Context, key string, maxMessages int, maxAge time.Duration) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	cutoff := int64(0)
	if maxAge > 0 {
		cutoff = r.now().Add(-maxAge).UnixMilli()
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT role, sender, content, created_at FROM (
			SELECT id, role, sender, content, created_at
			FROM session_messages
			WHERE session_key = ? AND created_at >= ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id`,
		key, cutoff, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Clear removes the history for a session key. Used by /stop cleanup paths.
func (r *Recorder) Clear(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_key = ?`, key)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Prune deletes messages older than maxAge across all sessions.
func (r *Recorder) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM session_messages WHERE created_at < ?`,
		r.now().Add(-maxAge).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// dailyLine renders the single sanitized line echoed into daily memory.
func dailyLine(key string, role Role, sender, content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	if runes := []rune(flat); len(runes) > 200 {
		flat = string(runes[:200]) + "…"
	}
	who := string(role)
	if sender != "" {
		who = sender
	}
	return fmt.Sprintf("[%s] %s: %s", key, who, flat)
}
