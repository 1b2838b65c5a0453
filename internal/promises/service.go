// Package promises tracks commitments the agent made to users, with an
// optional due time, so they can be listed and marked done from chat.
package promises

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marubot/maru/pkg/models"
)

// Status of a promise.
type Status string

const (
	StatusOpen Status = "open"
	StatusDone Status = "done"
)

// Promise is one tracked commitment.
type Promise struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	DueAtMs   int64  `json:"due_at_ms,omitempty"` // 0 = no due time
	Status    Status `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// Overdue reports whether the promise is open and past due at now.
func (p *Promise) Overdue(now time.Time) bool {
	return p.Status == StatusOpen && p.DueAtMs > 0 && now.UnixMilli() > p.DueAtMs
}

// DDL returns the schema for the promises table.
func DDL() []string {
	return []string{`
		CREATE TABLE IF NOT EXISTS promises (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			due_at_ms  INTEGER NOT NULL DEFAULT 0,
			status     TEXT NOT NULL DEFAULT 'open',
			created_at INTEGER NOT NULL
		)`,
	}
}

// Service is the sqlite-backed promise store.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService builds a service over db.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// WithNow overrides the clock. Tests only.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create records a new open promise. due may be zero for no deadline.
func (s *Service) Create(ctx context.Context, content string, due time.Time) (*Promise, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty promise")
	}
	p := &Promise{
		Content:   content,
		Status:    StatusOpen,
		CreatedAt: s.now().UnixMilli(),
	}
	if !due.IsZero() {
		p.DueAtMs = due.UnixMilli()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO promises (content, due_at_ms, status, created_at) VALUES (?, ?, ?, ?)`,
		p.Content, p.DueAtMs, p.Status, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create promise: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return p, nil
}

// List returns open promises, earliest due first, undated last.
func (s *Service) List(ctx context.Context) ([]Promise, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, due_at_ms, status, created_at
		FROM promises WHERE status = 'open'
		ORDER BY CASE WHEN due_at_ms = 0 THEN 1 ELSE 0 END, due_at_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("list promises: %w", err)
	}
	defer rows.Close()

	var out []Promise
	for rows.Next() {
		var p Promise
		if err := rows.Scan(&p.ID, &p.Content, &p.DueAtMs, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Complete marks a promise done. Completing an unknown id returns an error.
func (s *Service) Complete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE promises SET status = 'done' WHERE id = ? AND status = 'open'`, id)
	if err != nil {
		return fmt.Errorf("complete promise %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("promise %d not open", id)
	}
	return nil
}

// Summary renders open promises for a chat reply.
func (s *Service) Summary(ctx context.Context) (string, error) {
	list, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "열린 약속이 없습니다.", nil
	}
	now := s.now()
	var b strings.Builder
	fmt.Fprintf(&b, "열린 약속 %d건:", len(list))
	for _, p := range list {
		fmt.Fprintf(&b, "\n%d. %s", p.ID, p.Content)
		if p.DueAtMs > 0 {
			fmt.Fprintf(&b, " (기한 %s", models.SeoulTimestamp(time.UnixMilli(p.DueAtMs)))
			if p.Overdue(now) {
				b.WriteString(", 지연")
			}
			b.WriteString(")")
		}
	}
	return b.String(), nil
}
