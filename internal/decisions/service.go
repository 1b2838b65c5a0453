// Package decisions stores standing team decisions the agent must honor.
// A decision stays effective until a later one supersedes it; listing is
// priority-ordered so callers can prepend the strongest rules to prompts.
package decisions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Decision is one effective rule.
type Decision struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Priority  int    `json:"priority"`
	CreatedAt int64  `json:"created_at"`
}

// DDL returns the schema for the decisions table.
func DDL() []string {
	return []string{`
		CREATE TABLE IF NOT EXISTS decisions (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			content    TEXT NOT NULL,
			priority   INTEGER NOT NULL DEFAULT 0,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
	}
}

// Service is the sqlite-backed decision store.
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

// Set records a new effective decision. A decision with identical content
// (case-insensitive) is superseded rather than duplicated.
func (s *Service) Set(ctx context.Context, content string, priority int) (*Decision, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty decision")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("set decision: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE decisions SET active = 0 WHERE active = 1 AND lower(content) = lower(?)`,
		content); err != nil {
		return nil, fmt.Errorf("supersede decision: %w", err)
	}

	d := &Decision{Content: content, Priority: priority, CreatedAt: s.now().UnixMilli()}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO decisions (content, priority, active, created_at) VALUES (?, ?, 1, ?)`,
		d.Content, d.Priority, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("set decision: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return d, tx.Commit()
}

// List returns effective decisions, highest priority first, newest first
// within a priority.
func (s *Service) List(ctx context.Context) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, priority, created_at
		FROM decisions WHERE active = 1
		ORDER BY priority DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		if err := rows.Scan(&d.ID, &d.Content, &d.Priority, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Revoke deactivates a decision by id. Revoking an inactive or unknown id
// is not an error.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE decisions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke decision %d: %w", id, err)
	}
	return nil
}

// Status summarizes the effective decisions for a chat reply.
func (s *Service) Status(ctx context.Context) (string, error) {
	list, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "등록된 결정이 없습니다.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "유효한 결정 %d건:", len(list))
	for _, d := range list {
		fmt.Fprintf(&b, "\n%d. [P%d] %s", d.ID, d.Priority, d.Content)
	}
	return b.String(), nil
}
