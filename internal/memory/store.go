// Package memory persists the two agent memory tiers: dated daily notes
// and an undated long-term document. Both live in sqlite; daily notes are
// line-per-row keyed by a KST day, long-term entries are text blocks with
// an optional section label.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marubot/maru/pkg/models"
)

// Filter narrows Search to one tier.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterDaily    Filter = "daily"
	FilterLongterm Filter = "longterm"
)

// Hit is one search result with its origin.
type Hit struct {
	Source string `json:"source"` // "daily:<day>" or "longterm"
	Text   string `json:"text"`
}

// ConsolidateOptions controls folding old daily notes into long-term memory.
type ConsolidateOptions struct {
	OlderThanDays int  // fold days strictly before today-N; min 1
	DeleteDaily   bool // remove folded daily rows afterwards
}

// ConsolidateResult reports what a consolidation pass moved.
type ConsolidateResult struct {
	DaysFolded int
	LinesMoved int
}

// DDL returns the schema for both memory tables.
func DDL() []string {
	return []string{`
		CREATE TABLE IF NOT EXISTS memory_daily (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			day        TEXT NOT NULL,
			line       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memory_daily_day ON memory_daily(day)`,
		`CREATE TABLE IF NOT EXISTS memory_longterm (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			section    TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}
}

// Store is the sqlite-backed memory service.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore builds a store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithNow overrides the clock. Tests only.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

// Today returns the current KST day key.
func (s *Store) Today() string { return models.DayKey(s.now()) }

// AppendDaily adds one note line under day. An empty day means today.
// Multi-line text becomes one row per line.
func (s *Store) AppendDaily(ctx context.Context, day, text string) error {
	if day == "" {
		day = s.Today()
	}
	now := s.now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append daily: %w", err)
	}
	defer tx.Rollback()

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_daily (day, line, created_at) VALUES (?, ?, ?)`,
			day, line, now); err != nil {
			return fmt.Errorf("append daily: %w", err)
		}
	}
	return tx.Commit()
}

// ReadDaily returns the notes for day joined by newlines. Empty day means
// today; an absent day returns "".
func (s *Store) ReadDaily(ctx context.Context, day string) (string, error) {
	if day == "" {
		day = s.Today()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT line FROM memory_daily WHERE day = ? ORDER BY id`, day)
	if err != nil {
		return "", fmt.Errorf("read daily %s: %w", day, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), rows.Err()
}

// WriteDaily replaces the notes for day with content.
func (s *Store) WriteDaily(ctx context.Context, day, content string) error {
	if day == "" {
		day = s.Today()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write daily: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_daily WHERE day = ?`, day); err != nil {
		return fmt.Errorf("write daily: %w", err)
	}
	now := s.now().UnixMilli()
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimRight(line, " \t")
		if line == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_daily (day, line, created_at) VALUES (?, ?, ?)`,
			day, line, now); err != nil {
			return fmt.Errorf("write daily: %w", err)
		}
	}
	return tx.Commit()
}

// RecentDays returns up to n distinct day keys with notes, newest first.
func (s *Store) RecentDays(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		n = 7
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT day FROM memory_daily ORDER BY day DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// AppendLongterm adds a text block to long-term memory.
func (s *Store) AppendLongterm(ctx context.Context, text string) error {
	return s.appendLongtermSection(ctx, "", text)
}

func (s *Store) appendLongtermSection(ctx context.Context, section, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_longterm (section, text, created_at) VALUES (?, ?, ?)`,
		section, text, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append longterm: %w", err)
	}
	return nil
}

// ReadLongterm returns the long-term document: blocks in insertion order,
// sectioned blocks under a "## <section>" heading.
func (s *Store) ReadLongterm(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT section, text FROM memory_longterm ORDER BY id`)
	if err != nil {
		return "", fmt.Errorf("read longterm: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var section, text string
		if err := rows.Scan(&section, &text); err != nil {
			return "", err
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if section != "" {
			b.WriteString("## " + section + "\n")
		}
		b.WriteString(text)
	}
	return b.String(), rows.Err()
}

// WriteLongterm replaces the whole long-term document with content.
func (s *Store) WriteLongterm(ctx context.Context, content string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write longterm: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_longterm`); err != nil {
		return fmt.Errorf("write longterm: %w", err)
	}
	content = strings.TrimSpace(content)
	if content != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_longterm (section, text, created_at) VALUES ('', ?, ?)`,
			content, s.now().UnixMilli()); err != nil {
			return fmt.Errorf("write longterm: %w", err)
		}
	}
	return tx.Commit()
}

// Search finds notes containing query (case-insensitive substring) in the
// tiers selected by filter.
func (s *Store) Search(ctx context.Context, query string, filter Filter) ([]Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	like := "%" + escapeLike(query) + "%"
	var hits []Hit

	if filter == FilterAll || filter == FilterDaily {
		rows, err := s.db.QueryContext(ctx,
			`SELECT day, line FROM memory_daily WHERE line LIKE ? ESCAPE '\' COLLATE NOCASE ORDER BY day DESC, id`,
			like)
		if err != nil {
			return nil, fmt.Errorf("search daily: %w", err)
		}
		for rows.Next() {
			var day, line string
			if err := rows.Scan(&day, &line); err != nil {
				rows.Close()
				return nil, err
			}
			hits = append(hits, Hit{Source: "daily:" + day, Text: line})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if filter == FilterAll || filter == FilterLongterm {
		rows, err := s.db.QueryContext(ctx,
			`SELECT text FROM memory_longterm WHERE text LIKE ? ESCAPE '\' COLLATE NOCASE ORDER BY id`,
			like)
		if err != nil {
			return nil, fmt.Errorf("search longterm: %w", err)
		}
		for rows.Next() {
			var text string
			if err := rows.Scan(&text); err != nil {
				rows.Close()
				return nil, err
			}
			hits = append(hits, Hit{Source: "longterm", Text: text})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return hits, nil
}

// Consolidate folds daily notes older than the cutoff into long-term memory
// as one section per day, optionally deleting the folded rows.
func (s *Store) Consolidate(ctx context.Context, opts ConsolidateOptions) (ConsolidateResult, error) {
	if opts.OlderThanDays < 1 {
		opts.OlderThanDays = 1
	}
	cutoff := models.DayKey(s.now().AddDate(0, 0, -opts.OlderThanDays))

	days, err := s.daysBefore(ctx, cutoff)
	if err != nil {
		return ConsolidateResult{}, err
	}

	var result ConsolidateResult
	for _, day := range days {
		content, err := s.ReadDaily(ctx, day)
		if err != nil {
			return result, err
		}
		if content == "" {
			continue
		}
		if err := s.appendLongtermSection(ctx, day, content); err != nil {
			return result, err
		}
		result.DaysFolded++
		result.LinesMoved += strings.Count(content, "\n") + 1
		if opts.DeleteDaily {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM memory_daily WHERE day = ?`, day); err != nil {
				return result, fmt.Errorf("consolidate delete %s: %w", day, err)
			}
		}
	}
	return result, nil
}

func (s *Store) daysBefore(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT day FROM memory_daily WHERE day < ? ORDER BY day`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("consolidate scan: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
