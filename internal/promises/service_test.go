package promises

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marubot/maru/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := storage.OpenInMemory(DDL()...)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db)
}

func TestCreateAndList(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	later := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	sooner := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	if _, err := s.Create(ctx, "no deadline", time.Time{}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create(ctx, "due later", later); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create(ctx, "due sooner", sooner); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List() = %d promises, want 3", len(list))
	}
	want := []string{"due sooner", "due later", "no deadline"}
	for i, w := range want {
		if list[i].Content != w {
			t.Errorf("List()[%d] = %q, want %q", i, list[i].Content, w)
		}
	}
}

func TestComplete(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	p, err := s.Create(ctx, "ship the report", time.Time{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Complete(ctx, p.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := s.Complete(ctx, p.ID); err == nil {
		t.Error("Complete() twice error = nil, want not-open error")
	}

	list, _ := s.List(ctx)
	if len(list) != 0 {
		t.Errorf("List() = %d after complete, want 0", len(list))
	}
}

func TestOverdue(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p := &Promise{Status: StatusOpen, DueAtMs: now.Add(-time.Hour).UnixMilli()}
	if !p.Overdue(now) {
		t.Error("Overdue() = false for past-due open promise")
	}
	p.Status = StatusDone
	if p.Overdue(now) {
		t.Error("Overdue() = true for done promise")
	}
	undated := &Promise{Status: StatusOpen}
	if undated.Overdue(now) {
		t.Error("Overdue() = true for undated promise")
	}
}

func TestSummary(t *testing.T) {
	s := newTestService(t)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return fixed })
	ctx := context.Background()

	got, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got != "열린 약속이 없습니다." {
		t.Errorf("Summary() empty = %q", got)
	}

	if _, err := s.Create(ctx, "send minutes", fixed.Add(-time.Hour)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err = s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if !strings.Contains(got, "send minutes") || !strings.Contains(got, "지연") {
		t.Errorf("Summary() = %q, want overdue marker", got)
	}
}
