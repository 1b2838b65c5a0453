package agent

import (
	"context"
	"testing"

	"github.com/marubot/maru/pkg/models"
)

func TestRunRegistryReplacementCancelsPredecessor(t *testing.T) {
	r := NewRunRegistry()
	key := models.RunKey(models.ProviderSlack, "C1", "claude")

	first, release1 := r.Begin(context.Background(), key)
	second, release2 := r.Begin(context.Background(), key)
	defer release2()

	select {
	case <-first.Done():
	default:
		t.Fatal("predecessor context should be cancelled")
	}
	if second.Err() != nil {
		t.Fatal("successor should be live")
	}
	_ = release1
}

func TestRunRegistryCancelPrefix(t *testing.T) {
	r := NewRunRegistry()
	a, _ := r.Begin(context.Background(), models.RunKey(models.ProviderSlack, "C1", "claude"))
	b, _ := r.Begin(context.Background(), models.RunKey(models.ProviderSlack, "C1", "worker"))
	c, _ := r.Begin(context.Background(), models.RunKey(models.ProviderSlack, "C2", "claude"))

	n := r.CancelPrefix(models.RunKeyChatPrefix(models.ProviderSlack, "C1"))
	if n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	if a.Err() == nil || b.Err() == nil {
		t.Error("C1 runs should be cancelled")
	}
	if c.Err() != nil {
		t.Error("C2 run should survive")
	}
}

func TestRunRegistryReleaseDropsOwnEntryOnly(t *testing.T) {
	r := NewRunRegistry()
	key := models.RunKey(models.ProviderTelegram, "77", "claude")

	_, release1 := r.Begin(context.Background(), key)
	successor, _ := r.Begin(context.Background(), key)

	// The predecessor finishing must not evict the successor.
	release1()
	if r.Active() != 1 {
		t.Fatalf("active = %d, want successor still registered", r.Active())
	}
	if successor.Err() != nil {
		t.Error("successor cancelled by predecessor release")
	}
}

func TestRunRegistryCancelAll(t *testing.T) {
	r := NewRunRegistry()
	r.Begin(context.Background(), "slack:c1:claude")
	r.Begin(context.Background(), "telegram:77:claude")
	if n := r.CancelAll(); n != 2 {
		t.Fatalf("cancelled %d, want 2", n)
	}
	if r.Active() != 0 {
		t.Errorf("active = %d after CancelAll", r.Active())
	}
}
