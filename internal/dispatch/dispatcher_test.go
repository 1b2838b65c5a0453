package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

// fakeTransport counts sends and fails per script.
type fakeTransport struct {
	mu       sync.Mutex
	provider models.Provider
	sends    int
	errs     []error // consumed per send; nil past the end
}

func (f *fakeTransport) Provider() models.Provider      { return f.provider }
func (f *fakeTransport) Start(context.Context) error    { return nil }
func (f *fakeTransport) Stop(context.Context) error     { return nil }
func (f *fakeTransport) PollChats() []string            { return nil }
func (f *fakeTransport) BotID() string                  { return "" }
func (f *fakeTransport) ParseAgentMentions(string) []models.Mention {
	return nil
}
func (f *fakeTransport) Read(context.Context, string, int) ([]*models.InboundMessage, error) {
	return nil, nil
}
func (f *fakeTransport) EditMessage(context.Context, string, string, string) error { return nil }
func (f *fakeTransport) AddReaction(context.Context, string, string, string) error { return nil }
func (f *fakeTransport) RemoveReaction(context.Context, string, string, string) error {
	return nil
}
func (f *fakeTransport) SetTyping(context.Context, string, bool, string) error { return nil }
func (f *fakeTransport) SyncCommands(context.Context, []channels.CommandDescriptor) error {
	return nil
}

func (f *fakeTransport) Send(context.Context, *models.OutboundMessage) (*channels.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.sends < len(f.errs) {
		err = f.errs[f.sends]
	}
	f.sends++
	if err != nil {
		return nil, err
	}
	return &channels.SendResult{MessageID: "m1"}, nil
}

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func newTestDispatcher(t *testing.T, transport *fakeTransport, cfg Config) (*Dispatcher, *bus.Bus, *DLQ) {
	t.Helper()
	b := bus.New()
	reg := channels.NewRegistry()
	reg.Register(transport)
	dlq := NewDLQ(filepath.Join(t.TempDir(), "outbound.jsonl"))
	d := New(b, reg, dlq, cfg, observability.NewTestLogger(), nil)
	d.sleep = func(context.Context, time.Duration) bool { return true }
	return d, b, dlq
}

func outMsg(kind models.Kind, trigger string) *models.OutboundMessage {
	return &models.OutboundMessage{
		ID:       "out-1",
		Provider: models.ProviderSlack,
		ChatID:   "C1",
		SenderID: "bot",
		Content:  "hello",
		Metadata: models.Metadata{Kind: kind, TriggerMessageID: trigger},
	}
}

func TestDispatchSendsOnce(t *testing.T) {
	tr := &fakeTransport{provider: models.ProviderSlack}
	d, _, _ := newTestDispatcher(t, tr, Config{})

	if !d.Dispatch(context.Background(), outMsg(models.KindAgentReply, "t1")) {
		t.Fatal("dispatch should succeed")
	}
	if tr.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1", tr.sendCount())
	}
}

func TestDispatchDedupesWithinWindow(t *testing.T) {
	tr := &fakeTransport{provider: models.ProviderSlack}
	d, _, _ := newTestDispatcher(t, tr, Config{})

	first := outMsg(models.KindAgentReply, "t1")
	second := outMsg(models.KindAgentReply, "t1")
	if !d.Dispatch(context.Background(), first) {
		t.Fatal("first dispatch should send")
	}
	if !d.Dispatch(context.Background(), second) {
		t.Fatal("duplicate dispatch should still report ok")
	}
	if tr.sendCount() != 1 {
		t.Fatalf("sends = %d, want exactly one transport send", tr.sendCount())
	}
}

func TestNonRetryableGoesStraightToDLQ(t *testing.T) {
	tr := &fakeTransport{
		provider: models.ProviderSlack,
		errs:     []error{channels.NewSendError(channels.CodeChannelNotFound, errors.New("gone"))},
	}
	d, _, dlq := newTestDispatcher(t, tr, Config{InlineMax: 3, RetryQueueMax: 3})

	d.Dispatch(context.Background(), outMsg(models.KindAgentReply, "t1"))

	if tr.sendCount() != 1 {
		t.Fatalf("sends = %d, want 1 (no retries on non-retryable)", tr.sendCount())
	}
	records, err := dlq.List()
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("dlq records = %d, want 1", len(records))
	}
	if records[0].ChatID != "C1" || records[0].Error == "" {
		t.Fatalf("unexpected dlq record: %+v", records[0])
	}
}

func TestInlineRetriesThenRequeue(t *testing.T) {
	tr := &fakeTransport{
		provider: models.ProviderSlack,
		errs:     []error{errors.New("rate_limited"), errors.New("rate_limited")},
	}
	d, b, _ := newTestDispatcher(t, tr, Config{InlineMax: 1, RetryQueueMax: 2})

	ok := d.Dispatch(context.Background(), outMsg(models.KindAgentReply, "t1"))
	if ok {
		t.Fatal("dispatch should report failure pending requeue")
	}
	if tr.sendCount() != 2 {
		t.Fatalf("sends = %d, want inline_max+1 = 2", tr.sendCount())
	}

	d.wg.Wait()
	requeued, got := b.ConsumeOutbound(context.Background(), time.Second)
	if !got {
		t.Fatal("expected a requeued clone on the bus")
	}
	if requeued.Metadata.DispatchRetry != 1 {
		t.Fatalf("dispatch_retry = %d, want 1", requeued.Metadata.DispatchRetry)
	}
}

func TestTotalAttemptsBounded(t *testing.T) {
	// Always failing retryable error: inline retries run on the first
	// dispatch only, requeued clones get one attempt each, so attempts
	// must not exceed inline_max + 1 + retry_queue_max.
	fails := make([]error, 64)
	for i := range fails {
		fails[i] = errors.New("rate_limited")
	}
	tr := &fakeTransport{provider: models.ProviderSlack, errs: fails}
	cfg := Config{InlineMax: 1, RetryQueueMax: 2}
	d, b, dlq := newTestDispatcher(t, tr, cfg)

	msg := outMsg(models.KindAgentReply, "t1")
	d.Dispatch(context.Background(), msg)
	for {
		d.wg.Wait()
		next, got := b.ConsumeOutbound(context.Background(), 100*time.Millisecond)
		if !got {
			break
		}
		d.Dispatch(context.Background(), next)
	}

	want := cfg.InlineMax + 1 + cfg.RetryQueueMax
	if tr.sendCount() != want {
		t.Fatalf("total attempts = %d, want inline_max+1+retry_queue_max = %d", tr.sendCount(), want)
	}
	records, _ := dlq.List()
	if len(records) != 1 {
		t.Fatalf("dlq records = %d, want 1 after exhausted requeues", len(records))
	}
}

func TestEmptyContentDropped(t *testing.T) {
	tr := &fakeTransport{provider: models.ProviderSlack}
	d, _, _ := newTestDispatcher(t, tr, Config{})

	msg := outMsg(models.KindAgentReply, "t1")
	msg.Content = ""
	if !d.Dispatch(context.Background(), msg) {
		t.Fatal("empty message should be dropped as ok")
	}
	if tr.sendCount() != 0 {
		t.Fatalf("sends = %d, want 0", tr.sendCount())
	}
}

func TestDLQClear(t *testing.T) {
	dlq := NewDLQ(filepath.Join(t.TempDir(), "outbound.jsonl"))
	msg := outMsg(models.KindAgentReply, "t1")
	if err := dlq.Append(msg, 2, "rate_limited"); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err := dlq.Clear()
	if err != nil || n != 1 {
		t.Fatalf("clear = (%d, %v), want (1, nil)", n, err)
	}
	records, _ := dlq.List()
	if len(records) != 0 {
		t.Fatalf("records after clear = %d, want 0", len(records))
	}
}
