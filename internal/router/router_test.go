package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marubot/maru/internal/approval"
	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/orchestrator"
	"github.com/marubot/maru/pkg/models"
)

type fakeTransport struct {
	mu        sync.Mutex
	provider  models.Provider
	chats     []string
	messages  map[string][]*models.InboundMessage
	reactions []string
	botID     string
}

func (f *fakeTransport) Provider() models.Provider     { return f.provider }
func (f *fakeTransport) Start(context.Context) error   { return nil }
func (f *fakeTransport) Stop(context.Context) error    { return nil }
func (f *fakeTransport) PollChats() []string           { return f.chats }
func (f *fakeTransport) BotID() string                 { return f.botID }
func (f *fakeTransport) Send(ctx context.Context, msg *models.OutboundMessage) (*channels.SendResult, error) {
	return &channels.SendResult{MessageID: "sent-1"}, nil
}

func (f *fakeTransport) Read(ctx context.Context, chatID string, limit int) ([]*models.InboundMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[chatID], nil
}

func (f *fakeTransport) EditMessage(context.Context, string, string, string) error { return nil }

func (f *fakeTransport) AddReaction(ctx context.Context, chatID, messageID, reaction string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, messageID+":"+reaction)
	return nil
}

func (f *fakeTransport) RemoveReaction(context.Context, string, string, string) error { return nil }
func (f *fakeTransport) SetTyping(context.Context, string, bool, string) error        { return nil }
func (f *fakeTransport) SyncCommands(context.Context, []channels.CommandDescriptor) error {
	return nil
}

func (f *fakeTransport) ParseAgentMentions(content string) []models.Mention { return nil }

func (f *fakeTransport) push(chatID string, msgs ...*models.InboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages == nil {
		f.messages = map[string][]*models.InboundMessage{}
	}
	f.messages[chatID] = append(f.messages[chatID], msgs...)
}

type fakeOrchestrator struct {
	mu      sync.Mutex
	calls   []string
	result  *orchestrator.Result
	handled chan struct{}
}

func (f *fakeOrchestrator) Handle(ctx context.Context, in *models.InboundMessage, alias string) *orchestrator.Result {
	f.mu.Lock()
	f.calls = append(f.calls, alias+"|"+in.Content)
	f.mu.Unlock()
	if f.handled != nil {
		f.handled <- struct{}{}
	}
	if f.result != nil {
		return f.result
	}
	return &orchestrator.Result{Reply: "ok"}
}

func (f *fakeOrchestrator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig() config.RouterConfig {
	return config.RouterConfig{
		PollIntervalMs:     20,
		ReadLimit:          20,
		InboundConcurrency: 2,
		AutoReply:          true,
		SeenTTLMs:          60_000,
		SeenMaxEntries:     1000,
		MentionCooldownMs:  5_000,
	}
}

func newTestRouter(t *testing.T, transport *fakeTransport, orch *fakeOrchestrator) (*Router, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	reg := channels.NewRegistry()
	reg.Register(transport)

	r := New(Deps{
		Config:       testConfig(),
		DefaultAlias: "maru",
		Bus:          b,
		Transports:   reg,
		Approvals:    approval.NewService(b, observability.NewTestLogger(), nil),
		Orchestrator: orch,
		Logger:       observability.NewTestLogger(),
	})
	return r, b
}

func msg(id, sender, content string) *models.InboundMessage {
	return &models.InboundMessage{
		ID:       id,
		Provider: models.ProviderDiscord,
		ChatID:   "chat-1",
		SenderID: sender,
		Content:  content,
		At:       time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestFirstPassPrimesWithoutDispatch(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	transport.push("chat-1", msg("m1", "user-1", "backlog message"))
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	// Give several poll cycles; the backlog message was marked seen on
	// the priming pass and must never dispatch.
	time.Sleep(150 * time.Millisecond)
	if n := orch.callCount(); n != 0 {
		t.Fatalf("backlog dispatched %d times", n)
	}
}

func TestNewMessageDispatchedOnce(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	time.Sleep(50 * time.Millisecond) // prime
	transport.push("chat-1", msg("m2", "user-1", "새 메시지"))

	waitFor(t, func() bool { return orch.callCount() == 1 })
	// Remains in Read results on later polls; the seen-set must swallow it.
	time.Sleep(100 * time.Millisecond)
	if n := orch.callCount(); n != 1 {
		t.Fatalf("message dispatched %d times, want 1", n)
	}
}

func TestAutoReplyUsesDefaultAlias(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{}
	r, b := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	transport.push("chat-1", msg("m3", "user-1", "도와줘"))

	waitFor(t, func() bool { return orch.callCount() == 1 })
	orch.mu.Lock()
	call := orch.calls[0]
	orch.mu.Unlock()
	if call != "maru|도와줘" {
		t.Fatalf("call = %q", call)
	}

	out, ok := b.ConsumeOutbound(context.Background(), time.Second)
	if !ok {
		t.Fatal("no outbound reply")
	}
	if out.Metadata.Kind != models.KindAgentReply || out.Content != "ok" {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if out.Metadata.TriggerMessageID != "m3" {
		t.Fatalf("trigger id = %q", out.Metadata.TriggerMessageID)
	}
}

func TestIgnoreFilter(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, botID: "bot-9"}
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	cases := []struct {
		name string
		in   *models.InboundMessage
	}{
		{"empty sender", msg("i1", "", "x")},
		{"unknown sender", msg("i2", "unknown", "x")},
		{"subagent", msg("i3", "subagent:abc", "x")},
		{"approval bot", msg("i4", "approval-bot", "x")},
		{"recovery", msg("i5", "recovery", "x")},
		{"platform bot id", msg("i6", "bot-9", "x")},
	}
	for _, tc := range cases {
		if !r.shouldIgnore(tc.in) {
			t.Errorf("%s: not ignored", tc.name)
		}
	}

	fromBot := msg("i7", "user-1", "x")
	fromBot.Metadata.FromBot = true
	if !r.shouldIgnore(fromBot) {
		t.Error("from-bot metadata not ignored")
	}

	recovery := msg("i8", "user-1", "x")
	recovery.Metadata.Kind = models.KindTaskRecovery
	if !r.shouldIgnore(recovery) {
		t.Error("task recovery not ignored")
	}

	slackEdit := msg("i9", "user-1", "x")
	slackEdit.Provider = models.ProviderSlack
	slackEdit.Metadata.Subtype = "message_changed"
	if !r.shouldIgnore(slackEdit) {
		t.Error("slack edit subtype not ignored")
	}

	if r.shouldIgnore(msg("i10", "user-1", "hello")) {
		t.Error("plain user message ignored")
	}
}

func TestMentionCooldown(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	first := msg("c1", "user-1", "첫 질문")
	second := msg("c2", "user-1", "둘째 질문")
	transport.push("chat-1", first, second)

	waitFor(t, func() bool { return orch.callCount() >= 1 })
	time.Sleep(100 * time.Millisecond)
	// Same (provider, chat, alias) within the cooldown window: only one
	// dispatch lands.
	if n := orch.callCount(); n != 1 {
		t.Fatalf("dispatches = %d, want 1", n)
	}
}

func TestMentionExtractionCollapsesGenericAliases(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, botID: "bot-9"}
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	in := msg("m1", "user-1", "@claude @worker @researcher 부탁해")
	in.Metadata.Mentions = []models.Mention{
		{Alias: "claude"},
		{Alias: "worker"},
		{Alias: "bot-9"},
		{Alias: "researcher"},
	}
	got := r.extractMentions(in)
	want := []string{"maru", "researcher"}
	if len(got) != len(want) {
		t.Fatalf("mentions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mentions = %v, want %v", got, want)
		}
	}
}

func TestReadAckReaction(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{}
	r, _ := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	transport.push("chat-1", msg("m5", "user-1", "reaction check"))

	waitFor(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.reactions) == 1
	})
	transport.mu.Lock()
	got := transport.reactions[0]
	transport.mu.Unlock()
	if got != "m5:"+readAckReaction {
		t.Fatalf("reaction = %q", got)
	}
}

func TestSuppressedReplyNotPublished(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{result: &orchestrator.Result{Reply: "hidden", SuppressReply: true}}
	r, b := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	defer r.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)
	transport.push("chat-1", msg("m6", "user-1", "stream me"))

	waitFor(t, func() bool { return orch.callCount() == 1 })
	if out, ok := b.ConsumeOutbound(context.Background(), 100*time.Millisecond); ok {
		t.Fatalf("suppressed reply published: %+v", out)
	}
}

func TestStopWaitsForHandlers(t *testing.T) {
	transport := &fakeTransport{provider: models.ProviderDiscord, chats: []string{"chat-1"}}
	orch := &fakeOrchestrator{handled: make(chan struct{}, 1)}
	r, _ := newTestRouter(t, transport, orch)

	r.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	transport.push("chat-1", msg("m7", "user-1", "마지막 요청"))

	<-orch.handled
	r.Stop(context.Background())
	if n := orch.callCount(); n != 1 {
		t.Fatalf("in-flight handler lost: calls = %d", n)
	}
}
