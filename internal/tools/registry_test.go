package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marubot/maru/internal/approval"
	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

type fakeTool struct {
	name    string
	gated   bool
	calls   int
	lastCtx ExecContext
	channel models.Provider
	chatID  string
}

func (f *fakeTool) Name() string           { return f.name }
func (f *fakeTool) Description() string    { return "fake" }
func (f *fakeTool) Schema() map[string]any { return objectSchema(nil) }

func (f *fakeTool) NeedsApproval(map[string]any) bool { return f.gated }

func (f *fakeTool) SetRuntimeContext(channel models.Provider, chatID, _ string) {
	f.channel = channel
	f.chatID = chatID
}

func (f *fakeTool) Execute(_ context.Context, _ map[string]any, execCtx ExecContext) (string, error) {
	f.calls++
	f.lastCtx = execCtx
	return "ran " + f.name, nil
}

func chatCtx() ExecContext {
	return ExecContext{Channel: models.ProviderSlack, ChatID: "C1", SenderID: "U1", Origin: OriginChat}
}

func TestRegistryExecuteRunsTool(t *testing.T) {
	r := NewRegistry(nil, observability.NewTestLogger(), nil, nil)
	tool := &fakeTool{name: "echo"}
	r.Register(tool)

	out, err := r.Execute(context.Background(), "echo", nil, chatCtx())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ran echo" {
		t.Errorf("out = %q", out)
	}
	if tool.channel != models.ProviderSlack || tool.chatID != "C1" {
		t.Errorf("runtime context not injected: %s/%s", tool.channel, tool.chatID)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry(nil, observability.NewTestLogger(), nil, nil)
	if _, err := r.Execute(context.Background(), "nope", nil, chatCtx()); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistryCronBlocked(t *testing.T) {
	r := NewRegistry(nil, observability.NewTestLogger(), nil, []string{"spawn"})
	r.Register(&fakeTool{name: "spawn"})

	execCtx := chatCtx()
	execCtx.Origin = OriginCron
	if _, err := r.Execute(context.Background(), "spawn", nil, execCtx); err == nil {
		t.Fatal("expected cron-blocked error")
	}
	if _, err := r.Execute(context.Background(), "spawn", nil, chatCtx()); err != nil {
		t.Fatalf("chat origin should pass: %v", err)
	}
}

func TestRegistryGatedCallParksAndApproveReplays(t *testing.T) {
	b := bus.New()
	approvals := approval.NewService(b, observability.NewTestLogger(), nil)
	r := NewRegistry(approvals, observability.NewTestLogger(), nil, nil)
	tool := &fakeTool{name: "danger", gated: true}
	r.Register(tool)

	out, err := r.Execute(context.Background(), "danger", map[string]any{"x": 1}, chatCtx())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, ApprovalPlaceholder) {
		t.Fatalf("out = %q, want approval placeholder", out)
	}
	if tool.calls != 0 {
		t.Fatalf("tool ran %d times before approval", tool.calls)
	}

	pending := approvals.Pending(models.ProviderSlack, "C1")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	approvals.Decide(context.Background(), pending[0].RequestID, approval.DecisionApprove)
	if tool.calls != 1 {
		t.Fatalf("tool ran %d times after approval, want 1", tool.calls)
	}
	if tool.channel != models.ProviderSlack || tool.chatID != "C1" {
		t.Errorf("replay lost runtime context")
	}
}

func TestRegistryDefinitionsPreserveOrder(t *testing.T) {
	r := NewRegistry(nil, observability.NewTestLogger(), nil, nil)
	r.Register(&fakeTool{name: "b"})
	r.Register(&fakeTool{name: "a"})

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "b" || defs[1].Name != "a" {
		t.Errorf("definitions out of order: %+v", defs)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(nil, observability.NewTestLogger(), nil, nil)
	r.Register(&fakeTool{name: "tmp"})
	r.Unregister("tmp")
	if r.Has("tmp") {
		t.Error("tool still registered after Unregister")
	}
	if len(r.Names()) != 0 {
		t.Errorf("names = %v, want empty", r.Names())
	}
}

func TestExecToolNeedsApproval(t *testing.T) {
	tool := NewExecTool(t.TempDir(), time.Minute, 8000, []string{"ls", "cat"})
	cases := []struct {
		command string
		gated   bool
	}{
		{"ls -la", false},
		{"cat notes.txt", false},
		{"rm -rf /", true},
		{"ls; rm -rf /", true},
		{"cat a | grep b", true},
		{"curl http://example.com", true},
	}
	for _, tc := range cases {
		if got := tool.NeedsApproval(map[string]any{"command": tc.command}); got != tc.gated {
			t.Errorf("NeedsApproval(%q) = %v, want %v", tc.command, got, tc.gated)
		}
	}
}

func TestExecToolRuns(t *testing.T) {
	tool := NewExecTool(t.TempDir(), time.Minute, 8000, nil)
	out, err := tool.Execute(context.Background(), map[string]any{"command": "echo hello"}, ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("out = %q, want hello", out)
	}
}

func TestExecToolOutputTruncated(t *testing.T) {
	tool := NewExecTool(t.TempDir(), time.Minute, 20, nil)
	out, err := tool.Execute(context.Background(), map[string]any{"command": "printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'"}, ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "truncated") {
		t.Errorf("out = %q, want truncation marker", out)
	}
}
