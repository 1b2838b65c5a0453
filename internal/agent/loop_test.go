package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/providers"
	"github.com/marubot/maru/pkg/models"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	errs      []error
	calls     int
	streamed  []string
}

func (p *scriptedProvider) Name() string           { return "scripted" }
func (p *scriptedProvider) SupportsToolLoop() bool { return true }

func (p *scriptedProvider) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	resp := p.responses[idx]
	if req.OnStream != nil && resp.Content != "" {
		req.OnStream(resp.Content)
		p.streamed = append(p.streamed, resp.Content)
	}
	return resp, nil
}

func newTestLoop(p providers.Provider, tools ToolHandler, cfg Config) *Loop {
	return NewLoop(p, tools, nil, cfg, observability.NewTestLogger(), nil)
}

func TestLoopCompletesOnPlainResponse(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "안녕하세요", FinishReason: "stop"}}}
	loop := newTestLoop(p, nil, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{AgentID: "claude", Objective: "hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State.Status != models.LoopCompleted {
		t.Errorf("status = %s", res.State.Status)
	}
	if res.FinalContent != "안녕하세요" {
		t.Errorf("final = %q", res.FinalContent)
	}
	if res.State.CurrentTurn != 1 {
		t.Errorf("turns = %d", res.State.CurrentTurn)
	}
}

func TestLoopExecutesToolsThenCompletes(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: map[string]any{"path": "a"}}}, FinishReason: "tool_calls"},
		{Content: "file says hello", FinishReason: "stop"},
	}}
	var handled []string
	handler := func(ctx context.Context, calls []models.ToolCall) (string, error) {
		for _, c := range calls {
			handled = append(handled, c.Name)
		}
		return "transcript", nil
	}
	loop := newTestLoop(p, handler, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{Objective: "read a"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State.Status != models.LoopCompleted || res.FinalContent != "file says hello" {
		t.Errorf("state = %+v, final = %q", res.State, res.FinalContent)
	}
	if len(handled) != 1 || handled[0] != "read_file" {
		t.Errorf("handled = %v", handled)
	}
}

func TestLoopRepeatGuard(t *testing.T) {
	call := models.ToolCall{ID: "c", Name: "exec", Arguments: map[string]any{"command": "ls"}}
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: call.Name, Arguments: call.Arguments}}},
		{ToolCalls: []models.ToolCall{{ID: "c2", Name: call.Name, Arguments: call.Arguments}}},
	}}
	handler := func(ctx context.Context, calls []models.ToolCall) (string, error) { return "ok", nil }
	loop := newTestLoop(p, handler, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{Objective: "loop"})
	if err == nil {
		t.Fatal("expected repeated_tool_calls error")
	}
	if res.State.Status != models.LoopFailed || res.State.TerminationReason != "repeated_tool_calls" {
		t.Errorf("state = %+v", res.State)
	}
	if !strings.Contains(res.FinalContent, "exec") {
		t.Errorf("final = %q, want offending tool named", res.FinalContent)
	}
}

func TestLoopMissingHandler(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "exec", Arguments: map[string]any{}}}},
	}}
	loop := newTestLoop(p, nil, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{Objective: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.State.TerminationReason != "tool_calls_requested_but_handler_missing" {
		t.Errorf("reason = %q", res.State.TerminationReason)
	}
}

func TestLoopImplicitToolCalls(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "<<ORCH_TOOL_CALLS>>[{\"name\":\"memory\",\"arguments\":{\"action\":\"read_daily\"}}]<<ORCH_TOOL_CALLS_END>>"},
		{Content: "done", FinishReason: "stop"},
	}}
	var handled int
	handler := func(ctx context.Context, calls []models.ToolCall) (string, error) {
		handled += len(calls)
		return "memory contents", nil
	}
	loop := newTestLoop(p, handler, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{Objective: "remember"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled != 1 {
		t.Errorf("handled = %d implicit calls", handled)
	}
	if res.State.Status != models.LoopCompleted {
		t.Errorf("status = %s", res.State.Status)
	}
}

func TestLoopMaxTurnsReached(t *testing.T) {
	// Every turn requests a different tool call, so the guard never fires.
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "1", Name: "a", Arguments: map[string]any{"n": 1.0}}}},
		{ToolCalls: []models.ToolCall{{ID: "2", Name: "a", Arguments: map[string]any{"n": 2.0}}}},
		{ToolCalls: []models.ToolCall{{ID: "3", Name: "a", Arguments: map[string]any{"n": 3.0}}}},
	}}
	handler := func(ctx context.Context, calls []models.ToolCall) (string, error) { return "ok", nil }
	loop := newTestLoop(p, handler, Config{MaxTurns: 3})

	res, err := loop.Run(context.Background(), &Request{Objective: "busy"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State.Status != models.LoopMaxTurnsReached {
		t.Errorf("status = %s", res.State.Status)
	}
	if res.State.CurrentTurn != 3 {
		t.Errorf("turns = %d", res.State.CurrentTurn)
	}
}

func TestLoopCancelledBetweenTurns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{ToolCalls: []models.ToolCall{{ID: "1", Name: "a", Arguments: map[string]any{}}}},
		{Content: "never reached"},
	}}
	handler := func(hctx context.Context, calls []models.ToolCall) (string, error) {
		cancel() // abort while the tool runs; the loop notices next turn
		return "ok", nil
	}
	loop := newTestLoop(p, handler, Config{MaxTurns: 5})

	res, err := loop.Run(ctx, &Request{Objective: "stop me"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State.Status != models.LoopStopped || res.State.TerminationReason != "cancelled" {
		t.Errorf("state = %+v", res.State)
	}
}

func TestLoopProviderFailure(t *testing.T) {
	wantErr := providers.NewError("anthropic", errors.New("rate limited"))
	p := &scriptedProvider{responses: []*providers.ChatResponse{nil}, errs: []error{wantErr}}
	loop := newTestLoop(p, nil, Config{MaxTurns: 5})

	res, err := loop.Run(context.Background(), &Request{Objective: "hi"})
	if err == nil {
		t.Fatal("expected provider error")
	}
	if res.State.Status != models.LoopFailed {
		t.Errorf("status = %s", res.State.Status)
	}
	if !strings.HasPrefix(res.State.TerminationReason, "provider_error:anthropic:") {
		t.Errorf("reason = %q", res.State.TerminationReason)
	}
}

func TestLoopStreamsFinalContent(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{{Content: "streamed answer", FinishReason: "stop"}}}
	loop := newTestLoop(p, nil, Config{MaxTurns: 5, StreamMinChars: 1})

	var got []string
	_, err := loop.Run(context.Background(), &Request{
		Objective: "hi",
		OnStream:  func(text string) { got = append(got, text) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) == 0 || !strings.Contains(strings.Join(got, ""), "streamed answer") {
		t.Errorf("streamed = %v", got)
	}
}
