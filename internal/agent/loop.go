// Package agent implements the bounded multi-turn LLM loop: provider
// calls, tool-call mediation, token streaming, repeat detection, and
// per-conversation run cancellation.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/providers"
	"github.com/marubot/maru/pkg/models"
)

// ToolHandler executes a turn's tool calls and returns the textual
// transcript fed back to the model.
type ToolHandler func(ctx context.Context, calls []models.ToolCall) (string, error)

// CheckContinue decides whether the loop takes another turn after a
// response without tool calls. The default never continues.
type CheckContinue func(state *models.AgentLoopState, resp *providers.ChatResponse) bool

// Config tunes one loop instance.
type Config struct {
	MaxTurns       int
	TurnTimeout    time.Duration
	MaxTokens      int
	Model          string
	Check          CheckContinue
	StreamMinChars int
	StreamInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 12
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 5 * time.Minute
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	return c
}

// Request is one loop invocation.
type Request struct {
	AgentID   string
	Objective string
	System    string

	// OnStream receives sanitized, rate-limited text emissions. May be nil.
	OnStream func(text string)
}

// RunResult is the outcome of a finished loop.
type RunResult struct {
	State        models.AgentLoopState
	FinalContent string
	Usage        providers.Usage
}

// Loop drives the turn cycle against a single provider.
type Loop struct {
	provider providers.Provider
	tools    ToolHandler
	defs     func() []providers.ToolDefinition
	cfg      Config
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewLoop creates a loop. tools and defs may be nil for a pure-chat loop;
// metrics may be nil.
func NewLoop(provider providers.Provider, tools ToolHandler, defs func() []providers.ToolDefinition, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Loop {
	return &Loop{
		provider: provider,
		tools:    tools,
		defs:     defs,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Run executes the loop to completion. The returned state's status is one
// of completed, stopped, failed, max_turns_reached; a non-nil error means
// the run itself failed (provider failure, tool breakage), and the state
// carries the termination reason.
func (l *Loop) Run(ctx context.Context, req *Request) (*RunResult, error) {
	state := models.AgentLoopState{
		LoopID:              uuid.NewString(),
		AgentID:             req.AgentID,
		Objective:           req.Objective,
		MaxTurns:            l.cfg.MaxTurns,
		CheckShouldContinue: true,
		Status:              models.LoopRunning,
	}
	result := &RunResult{}

	messages := []providers.Message{{Role: providers.RoleUser, Content: req.Objective}}
	var lastCallsFingerprint string
	var tools []providers.ToolDefinition
	if l.defs != nil && l.provider.SupportsToolLoop() {
		tools = l.defs()
	}

	for state.CurrentTurn < state.MaxTurns && state.CheckShouldContinue {
		if err := ctx.Err(); err != nil {
			state.Status = models.LoopStopped
			state.TerminationReason = "cancelled"
			result.State = state
			l.record(state)
			return result, nil
		}
		state.CurrentTurn++

		resp, err := l.callProvider(ctx, req, messages, tools)
		if err != nil {
			if ctx.Err() != nil {
				state.Status = models.LoopStopped
				state.TerminationReason = "cancelled"
				result.State = state
				l.record(state)
				return result, nil
			}
			state.Status = models.LoopFailed
			state.TerminationReason = err.Error()
			result.State = state
			l.record(state)
			return result, err
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens

		calls := resp.ToolCalls
		if len(calls) == 0 {
			calls = ParseImplicitToolCalls(resp.Content)
		}

		if len(calls) > 0 {
			fingerprint := callsFingerprint(calls)
			if fingerprint == lastCallsFingerprint {
				state.Status = models.LoopFailed
				state.TerminationReason = "repeated_tool_calls"
				result.FinalContent = fmt.Sprintf("동일한 도구 호출이 반복되어 중단했습니다: %s", callNames(calls))
				result.State = state
				l.record(state)
				return result, errors.New("repeated_tool_calls")
			}
			lastCallsFingerprint = fingerprint

			if l.tools == nil {
				state.Status = models.LoopFailed
				state.TerminationReason = "tool_calls_requested_but_handler_missing"
				result.State = state
				l.record(state)
				return result, errors.New("tool_calls_requested_but_handler_missing")
			}

			transcript, err := l.tools(ctx, calls)
			if err != nil {
				state.Status = models.LoopFailed
				state.TerminationReason = err.Error()
				result.State = state
				l.record(state)
				return result, err
			}
			messages = append(messages,
				providers.Message{Role: providers.RoleAssistant, Content: resp.Content, ToolCalls: calls},
				providers.Message{Role: providers.RoleTool, ToolResults: transcriptResults(calls, transcript)},
			)
			continue
		}

		lastCallsFingerprint = ""
		result.FinalContent = resp.Content
		if l.cfg.Check != nil && l.cfg.Check(&state, resp) {
			messages = append(messages, providers.Message{Role: providers.RoleAssistant, Content: resp.Content})
			continue
		}
		state.CheckShouldContinue = false
		state.Status = models.LoopCompleted
	}

	if state.Status == models.LoopRunning {
		state.Status = models.LoopMaxTurnsReached
		state.TerminationReason = fmt.Sprintf("reached max turns: %d", state.MaxTurns)
	}
	result.State = state
	l.record(state)
	return result, nil
}

func (l *Loop) callProvider(ctx context.Context, req *Request, messages []providers.Message, tools []providers.ToolDefinition) (*providers.ChatResponse, error) {
	turnCtx, cancel := context.WithTimeout(ctx, l.cfg.TurnTimeout)
	defer cancel()

	var flusher *Flusher
	chatReq := &providers.ChatRequest{
		Messages:  messages,
		System:    req.System,
		Tools:     tools,
		Model:     l.cfg.Model,
		MaxTokens: l.cfg.MaxTokens,
	}
	if req.OnStream != nil {
		flusher = NewFlusher(req.OnStream, l.cfg.StreamMinChars, l.cfg.StreamInterval)
		chatReq.OnStream = flusher.Write
	}

	resp, err := l.provider.Chat(turnCtx, chatReq)
	if flusher != nil {
		flusher.Flush()
	}
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.RecordProviderRequest(l.provider.Name(), status)
	}
	return resp, err
}

func (l *Loop) record(state models.AgentLoopState) {
	l.logger.Info(context.Background(), "loop finished",
		"loop_id", state.LoopID,
		"agent_id", state.AgentID,
		"status", string(state.Status),
		"turns", state.CurrentTurn,
		"reason", state.TerminationReason)
	if l.metrics != nil {
		l.metrics.RecordLoopRun(string(state.Status), state.CurrentTurn)
	}
}

// callsFingerprint canonicalizes a tool-call batch so two turns that
// request the same work compare equal regardless of call ids or argument
// key order.
func callsFingerprint(calls []models.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for _, call := range calls {
		args, _ := json.Marshal(sortedArgs(call.Arguments))
		parts = append(parts, call.Name+":"+string(args))
	}
	return strings.Join(parts, "|")
}

func sortedArgs(args map[string]any) []any {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		out = append(out, k, args[k])
	}
	return out
}

func callNames(calls []models.ToolCall) string {
	names := make([]string, 0, len(calls))
	for _, call := range calls {
		names = append(names, call.Name)
	}
	return strings.Join(names, ", ")
}

// transcriptResults attaches the handler transcript to the first call and
// acknowledges the rest, keeping provider-side call/result pairing intact.
func transcriptResults(calls []models.ToolCall, transcript string) []providers.ToolResult {
	out := make([]providers.ToolResult, len(calls))
	for i, call := range calls {
		content := "(see combined transcript above)"
		if i == 0 {
			content = transcript
		}
		out[i] = providers.ToolResult{ToolCallID: call.ID, Content: content}
	}
	return out
}
