// Package providers adapts external LLM APIs to the single Chat contract
// the agent loop consumes. Adapters stream internally and surface both the
// accumulated response and per-token callbacks.
package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/marubot/maru/pkg/models"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolResult is the textual outcome of one executed tool call, fed back to
// the model on the next turn.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// Message is one entry of the conversation sent to a provider.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []ToolResult
}

// ToolDefinition advertises one callable tool to the model. Schema is a
// JSON-schema object describing the arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ChatRequest is one provider invocation.
type ChatRequest struct {
	Messages    []Message
	System      string
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64

	// OnStream receives raw text deltas as they arrive. May be nil.
	OnStream func(delta string)
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ChatResponse is the accumulated result of one provider call.
type ChatResponse struct {
	Content          string
	ToolCalls        []models.ToolCall
	FinishReason     string
	Usage            Usage
	ReasoningContent string
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	SupportsToolLoop() bool
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// Error is a provider failure normalized to provider_error:<name>:<body>.
type Error struct {
	Provider string
	Body     string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider_error:%s:%s", e.Provider, e.Body)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with the provider name, trimming the body to keep
// user-facing failure notices short.
func NewError(provider string, err error) *Error {
	body := ""
	if err != nil {
		body = strings.TrimSpace(err.Error())
	}
	if len(body) > 180 {
		body = body[:180]
	}
	return &Error{Provider: provider, Body: body, Err: err}
}
