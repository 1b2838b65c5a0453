// Package tools hosts the built-in and dynamic tools the agent loop can
// invoke, plus the registry that mediates execution: origin checks,
// runtime-context injection, and the approval gate for side-effecting
// calls.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/marubot/maru/internal/approval"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/providers"
	"github.com/marubot/maru/pkg/models"
)

// Origin identifies what kind of caller is executing a tool.
type Origin string

const (
	OriginChat     Origin = "chat"
	OriginCron     Origin = "cron"
	OriginSubagent Origin = "subagent"
)

// ExecContext carries the conversational origin of a tool call into
// execution.
type ExecContext struct {
	TaskID   string
	Channel  models.Provider
	ChatID   string
	SenderID string
	ReplyTo  string
	Origin   Origin
}

// Tool is one callable capability advertised to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error)
}

// RuntimeContextSetter is implemented by tools that need to know which
// conversation they are acting for. The registry injects the context
// before each Execute.
type RuntimeContextSetter interface {
	SetRuntimeContext(channel models.Provider, chatID, replyTo string)
}

// Gated is implemented by tools whose calls may require human approval.
// NeedsApproval inspects the concrete arguments, so a tool can gate only
// its dangerous shapes.
type Gated interface {
	NeedsApproval(params map[string]any) bool
}

// ApprovalPlaceholder prefixes the transcript returned for a gated call
// that was parked pending a decision.
const ApprovalPlaceholder = "[approval_required]"

// Registry holds the tool set and mediates every execution.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	order       []string
	cronBlocked map[string]bool

	approvals *approval.Service
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewRegistry creates an empty registry. approvals may be nil, in which
// case gated calls fail closed. metrics may be nil.
func NewRegistry(approvals *approval.Service, logger *observability.Logger, metrics *observability.Metrics, cronBlocked []string) *Registry {
	blocked := make(map[string]bool, len(cronBlocked))
	for _, name := range cronBlocked {
		blocked[strings.ToLower(strings.TrimSpace(name))] = true
	}
	r := &Registry{
		tools:       make(map[string]Tool),
		cronBlocked: blocked,
		approvals:   approvals,
		logger:      logger,
		metrics:     metrics,
	}
	if approvals != nil {
		approvals.SetExecutor(r.executeApproved)
	}
	return r
}

// Register adds or replaces a tool. Registration order is preserved for
// Definitions.
func (r *Registry) Register(tool Tool) {
	name := strings.ToLower(tool.Name())
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// Unregister removes a tool. Used when the dynamic manifest drops a row.
func (r *Registry) Unregister(name string) {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[strings.ToLower(name)]
	return ok
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(name)]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the tool set for a provider request.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return out
}

// Execute runs one tool call through the full mediation pipeline:
// lookup, origin policy, runtime-context injection, approval gate, run.
// Tool-level failures come back as an error transcript, not a Go error;
// the error return is reserved for calls that could not be attempted.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, execCtx ExecContext) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	key := strings.ToLower(name)
	if execCtx.Origin == OriginCron && r.cronBlocked[key] {
		return "", fmt.Errorf("tool %q is not available from cron", name)
	}

	if setter, ok := tool.(RuntimeContextSetter); ok {
		setter.SetRuntimeContext(execCtx.Channel, execCtx.ChatID, execCtx.ReplyTo)
	}

	if gated, ok := tool.(Gated); ok && gated.NeedsApproval(params) {
		return r.park(ctx, key, params, execCtx)
	}
	return r.run(ctx, tool, params, execCtx)
}

// park registers an approval request and returns the placeholder
// transcript the model sees instead of a result.
func (r *Registry) park(ctx context.Context, name string, params map[string]any, execCtx ExecContext) (string, error) {
	if r.approvals == nil {
		return "", fmt.Errorf("tool %q requires approval but no approval service is configured", name)
	}
	req := r.approvals.Request(ctx, name, params, models.ApprovalContext{
		Channel:  execCtx.Channel,
		ChatID:   execCtx.ChatID,
		SenderID: execCtx.SenderID,
		TaskID:   execCtx.TaskID,
	})
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, "approval_pending")
	}
	return fmt.Sprintf("%s request_id=%s — %s 실행은 사용자 승인 후 진행됩니다.", ApprovalPlaceholder, req.RequestID, name), nil
}

func (r *Registry) run(ctx context.Context, tool Tool, params map[string]any, execCtx ExecContext) (string, error) {
	name := strings.ToLower(tool.Name())
	result, err := tool.Execute(ctx, params, execCtx)
	if err != nil {
		r.logger.Warn(ctx, "tool failed", "tool", name, "error", err)
		if r.metrics != nil {
			r.metrics.RecordToolExecution(name, "error")
		}
		return "", err
	}
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, "ok")
	}
	return result, nil
}

// executeApproved replays an approved call, bypassing the gate. The
// runtime context is rebuilt from the stored approval context.
func (r *Registry) executeApproved(ctx context.Context, req *models.ApprovalRequest) (string, error) {
	tool, ok := r.Get(req.ToolName)
	if !ok {
		return "", fmt.Errorf("approved tool %q is no longer registered", req.ToolName)
	}
	execCtx := ExecContext{
		TaskID:   req.Context.TaskID,
		Channel:  req.Context.Channel,
		ChatID:   req.Context.ChatID,
		SenderID: req.Context.SenderID,
		Origin:   OriginChat,
	}
	if setter, ok := tool.(RuntimeContextSetter); ok {
		setter.SetRuntimeContext(execCtx.Channel, execCtx.ChatID, execCtx.ReplyTo)
	}
	return r.run(ctx, tool, req.Params, execCtx)
}

// stringParam fetches a string argument, trimmed.
func stringParam(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// intParam fetches a numeric argument; JSON decoding yields float64.
func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// stringSliceParam fetches a list-of-strings argument.
func stringSliceParam(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

// objectSchema builds the common JSON-schema envelope tools advertise.
func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schema["required"] = required
	}
	return schema
}
