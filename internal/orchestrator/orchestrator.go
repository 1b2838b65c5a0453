// Package orchestrator composes one inbound request into a loop run:
// vault pre-scan, session and thread context, agent-or-task mode pick,
// runtime tool context, streaming, render, and fallback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/agent"
	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/events"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/providers"
	"github.com/marubot/maru/internal/render"
	"github.com/marubot/maru/internal/secrets"
	"github.com/marubot/maru/internal/sessions"
	"github.com/marubot/maru/internal/skills"
	"github.com/marubot/maru/internal/task"
	"github.com/marubot/maru/internal/tools"
	"github.com/marubot/maru/pkg/models"
)

const (
	historyLimit  = 10
	historyMaxAge = 30 * time.Minute
	replyLimit    = 1600
)

// Result is what the router delivers (or suppresses) for one request.
type Result struct {
	Reply         string
	SuppressReply bool
	Streamed      bool
	Err           error
}

// Orchestrator wires one request through scan→context→loop→render.
type Orchestrator struct {
	cfg        *config.Config
	providers  *providers.Registry
	tools      *tools.Registry
	runs       *agent.RunRegistry
	recorder   *sessions.Recorder
	vault      *secrets.Vault
	profiles   *render.ProfileStore
	taskLoop   *task.Loop
	events     *events.Log
	transports *channels.Registry
	skills     *skills.Library
	bus        *bus.Bus
	logger     *observability.Logger
	now        func() time.Time
}

// Deps carries the orchestrator's collaborators. events, transports and
// skills may be nil.
type Deps struct {
	Config     *config.Config
	Providers  *providers.Registry
	Tools      *tools.Registry
	Runs       *agent.RunRegistry
	Recorder   *sessions.Recorder
	Vault      *secrets.Vault
	Profiles   *render.ProfileStore
	TaskLoop   *task.Loop
	Events     *events.Log
	Transports *channels.Registry
	Skills     *skills.Library
	Bus        *bus.Bus
	Logger     *observability.Logger
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		cfg:        d.Config,
		providers:  d.Providers,
		tools:      d.Tools,
		runs:       d.Runs,
		recorder:   d.Recorder,
		vault:      d.Vault,
		profiles:   d.Profiles,
		taskLoop:   d.TaskLoop,
		events:     d.Events,
		transports: d.Transports,
		skills:     d.Skills,
		bus:        d.Bus,
		logger:     d.Logger,
		now:        time.Now,
	}
}

// Handle runs one inbound request to completion and returns the reply.
func (o *Orchestrator) Handle(ctx context.Context, in *models.InboundMessage, alias string) *Result {
	return o.HandleFrom(ctx, in, alias, tools.OriginChat)
}

// HandleFrom is Handle with an explicit tool-execution origin. The cron
// and subagent entry points use it so origin policy (cron_blocked)
// applies to their tool calls.
func (o *Orchestrator) HandleFrom(ctx context.Context, in *models.InboundMessage, alias string, origin tools.Origin) *Result {
	report, err := o.vault.Scan(ctx, in.Content)
	if err != nil {
		o.logger.Warn(ctx, "vault scan failed", "error", err)
	}
	if report != nil && report.Blocked() {
		return &Result{Reply: report.Notice()}
	}
	// Secret placeholders stay opaque through the provider; they expand
	// only in tool arguments at execution time.
	request := in.Content

	key := sessions.Key(in.Provider, in.ChatID, in.ThreadID, alias)
	recent, err := o.recorder.History(ctx, key, historyLimit, historyMaxAge)
	if err != nil {
		o.logger.Warn(ctx, "session history failed", "error", err, "key", key)
	}
	var nearby []sessions.Message
	if in.ThreadID != "" {
		rootKey := sessions.Key(in.Provider, in.ChatID, "", alias)
		nearby, err = o.recorder.History(ctx, rootKey, historyLimit, historyMaxAge)
		if err != nil {
			o.logger.Warn(ctx, "thread-nearby history failed", "error", err, "key", rootKey)
		}
	}
	if err := o.recorder.RecordUser(ctx, key, in.SenderID, in.Content); err != nil {
		o.logger.Warn(ctx, "record user failed", "error", err)
	}

	objective := composeObjective(request, recent, nearby)
	mode := PickMode(request)

	o.setTyping(ctx, in, true)
	defer o.setTyping(ctx, in, false)

	var res *Result
	if mode == ModeTask {
		res = o.runTask(ctx, in, alias, request, objective, origin)
	} else {
		res = o.runAgent(ctx, in, alias, objective, origin)
	}

	if res.Reply != "" && res.Err == nil {
		if err := o.recorder.RecordAssistant(ctx, key, alias, res.Reply); err != nil {
			o.logger.Warn(ctx, "record assistant failed", "error", err)
		}
		profile := o.profiles.Get(in.Provider, in.ChatID)
		res.Reply = render.Cap(render.Render(res.Reply, profile), replyLimit)
	}
	return res
}

func (o *Orchestrator) setTyping(ctx context.Context, in *models.InboundMessage, on bool) {
	if o.transports == nil {
		return
	}
	if err := o.transports.SetTyping(ctx, in.Provider, in.ChatID, on, in.ID); err != nil {
		o.logger.Debug(ctx, "typing indicator failed", "error", err)
	}
}

func (o *Orchestrator) systemPrompt() string {
	if o.skills == nil {
		return ""
	}
	return o.skills.Prompt()
}

// runAgent drives a single agent-loop run with streaming and one-shot
// provider fallback.
func (o *Orchestrator) runAgent(ctx context.Context, in *models.InboundMessage, alias, objective string, origin tools.Origin) *Result {
	primary, err := o.providers.Primary()
	if err != nil {
		return o.failure(alias, err)
	}

	runCtx, release := o.runs.Begin(ctx, models.RunKey(in.Provider, in.ChatID, alias))
	defer release()

	var suppress atomic.Bool
	handler := o.toolHandler(in, "", origin, &suppress)

	var streamed atomic.Int64
	var onStream func(string)
	if o.cfg.Streaming.Enabled {
		onStream = func(text string) {
			streamed.Add(1)
			o.publishStream(in, alias, text)
		}
	}

	loop := agent.NewLoop(primary, handler, o.tools.Definitions, o.loopConfig(), o.logger, nil)
	result, err := loop.Run(runCtx, &agent.Request{
		AgentID:   alias,
		Objective: objective,
		System:    o.systemPrompt(),
		OnStream:  onStream,
	})
	if err != nil {
		// Only provider failures reroute; repeat-guard stops and tool
		// errors must not re-run a turn whose tools had side effects.
		var perr *providers.Error
		if errors.As(err, &perr) {
			if fb := o.providers.Fallback(); fb != nil && fb.Name() != primary.Name() {
				o.logger.Warn(ctx, "primary provider failed, trying fallback",
					"primary", primary.Name(), "fallback", fb.Name(), "error", err)
				if reply, fbErr := o.oneShot(runCtx, fb, objective); fbErr == nil {
					return &Result{Reply: reply, Streamed: streamed.Load() > 0}
				}
			}
		}
		return o.failure(alias, err)
	}
	if result.State.Status == models.LoopStopped {
		return &Result{SuppressReply: true}
	}

	res := &Result{
		Reply:    result.FinalContent,
		Streamed: streamed.Load() > 0,
	}
	if suppress.Load() {
		res.SuppressReply = true
	}
	if res.Streamed && o.cfg.Streaming.SuppressFinalAfterStream {
		res.SuppressReply = true
	}
	return res
}

// oneShot asks the fallback provider for a plain completion, no tools.
func (o *Orchestrator) oneShot(ctx context.Context, p providers.Provider, objective string) (string, error) {
	resp, err := p.Chat(ctx, &providers.ChatRequest{
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: objective}},
		System:    o.systemPrompt(),
		MaxTokens: o.cfg.Providers.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("fallback returned empty content")
	}
	return resp.Content, nil
}

// runTask splits the request into workflow nodes, one per step, each an
// agent turn over the shared objective.
func (o *Orchestrator) runTask(ctx context.Context, in *models.InboundMessage, alias, request, objective string, origin tools.Origin) *Result {
	primary, err := o.providers.Primary()
	if err != nil {
		return o.failure(alias, err)
	}

	steps := listItems(request)
	if len(steps) == 0 {
		steps = []string{request}
	}

	taskID := uuid.NewString()
	runCtx, release := o.runs.Begin(ctx, models.RunKey(in.Provider, in.ChatID, alias))
	defer release()

	var suppress atomic.Bool
	handler := o.toolHandler(in, taskID, origin, &suppress)
	loop := agent.NewLoop(primary, handler, o.tools.Definitions, o.loopConfig(), o.logger, nil)

	o.appendEvent(ctx, taskID, alias, in, models.PhaseAssign, firstLine(request))

	nodes := make([]task.Node, len(steps))
	for i, step := range steps {
		i, step := i, step
		nodes[i] = task.Node{
			Name: fmt.Sprintf("step_%d", i+1),
			Run: func(nodeCtx context.Context, state *models.TaskState, memory map[string]any) (task.NodeResult, error) {
				stepObjective := fmt.Sprintf("%s\n\n이번 단계만 수행하세요 (%d/%d): %s",
					objective, i+1, len(steps), step)
				run, err := loop.Run(nodeCtx, &agent.Request{
					AgentID:   alias,
					Objective: stepObjective,
					System:    o.systemPrompt(),
				})
				if err != nil {
					return task.NodeResult{}, err
				}
				o.appendEvent(nodeCtx, taskID, alias, in, models.PhaseProgress, step)
				return task.NodeResult{
					MemoryPatch: map[string]any{fmt.Sprintf("step_%d_result", i+1): run.FinalContent},
					CurrentStep: step,
				}, nil
			},
		}
	}

	state, err := o.taskLoop.Run(runCtx, taskID, nodes, task.Options{
		Title:    firstLine(request),
		MaxTurns: o.cfg.Task.MaxTurns,
	})
	if err != nil {
		o.appendEvent(ctx, taskID, alias, in, models.PhaseBlocked, err.Error())
		return o.failure(alias, err)
	}

	switch state.Status {
	case models.TaskCompleted:
		o.appendEvent(ctx, taskID, alias, in, models.PhaseDone, "workflow completed")
		return &Result{Reply: taskSummary(state, len(steps)), SuppressReply: suppress.Load()}
	case models.TaskCancelled:
		return &Result{SuppressReply: true}
	case models.TaskWaitingApproval:
		o.appendEvent(ctx, taskID, alias, in, models.PhaseApproval, state.CurrentStep)
		return &Result{Reply: fmt.Sprintf("⏸️ 승인 대기 중입니다. (task %s, step: %s)", taskID, state.CurrentStep)}
	default:
		o.appendEvent(ctx, taskID, alias, in, models.PhaseBlocked, state.ExitReason)
		return o.failure(alias, fmt.Errorf("%s", state.ExitReason))
	}
}

// toolHandler adapts the registry to the loop's handler contract. A
// file_request transcript flips suppress, hiding the loop's final reply.
func (o *Orchestrator) toolHandler(in *models.InboundMessage, taskID string, origin tools.Origin, suppress *atomic.Bool) agent.ToolHandler {
	return func(ctx context.Context, calls []models.ToolCall) (string, error) {
		execCtx := tools.ExecContext{
			TaskID:   taskID,
			Channel:  in.Provider,
			ChatID:   in.ChatID,
			SenderID: in.SenderID,
			ReplyTo:  in.ID,
			Origin:   origin,
		}
		var parts []string
		for _, call := range calls {
			out, err := o.tools.Execute(ctx, call.Name, o.resolveArgs(ctx, call.Arguments), execCtx)
			if err != nil {
				out = "error: " + err.Error()
			}
			if strings.HasPrefix(out, tools.FileRequestMarker) {
				suppress.Store(true)
			}
			parts = append(parts, fmt.Sprintf("[%s]\n%s", call.Name, out))
		}
		return strings.Join(parts, "\n\n"), nil
	}
}

// resolveArgs expands secret placeholders in string arguments right
// before execution; the provider transcript keeps the opaque form.
func (o *Orchestrator) resolveArgs(ctx context.Context, args map[string]any) map[string]any {
	if len(args) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = o.vault.Resolve(ctx, s)
			continue
		}
		out[k] = v
	}
	return out
}

func (o *Orchestrator) loopConfig() agent.Config {
	return agent.Config{
		MaxTurns:       o.cfg.Agent.MaxTurns,
		TurnTimeout:    time.Duration(o.cfg.Agent.TurnTimeoutS) * time.Second,
		MaxTokens:      o.cfg.Providers.MaxTokens,
		StreamMinChars: o.cfg.Streaming.MinChars,
		StreamInterval: time.Duration(o.cfg.Streaming.IntervalMs) * time.Millisecond,
	}
}

func (o *Orchestrator) publishStream(in *models.InboundMessage, alias, text string) {
	o.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: in.Provider,
		ChatID:   in.ChatID,
		Content:  text,
		At:       o.now(),
		ThreadID: in.ThreadID,
		ReplyTo:  in.ID,
		Metadata: models.Metadata{
			Kind:             models.KindAgentStream,
			AgentAlias:       alias,
			TriggerMessageID: in.ID,
		},
	})
}

func (o *Orchestrator) appendEvent(ctx context.Context, taskID, alias string, in *models.InboundMessage, phase models.EventPhase, summary string) {
	if o.events == nil {
		return
	}
	_, err := o.events.Append(ctx, &models.WorkflowEvent{
		EventID:  uuid.NewString(),
		TaskID:   taskID,
		AgentID:  alias,
		Phase:    phase,
		Summary:  summary,
		Provider: string(in.Provider),
		ChatID:   in.ChatID,
		ThreadID: in.ThreadID,
		Source:   models.SourceAgent,
		At:       o.now(),
	}, "")
	if err != nil {
		o.logger.Warn(ctx, "workflow event append failed", "error", err)
	}
}

// failure turns an internal error into the fixed user-facing notice.
func (o *Orchestrator) failure(alias string, err error) *Result {
	return &Result{
		Reply: fmt.Sprintf("🔴 %s 작업 처리에 실패했습니다. (%s)", alias, normalizeReason(err)),
		Err:   err,
	}
}

// normalizeReason keeps failure notices short and stable: provider
// errors collapse to <name>:<body>, everything else to its first line.
func normalizeReason(err error) string {
	if err == nil {
		return "unknown"
	}
	reason := err.Error()
	reason = strings.TrimPrefix(reason, "provider_error:")
	if idx := strings.IndexByte(reason, '\n'); idx >= 0 {
		reason = reason[:idx]
	}
	if len(reason) > 200 {
		reason = reason[:200]
	}
	return reason
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// taskSummary renders the per-step results collected in task memory.
func taskSummary(state *models.TaskState, steps int) string {
	var b strings.Builder
	for i := 1; i <= steps; i++ {
		v, ok := state.Memory[fmt.Sprintf("step_%d_result", i)]
		if !ok {
			continue
		}
		text, _ := v.(string)
		if strings.TrimSpace(text) == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i, strings.TrimSpace(text))
	}
	if b.Len() == 0 {
		return "워크플로 완료."
	}
	return strings.TrimRight(b.String(), "\n")
}
