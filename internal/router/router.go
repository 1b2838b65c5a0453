// Package router runs the inbound side: a poll loop that reads each
// transport's chats and publishes fresh messages, and a consumer loop
// that fans handlers out over the bus with bounded concurrency.
package router

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/approval"
	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/commands"
	"github.com/marubot/maru/internal/config"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/orchestrator"
	"github.com/marubot/maru/internal/seenset"
	"github.com/marubot/maru/pkg/models"
)

const readAckReaction = "eyes"

// genericAliases all resolve to the configured default alias.
var genericAliases = map[string]bool{
	"claude":        true,
	"claude-worker": true,
	"worker":        true,
}

// Orchestrator handles one mention-addressed request end to end.
type Orchestrator interface {
	Handle(ctx context.Context, in *models.InboundMessage, alias string) *orchestrator.Result
}

// Deps carries the router's collaborators.
type Deps struct {
	Config       config.RouterConfig
	DefaultAlias string
	Bus          *bus.Bus
	Transports   *channels.Registry
	Commands     *commands.Router
	Approvals    *approval.Service
	Orchestrator Orchestrator
	Logger       *observability.Logger
	Metrics      *observability.Metrics
}

// Router owns the poll and consumer loops.
type Router struct {
	cfg          config.RouterConfig
	defaultAlias string
	bus          *bus.Bus
	transports   *channels.Registry
	commands     *commands.Router
	approvals    *approval.Service
	orch         Orchestrator
	logger       *observability.Logger
	metrics      *observability.Metrics

	seen     *seenset.Set
	cooldown *seenset.Set
	primed   map[string]bool

	running  atomic.Bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	handlers sync.WaitGroup
}

func New(d Deps) *Router {
	cfg := d.Config
	alias := d.DefaultAlias
	if alias == "" {
		alias = "claude"
	}
	return &Router{
		cfg:          cfg,
		defaultAlias: alias,
		bus:          d.Bus,
		transports:   d.Transports,
		commands:     d.Commands,
		approvals:    d.Approvals,
		orch:         d.Orchestrator,
		logger:       d.Logger,
		metrics:      d.Metrics,
		seen: seenset.New(
			time.Duration(cfg.SeenTTLMs)*time.Millisecond,
			cfg.SeenMaxEntries),
		cooldown: seenset.New(
			time.Duration(cfg.MentionCooldownMs)*time.Millisecond, 2048),
		primed: make(map[string]bool),
	}
}

// Start launches both loops. They run until Stop.
func (r *Router) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.loops.Add(2)
	go r.pollLoop(loopCtx)
	go r.consumeLoop(loopCtx)
}

// Stop flips the running flag, waits for in-flight handlers, then stops
// the transports.
func (r *Router) Stop(ctx context.Context) {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.cancel()
	r.loops.Wait()
	r.handlers.Wait()
	if err := r.transports.StopAll(ctx); err != nil {
		r.logger.Warn(ctx, "transport stop failed", "error", err)
	}
}

func (r *Router) pollLoop(ctx context.Context) {
	defer r.loops.Done()
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Router) pollOnce(ctx context.Context) {
	for _, provider := range r.transports.Providers() {
		transport, err := r.transports.Get(provider)
		if err != nil {
			continue
		}
		for _, chatID := range transport.PollChats() {
			r.pollTarget(ctx, provider, chatID)
		}
	}
}

func (r *Router) pollTarget(ctx context.Context, provider models.Provider, chatID string) {
	msgs, err := r.transports.Read(ctx, provider, chatID, r.cfg.ReadLimit)
	if err != nil {
		r.logger.Warn(ctx, "poll read failed",
			"provider", provider, "chat_id", chatID, "error", err)
		return
	}

	target := strings.ToLower(string(provider) + ":" + chatID)
	priming := !r.primed[target]
	r.primed[target] = true

	var fresh []*models.InboundMessage
	for _, m := range msgs {
		r.forwardApprovalReactions(ctx, m)
		key := models.InboundSeenKey(m.Provider, m.ChatID, m.ID)
		if r.seen.Seen(key) {
			continue
		}
		r.seen.Mark(key)
		if priming {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].At.Before(fresh[j].At) })
	for _, m := range fresh {
		r.bus.PublishInbound(m)
	}
	if r.metrics != nil {
		for range fresh {
			r.metrics.RecordInbound(string(provider), "published")
		}
	}
}

// forwardApprovalReactions feeds reactions on bot-authored messages into
// the approval service. The messages themselves never reach the pipeline.
func (r *Router) forwardApprovalReactions(ctx context.Context, m *models.InboundMessage) {
	if r.approvals == nil || !m.Metadata.FromBot {
		return
	}
	reactions := extraReactions(m.Metadata.Extra)
	if len(reactions) == 0 {
		return
	}
	r.approvals.HandleReaction(ctx, m.Provider, m.ChatID, m.Content, reactions)
}

func extraReactions(extra map[string]any) []string {
	if extra == nil {
		return nil
	}
	switch v := extra["reactions"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (r *Router) consumeLoop(ctx context.Context) {
	defer r.loops.Done()
	sem := make(chan struct{}, r.concurrency())
	for {
		m, ok := r.bus.ConsumeInbound(ctx, time.Second)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		r.handlers.Add(1)
		go func(msg *models.InboundMessage) {
			defer func() {
				<-sem
				r.handlers.Done()
			}()
			r.handle(ctx, msg)
		}(m)
	}
}

func (r *Router) concurrency() int {
	if r.cfg.InboundConcurrency <= 0 {
		return 4
	}
	return r.cfg.InboundConcurrency
}

// handle runs the pipeline for one message: ignore filter, approval
// reply, slash command, read-ack, mentions, orchestration.
func (r *Router) handle(ctx context.Context, m *models.InboundMessage) {
	if r.shouldIgnore(m) {
		return
	}
	if r.approvals != nil && r.approvals.HandleTextReply(ctx, m) {
		return
	}
	if r.commands != nil && r.commands.Dispatch(ctx, m) {
		return
	}
	r.ackRead(ctx, m)

	mentions := r.extractMentions(m)
	if len(mentions) == 0 {
		if !r.cfg.AutoReply {
			return
		}
		mentions = []string{r.defaultAlias}
	}
	for _, alias := range mentions {
		if r.onCooldown(m, alias) {
			continue
		}
		r.orchestrate(ctx, m, alias)
	}
}

func (r *Router) shouldIgnore(m *models.InboundMessage) bool {
	sender := strings.ToLower(strings.TrimSpace(m.SenderID))
	switch {
	case sender == "" || sender == "unknown":
		return true
	case strings.HasPrefix(sender, "subagent:"):
		return true
	case sender == "approval-bot" || sender == "recovery":
		return true
	}
	if m.Metadata.Kind == models.KindTaskRecovery {
		return true
	}
	if m.Metadata.FromBot {
		return true
	}
	if t, err := r.transports.Get(m.Provider); err == nil {
		if id := t.BotID(); id != "" && strings.EqualFold(m.SenderID, id) {
			return true
		}
	}
	if m.Provider == models.ProviderSlack {
		switch m.Metadata.Subtype {
		case "bot_message", "message_changed", "message_deleted":
			return true
		}
	}
	return false
}

func (r *Router) ackRead(ctx context.Context, m *models.InboundMessage) {
	if err := r.transports.AddReaction(ctx, m.Provider, m.ChatID, m.ID, readAckReaction); err != nil {
		r.logger.Debug(ctx, "read-ack reaction failed", "error", err)
	}
}

// extractMentions resolves metadata mentions, falling back to the
// transport's parser. Generic aliases and the bot id collapse to the
// default alias; duplicates are dropped.
func (r *Router) extractMentions(m *models.InboundMessage) []string {
	mentions := m.Metadata.Mentions
	if len(mentions) == 0 {
		if t, err := r.transports.Get(m.Provider); err == nil {
			mentions = t.ParseAgentMentions(m.Content)
		}
	}

	botID := ""
	if t, err := r.transports.Get(m.Provider); err == nil {
		botID = strings.ToLower(t.BotID())
	}

	var out []string
	seen := map[string]bool{}
	for _, mention := range mentions {
		alias := strings.ToLower(strings.TrimSpace(mention.Alias))
		if alias == "" {
			continue
		}
		if genericAliases[alias] || (botID != "" && alias == botID) {
			alias = r.defaultAlias
		}
		if seen[alias] {
			continue
		}
		seen[alias] = true
		out = append(out, alias)
	}
	return out
}

func (r *Router) onCooldown(m *models.InboundMessage, alias string) bool {
	key := strings.ToLower(string(m.Provider) + ":" + m.ChatID + ":" + alias)
	window := time.Duration(r.cfg.MentionCooldownMs) * time.Millisecond
	if window <= 0 {
		window = 5 * time.Second
	}
	return r.cooldown.CheckAndMark(key, window)
}

func (r *Router) orchestrate(ctx context.Context, m *models.InboundMessage, alias string) {
	res := r.orch.Handle(ctx, m, alias)
	if res == nil || res.SuppressReply || res.Reply == "" {
		return
	}
	kind := models.KindAgentReply
	if res.Err != nil {
		kind = models.KindAgentError
	}
	r.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: m.Provider,
		ChatID:   m.ChatID,
		Content:  res.Reply,
		At:       time.Now(),
		ThreadID: m.ThreadID,
		ReplyTo:  m.ID,
		Metadata: models.Metadata{
			Kind:             kind,
			AgentAlias:       alias,
			TriggerMessageID: m.ID,
		},
	})
}
