// Package approval gates side-effecting tool calls on human consent.
// A gated call parks here as a pending request; the decision arrives back
// through chat, either as a text token or a platform reaction, and an
// approved request replays the stored tool invocation.
package approval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/seenset"
	"github.com/marubot/maru/pkg/models"
)

// Decision is a parsed human verdict.
type Decision string

const (
	DecisionApprove Decision = "approved"
	DecisionDeny    Decision = "denied"
	DecisionDefer   Decision = "deferred"
	DecisionCancel  Decision = "cancelled"
	DecisionClarify Decision = "clarify"
)

// ExecuteFunc replays an approved tool call and returns its transcript.
// Installed after construction to break the tools→approval→tools cycle.
type ExecuteFunc func(ctx context.Context, req *models.ApprovalRequest) (string, error)

const (
	defaultTTL        = 10 * time.Minute
	resultLimit       = 1200
	requestIDToken    = "request_id:"
	reactionSeenTTL   = 10 * time.Minute
	approvedNotice    = "✅ 승인 반영 완료"
	deniedNotice      = "❌ 요청이 거절되었습니다."
	deferredNotice    = "⏸️ 요청이 보류되었습니다. 필요하면 다시 요청해 주세요."
	cancelledNotice   = "⛔ 요청이 취소되었습니다."
	clarifyNotice     = "❓ 승인 여부를 알 수 없습니다. ✅/❌ 또는 yes/no 로 답해 주세요."
)

var requestIDRe = regexp.MustCompile(`request_id:([A-Za-z0-9-]+)`)

// Terms that resolve a decision, checked longest-first within each class.
var decisionTokens = []struct {
	token    string
	decision Decision
}{
	{"✅", DecisionApprove}, {"승인", DecisionApprove}, {"approve", DecisionApprove}, {"yes", DecisionApprove},
	{"❌", DecisionDeny}, {"거절", DecisionDeny}, {"deny", DecisionDeny}, {"no", DecisionDeny},
	{"⏸️", DecisionDefer}, {"보류", DecisionDefer}, {"defer", DecisionDefer}, {"later", DecisionDefer},
	{"⛔", DecisionCancel}, {"취소", DecisionCancel}, {"cancel", DecisionCancel}, {"stop", DecisionCancel},
}

// reactionDecisions maps platform reaction names to decisions (Slack names).
var reactionDecisions = map[string]Decision{
	"white_check_mark":    DecisionApprove,
	"heavy_check_mark":    DecisionApprove,
	"+1":                  DecisionApprove,
	"thumbsup":            DecisionApprove,
	"x":                   DecisionDeny,
	"-1":                  DecisionDeny,
	"thumbsdown":          DecisionDeny,
	"double_vertical_bar": DecisionDefer,
	"no_entry":            DecisionCancel,
	"octagonal_sign":      DecisionCancel,
}

// Service owns the pending-request map and the decision lifecycle.
type Service struct {
	bus     *bus.Bus
	logger  *observability.Logger
	metrics *observability.Metrics
	ttl     time.Duration
	now     func() time.Time

	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest
	execute  ExecuteFunc

	reactionSeen *seenset.Set
}

// NewService creates the approval service. metrics may be nil.
func NewService(b *bus.Bus, logger *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		bus:          b,
		logger:       logger,
		metrics:      metrics,
		ttl:          defaultTTL,
		now:          time.Now,
		requests:     make(map[string]*models.ApprovalRequest),
		reactionSeen: seenset.New(reactionSeenTTL, 2000),
	}
}

// WithNow overrides the clock. For tests.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithTTL overrides the pending-request expiry.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	s.ttl = ttl
	return s
}

// SetExecutor installs the approved-call replayer (two-phase wiring).
func (s *Service) SetExecutor(fn ExecuteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execute = fn
}

// Request registers a gated tool call and publishes the decision prompt to
// the originating chat. The prompt carries the request_id token reactions
// and replies resolve against.
func (s *Service) Request(ctx context.Context, toolName string, params map[string]any, reqCtx models.ApprovalContext) *models.ApprovalRequest {
	req := &models.ApprovalRequest{
		RequestID: uuid.NewString(),
		ToolName:  toolName,
		Params:    params,
		CreatedAt: s.now(),
		Status:    models.ApprovalPending,
		Context:   reqCtx,
	}
	s.mu.Lock()
	s.requests[req.RequestID] = req
	s.mu.Unlock()

	s.logger.Info(ctx, "approval requested", "request_id", req.RequestID, "tool", toolName)
	s.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: reqCtx.Channel,
		ChatID:   reqCtx.ChatID,
		Content: fmt.Sprintf("🔐 승인 요청: %s\n%s\n%s%s\n✅ 승인 / ❌ 거절 / ⏸️ 보류 / ⛔ 취소",
			toolName, summarizeParams(params), requestIDToken, req.RequestID),
		At:       s.now(),
		Metadata: models.Metadata{Kind: models.KindApprovalRequest},
	})
	return req
}

// Get returns a request by id.
func (s *Service) Get(requestID string) (*models.ApprovalRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	return req, ok
}

// Pending lists pending requests for a chat, oldest first.
func (s *Service) Pending(provider models.Provider, chatID string) []*models.ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == models.ApprovalPending && req.Context.Channel == provider && req.Context.ChatID == chatID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// HandleTextReply inspects an inbound message for an approval decision.
// It consumes the message (returns true) when an explicit request_id token
// is present, or when a decision token matches a pending request in the
// same chat.
func (s *Service) HandleTextReply(ctx context.Context, msg *models.InboundMessage) bool {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return false
	}
	decision, hasDecision := parseDecision(text)

	var req *models.ApprovalRequest
	if m := requestIDRe.FindStringSubmatch(text); m != nil {
		req, _ = s.Get(m[1])
		if req == nil {
			return false
		}
		if !hasDecision {
			decision = DecisionClarify
		}
	} else {
		if !hasDecision {
			return false
		}
		pending := s.Pending(msg.Provider, msg.ChatID)
		if len(pending) == 0 {
			return false
		}
		req = pending[0] // oldest pending in chat
	}

	s.Decide(ctx, req.RequestID, decision)
	return true
}

// HandleReaction applies a platform reaction decision. messageText is the
// bot-authored message the user reacted to; it must carry the request_id
// token. Duplicate reaction deliveries are ignored via the seen-set.
func (s *Service) HandleReaction(ctx context.Context, provider models.Provider, chatID, messageText string, reactions []string) bool {
	m := requestIDRe.FindStringSubmatch(messageText)
	if m == nil {
		return false
	}
	requestID := m[1]

	var decision Decision
	found := false
	for _, reaction := range reactions {
		if d, ok := reactionDecisions[strings.Trim(reaction, ":")]; ok {
			decision = d
			found = true
			break
		}
	}
	if !found {
		return false
	}

	seenKey := models.ReactionSeenKey(provider, chatID, requestID, string(decision), reactions)
	if s.reactionSeen.CheckAndMark(seenKey, reactionSeenTTL) {
		return false
	}
	s.Decide(ctx, requestID, decision)
	return true
}

// Decide transitions a request. Non-pending requests are left untouched:
// the status machine is monotone and late decisions are ignored.
func (s *Service) Decide(ctx context.Context, requestID string, decision Decision) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	if !ok || req.Status != models.ApprovalPending {
		s.mu.Unlock()
		return
	}
	req.Status = statusFor(decision)
	execute := s.execute
	s.mu.Unlock()

	s.logger.Info(ctx, "approval decided", "request_id", requestID, "decision", string(decision))
	if s.metrics != nil {
		s.metrics.RecordApprovalDecision(string(decision))
	}

	switch decision {
	case DecisionApprove:
		s.runApproved(ctx, req, execute)
	case DecisionDeny:
		s.notify(req, models.KindApprovalResult, deniedNotice)
	case DecisionDefer:
		s.notify(req, models.KindApprovalResult, deferredNotice)
	case DecisionCancel:
		s.notify(req, models.KindApprovalResult, cancelledNotice)
	case DecisionClarify:
		s.notify(req, models.KindApprovalResult, clarifyNotice)
	}
}

func (s *Service) runApproved(ctx context.Context, req *models.ApprovalRequest, execute ExecuteFunc) {
	if execute == nil {
		s.notify(req, models.KindApprovalResult, "⚠️ 실행기가 준비되지 않아 승인된 작업을 실행할 수 없습니다.")
		return
	}
	result, err := execute(ctx, req)
	if err != nil {
		s.logger.Error(ctx, "approved tool failed", "request_id", req.RequestID, "tool", req.ToolName, "error", err)
		s.notify(req, models.KindApprovalResult, fmt.Sprintf("%s\n[tool:%s] error: %s", approvedNotice, req.ToolName, truncate(err.Error(), resultLimit)))
		return
	}
	s.notify(req, models.KindApprovalResult, fmt.Sprintf("%s\n%s", approvedNotice, truncate(result, resultLimit)))
}

// Sweep cancels pending requests older than the TTL and reports how many
// were expired.
func (s *Service) Sweep(ctx context.Context) int {
	s.mu.Lock()
	var expired []*models.ApprovalRequest
	cutoff := s.now().Add(-s.ttl)
	for _, req := range s.requests {
		if req.Status == models.ApprovalPending && req.CreatedAt.Before(cutoff) {
			req.Status = models.ApprovalCancelled
			expired = append(expired, req)
		}
	}
	s.mu.Unlock()

	for _, req := range expired {
		s.logger.Info(ctx, "approval expired", "request_id", req.RequestID, "tool", req.ToolName)
		s.notify(req, models.KindApprovalResult, "⌛ 승인 요청이 만료되어 취소되었습니다. "+requestIDToken+req.RequestID)
	}
	return len(expired)
}

func (s *Service) notify(req *models.ApprovalRequest, kind models.Kind, content string) {
	s.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: req.Context.Channel,
		ChatID:   req.Context.ChatID,
		Content:  content,
		At:       s.now(),
		Metadata: models.Metadata{Kind: kind, TriggerMessageID: req.RequestID},
	})
}

func statusFor(decision Decision) models.ApprovalStatus {
	switch decision {
	case DecisionApprove:
		return models.ApprovalApproved
	case DecisionDeny:
		return models.ApprovalDenied
	case DecisionDefer:
		return models.ApprovalDeferred
	case DecisionCancel:
		return models.ApprovalCancelled
	default:
		return models.ApprovalClarify
	}
}

// parseDecision finds the first decision token in text. Token matching is
// case-insensitive and word-ish: bare "no" inside a longer word does not
// count.
func parseDecision(text string) (Decision, bool) {
	lower := strings.ToLower(text)
	for _, entry := range decisionTokens {
		if isWordToken(entry.token) {
			if containsWord(lower, entry.token) {
				return entry.decision, true
			}
			continue
		}
		if strings.Contains(lower, entry.token) {
			return entry.decision, true
		}
	}
	return DecisionClarify, false
}

func isWordToken(token string) bool {
	for _, r := range token {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isAlnum(text[start-1])
		afterOK := end == len(text) || !isAlnum(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlnum(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || (b >= 'A' && b <= 'Z')
}

func summarizeParams(params map[string]any) string {
	if len(params) == 0 {
		return "(인자 없음)"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, truncate(fmt.Sprintf("%v", params[k]), 200))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
