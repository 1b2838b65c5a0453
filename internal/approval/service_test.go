package approval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

func newTestService(t *testing.T) (*Service, *bus.Bus) {
	t.Helper()
	b := bus.New()
	svc := NewService(b, observability.NewTestLogger(), nil)
	return svc, b
}

func drainOutbound(t *testing.T, b *bus.Bus) []*models.OutboundMessage {
	t.Helper()
	var out []*models.OutboundMessage
	for {
		msg, ok := b.ConsumeOutbound(context.Background(), 50*time.Millisecond)
		if !ok {
			return out
		}
		out = append(out, msg)
	}
}

func testContext() models.ApprovalContext {
	return models.ApprovalContext{Channel: models.ProviderSlack, ChatID: "C1", SenderID: "U1"}
}

func TestRequestPublishesPromptWithRequestID(t *testing.T) {
	svc, b := newTestService(t)

	req := svc.Request(context.Background(), "exec", map[string]any{"command": "rm -rf ./tmp"}, testContext())
	if req.Status != models.ApprovalPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}

	msgs := drainOutbound(t, b)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].Metadata.Kind != models.KindApprovalRequest {
		t.Errorf("kind = %s, want approval_request", msgs[0].Metadata.Kind)
	}
	if !strings.Contains(msgs[0].Content, "request_id:"+req.RequestID) {
		t.Errorf("prompt missing request_id token: %q", msgs[0].Content)
	}
}

func TestTextReplyApprovesOldestPending(t *testing.T) {
	svc, b := newTestService(t)
	now := time.Unix(1000, 0)
	svc.WithNow(func() time.Time { return now })

	first := svc.Request(context.Background(), "exec", nil, testContext())
	now = now.Add(time.Second)
	second := svc.Request(context.Background(), "write_file", nil, testContext())
	drainOutbound(t, b)

	executed := ""
	svc.SetExecutor(func(ctx context.Context, req *models.ApprovalRequest) (string, error) {
		executed = req.RequestID
		return "done", nil
	})

	consumed := svc.HandleTextReply(context.Background(), &models.InboundMessage{
		Provider: models.ProviderSlack, ChatID: "C1", SenderID: "U1", Content: "yes",
	})
	if !consumed {
		t.Fatal("decision reply not consumed")
	}
	if executed != first.RequestID {
		t.Errorf("executed %s, want oldest pending %s", executed, first.RequestID)
	}
	if got, _ := svc.Get(first.RequestID); got.Status != models.ApprovalApproved {
		t.Errorf("first status = %s, want approved", got.Status)
	}
	if got, _ := svc.Get(second.RequestID); got.Status != models.ApprovalPending {
		t.Errorf("second status = %s, want pending", got.Status)
	}

	msgs := drainOutbound(t, b)
	if len(msgs) != 1 {
		t.Fatalf("published %d result messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "✅ 승인 반영 완료") {
		t.Errorf("result content = %q", msgs[0].Content)
	}
	if msgs[0].Metadata.Kind != models.KindApprovalResult {
		t.Errorf("kind = %s, want approval_result", msgs[0].Metadata.Kind)
	}
}

func TestExplicitRequestIDBindsSpecificRequest(t *testing.T) {
	svc, b := newTestService(t)
	now := time.Unix(1000, 0)
	svc.WithNow(func() time.Time { return now })

	_ = svc.Request(context.Background(), "exec", nil, testContext())
	now = now.Add(time.Second)
	second := svc.Request(context.Background(), "write_file", nil, testContext())
	drainOutbound(t, b)

	svc.HandleTextReply(context.Background(), &models.InboundMessage{
		Provider: models.ProviderSlack, ChatID: "C1", Content: "거절 request_id:" + second.RequestID,
	})
	if got, _ := svc.Get(second.RequestID); got.Status != models.ApprovalDenied {
		t.Errorf("status = %s, want denied", got.Status)
	}
}

func TestAmbiguousReplyWithRequestIDAsksForClarification(t *testing.T) {
	svc, b := newTestService(t)
	req := svc.Request(context.Background(), "exec", nil, testContext())
	drainOutbound(t, b)

	consumed := svc.HandleTextReply(context.Background(), &models.InboundMessage{
		Provider: models.ProviderSlack, ChatID: "C1", Content: "음 request_id:" + req.RequestID,
	})
	if !consumed {
		t.Fatal("reply with request_id token should be consumed")
	}
	if got, _ := svc.Get(req.RequestID); got.Status != models.ApprovalClarify {
		t.Errorf("status = %s, want clarify", got.Status)
	}
}

func TestPlainChatWithoutPendingIsNotConsumed(t *testing.T) {
	svc, _ := newTestService(t)
	consumed := svc.HandleTextReply(context.Background(), &models.InboundMessage{
		Provider: models.ProviderSlack, ChatID: "C1", Content: "yes let's do it",
	})
	if consumed {
		t.Error("reply consumed with no pending requests")
	}
}

func TestDecisionTokensDoNotMatchInsideWords(t *testing.T) {
	svc, b := newTestService(t)
	svc.Request(context.Background(), "exec", nil, testContext())
	drainOutbound(t, b)

	consumed := svc.HandleTextReply(context.Background(), &models.InboundMessage{
		Provider: models.ProviderSlack, ChatID: "C1", Content: "nothing yet",
	})
	if consumed {
		t.Error("'nothing' should not match the 'no' token")
	}
}

func TestStatusIsMonotone(t *testing.T) {
	svc, b := newTestService(t)
	req := svc.Request(context.Background(), "exec", nil, testContext())
	drainOutbound(t, b)

	svc.Decide(context.Background(), req.RequestID, DecisionDeny)
	svc.Decide(context.Background(), req.RequestID, DecisionApprove)

	if got, _ := svc.Get(req.RequestID); got.Status != models.ApprovalDenied {
		t.Errorf("status = %s, want denied to stick", got.Status)
	}
	// Only the deny notice should have been published.
	if msgs := drainOutbound(t, b); len(msgs) != 1 {
		t.Errorf("published %d messages after two decisions, want 1", len(msgs))
	}
}

func TestReactionApprovesAndDuplicateIsIgnored(t *testing.T) {
	svc, b := newTestService(t)
	req := svc.Request(context.Background(), "exec", nil, testContext())
	prompt := drainOutbound(t, b)[0].Content

	calls := 0
	svc.SetExecutor(func(ctx context.Context, r *models.ApprovalRequest) (string, error) {
		calls++
		return "ok", nil
	})

	if !svc.HandleReaction(context.Background(), models.ProviderSlack, "C1", prompt, []string{"white_check_mark"}) {
		t.Fatal("reaction not handled")
	}
	if svc.HandleReaction(context.Background(), models.ProviderSlack, "C1", prompt, []string{"white_check_mark"}) {
		t.Error("duplicate reaction delivery should be ignored")
	}
	if calls != 1 {
		t.Errorf("executor ran %d times, want 1", calls)
	}
	if got, _ := svc.Get(req.RequestID); got.Status != models.ApprovalApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
}

func TestReactionWithoutMappingIgnored(t *testing.T) {
	svc, b := newTestService(t)
	svc.Request(context.Background(), "exec", nil, testContext())
	prompt := drainOutbound(t, b)[0].Content

	if svc.HandleReaction(context.Background(), models.ProviderSlack, "C1", prompt, []string{"eyes"}) {
		t.Error("unmapped reaction should not resolve a decision")
	}
}

func TestExecutorErrorStillReportsApproval(t *testing.T) {
	svc, b := newTestService(t)
	req := svc.Request(context.Background(), "exec", nil, testContext())
	drainOutbound(t, b)

	svc.SetExecutor(func(ctx context.Context, r *models.ApprovalRequest) (string, error) {
		return "", context.DeadlineExceeded
	})
	svc.Decide(context.Background(), req.RequestID, DecisionApprove)

	msgs := drainOutbound(t, b)
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, "✅ 승인 반영 완료") || !strings.Contains(msgs[0].Content, "error:") {
		t.Errorf("result should carry approval notice and error, got %q", msgs[0].Content)
	}
}

func TestApprovedResultTruncated(t *testing.T) {
	svc, b := newTestService(t)
	req := svc.Request(context.Background(), "exec", nil, testContext())
	drainOutbound(t, b)

	svc.SetExecutor(func(ctx context.Context, r *models.ApprovalRequest) (string, error) {
		return strings.Repeat("x", 5000), nil
	})
	svc.Decide(context.Background(), req.RequestID, DecisionApprove)

	msgs := drainOutbound(t, b)
	if len(msgs[0].Content) > len("✅ 승인 반영 완료\n")+resultLimit+len("…") {
		t.Errorf("result not truncated: %d bytes", len(msgs[0].Content))
	}
}

func TestSweepCancelsExpiredPending(t *testing.T) {
	svc, b := newTestService(t)
	now := time.Unix(1000, 0)
	svc.WithNow(func() time.Time { return now }).WithTTL(10 * time.Minute)

	old := svc.Request(context.Background(), "exec", nil, testContext())
	now = now.Add(11 * time.Minute)
	fresh := svc.Request(context.Background(), "write_file", nil, testContext())
	drainOutbound(t, b)

	if n := svc.Sweep(context.Background()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if got, _ := svc.Get(old.RequestID); got.Status != models.ApprovalCancelled {
		t.Errorf("old status = %s, want cancelled", got.Status)
	}
	if got, _ := svc.Get(fresh.RequestID); got.Status != models.ApprovalPending {
		t.Errorf("fresh status = %s, want pending", got.Status)
	}
	msgs := drainOutbound(t, b)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, old.RequestID) {
		t.Errorf("expiry notice missing, got %v messages", len(msgs))
	}
}
