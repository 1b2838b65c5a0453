package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/pkg/models"
)

// MessageTool sends a message to an arbitrary registered chat. Without an
// explicit target it falls back to the conversation the call came from.
type MessageTool struct {
	bus *bus.Bus
	now func() time.Time

	mu      sync.Mutex
	channel models.Provider
	chatID  string
	replyTo string
}

func NewMessageTool(b *bus.Bus) *MessageTool {
	return &MessageTool{bus: b, now: time.Now}
}

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Send a chat message. Defaults to the current conversation; provider and chat_id select another chat."
}

func (t *MessageTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"text":     map[string]any{"type": "string", "description": "Message text to send."},
		"provider": map[string]any{"type": "string", "description": "Target platform: slack, discord, telegram."},
		"chat_id":  map[string]any{"type": "string", "description": "Target chat id."},
	}, "text")
}

func (t *MessageTool) SetRuntimeContext(channel models.Provider, chatID, replyTo string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
	t.replyTo = replyTo
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error) {
	text := stringParam(params, "text")
	if text == "" {
		return "", fmt.Errorf("text is required")
	}

	// The per-call context wins; the stored context is a fallback for
	// callers outside a conversation. Concurrent conversations would
	// otherwise race through SetRuntimeContext.
	provider, chatID := execCtx.Channel, execCtx.ChatID
	if provider == "" || chatID == "" {
		t.mu.Lock()
		provider, chatID = t.channel, t.chatID
		t.mu.Unlock()
	}
	if p := stringParam(params, "provider"); p != "" {
		provider = models.Provider(p)
	}
	if c := stringParam(params, "chat_id"); c != "" {
		chatID = c
	}
	if provider == "" || chatID == "" {
		return "", fmt.Errorf("no target chat: provider and chat_id are required outside a conversation")
	}

	t.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: provider,
		ChatID:   chatID,
		Content:  text,
		At:       t.now(),
		Metadata: models.Metadata{Kind: models.KindAgentReply},
	})
	return fmt.Sprintf("message queued for %s:%s", provider, chatID), nil
}
