package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/pkg/models"
)

// FileRequestMarker prefixes the outbound prompt asking the user to
// upload a file. The orchestrator suppresses the normal agent reply when
// a turn emitted one.
const FileRequestMarker = "[FILE_REQUEST]"

// RequestFileTool asks the user to upload a file to the current chat.
type RequestFileTool struct {
	bus *bus.Bus
	now func() time.Time

	mu      sync.Mutex
	channel models.Provider
	chatID  string
	replyTo string
}

func NewRequestFileTool(b *bus.Bus) *RequestFileTool {
	return &RequestFileTool{bus: b, now: time.Now}
}

func (t *RequestFileTool) Name() string { return "request_file" }

func (t *RequestFileTool) Description() string {
	return "Ask the user to upload a file, optionally naming accepted formats."
}

func (t *RequestFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"prompt": map[string]any{"type": "string", "description": "What to ask the user for."},
		"formats": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "Accepted file formats, e.g. [\"csv\", \"xlsx\"].",
		},
	}, "prompt")
}

func (t *RequestFileTool) SetRuntimeContext(channel models.Provider, chatID, replyTo string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
	t.replyTo = replyTo
}

func (t *RequestFileTool) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error) {
	prompt := stringParam(params, "prompt")
	if prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	provider, chatID, replyTo := execCtx.Channel, execCtx.ChatID, execCtx.ReplyTo
	if provider == "" || chatID == "" {
		t.mu.Lock()
		provider, chatID, replyTo = t.channel, t.chatID, t.replyTo
		t.mu.Unlock()
	}
	if provider == "" || chatID == "" {
		return "", fmt.Errorf("request_file needs a conversation context")
	}

	content := FileRequestMarker + " " + prompt
	if formats := stringSliceParam(params, "formats"); len(formats) > 0 {
		content += fmt.Sprintf(" (formats: %s)", strings.Join(formats, ", "))
	}

	t.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: provider,
		ChatID:   chatID,
		ReplyTo:  replyTo,
		Content:  content,
		At:       t.now(),
		Metadata: models.Metadata{Kind: models.KindFileRequest},
	})
	return FileRequestMarker + " 파일 업로드 요청을 보냈습니다.", nil
}
