package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

// SpawnRequest describes one subagent run.
type SpawnRequest struct {
	SubagentID string
	Objective  string
	Channel    models.Provider
	ChatID     string
}

// SpawnRunner executes a subagent objective and returns its final reply.
// Installed at wiring time; the tool never imports the agent loop.
type SpawnRunner func(ctx context.Context, req SpawnRequest) (string, error)

// SpawnTool forks a sibling agent run that works on an objective in the
// background and reports back into the originating chat. Blocked from
// cron via the registry's origin policy.
type SpawnTool struct {
	bus    *bus.Bus
	logger *observability.Logger
	runner SpawnRunner
	now    func() time.Time

	mu      sync.Mutex
	channel models.Provider
	chatID  string

	wg sync.WaitGroup
}

func NewSpawnTool(b *bus.Bus, logger *observability.Logger) *SpawnTool {
	return &SpawnTool{bus: b, logger: logger, now: time.Now}
}

// SetRunner installs the subagent executor (two-phase wiring).
func (t *SpawnTool) SetRunner(runner SpawnRunner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runner = runner
}

// Wait blocks until all spawned subagents finish. For shutdown and tests.
func (t *SpawnTool) Wait() { t.wg.Wait() }

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Spawn a background subagent to work on an objective and report back to this chat."
}

func (t *SpawnTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"objective": map[string]any{"type": "string", "description": "What the subagent should do."},
	}, "objective")
}

func (t *SpawnTool) SetRuntimeContext(channel models.Provider, chatID, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, params map[string]any, execCtx ExecContext) (string, error) {
	objective := stringParam(params, "objective")
	if objective == "" {
		return "", fmt.Errorf("objective is required")
	}
	t.mu.Lock()
	runner, channel, chatID := t.runner, t.channel, t.chatID
	t.mu.Unlock()
	if execCtx.Channel != "" && execCtx.ChatID != "" {
		channel, chatID = execCtx.Channel, execCtx.ChatID
	}
	if runner == nil {
		return "", fmt.Errorf("subagent runner is not configured")
	}
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("spawn needs a conversation context")
	}

	id := uuid.NewString()[:8]
	sender := "subagent:" + id
	t.announce(sender, channel, chatID, fmt.Sprintf("🧵 subagent %s 시작: %s", id, truncate(objective, 200)))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		// Detached from the caller's turn; the subagent outlives it.
		result, err := runner(context.Background(), SpawnRequest{
			SubagentID: id,
			Objective:  objective,
			Channel:    channel,
			ChatID:     chatID,
		})
		if err != nil {
			t.logger.Error(context.Background(), "subagent failed", "subagent_id", id, "error", err)
			t.announce(sender, channel, chatID, fmt.Sprintf("🔴 subagent %s 실패: %s", id, truncate(err.Error(), 300)))
			return
		}
		t.announce(sender, channel, chatID, fmt.Sprintf("🟢 subagent %s 완료\n%s", id, truncate(result, 1200)))
	}()

	return fmt.Sprintf("subagent %s spawned", id), nil
}

func (t *SpawnTool) announce(sender string, channel models.Provider, chatID, text string) {
	t.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: channel,
		ChatID:   chatID,
		SenderID: sender,
		Content:  text,
		At:       t.now(),
		Metadata: models.Metadata{Kind: models.KindAgentStatus},
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
