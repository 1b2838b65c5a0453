package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/marubot/maru/internal/memory"
)

// MemoryTool exposes the daily and long-term memory stores to the agent.
type MemoryTool struct {
	store *memory.Store
}

func NewMemoryTool(store *memory.Store) *MemoryTool { return &MemoryTool{store: store} }

func (t *MemoryTool) Name() string { return "memory" }

func (t *MemoryTool) Description() string {
	return "Read, append, and search the bot's daily and long-term memory."
}

func (t *MemoryTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"action": map[string]any{
			"type":        "string",
			"description": "One of: read_daily, append_daily, read_longterm, append_longterm, search.",
		},
		"text": map[string]any{
			"type":        "string",
			"description": "Text to append (append actions) or the search query.",
		},
		"day": map[string]any{
			"type":        "string",
			"description": "Day key YYYY-MM-DD for daily actions; defaults to today (KST).",
		},
		"filter": map[string]any{
			"type":        "string",
			"description": "Search tier: all, daily, longterm. Defaults to all.",
		},
	}, "action")
}

func (t *MemoryTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	action := strings.ToLower(stringParam(params, "action"))
	text := stringParam(params, "text")
	day := stringParam(params, "day")
	if day == "" {
		day = t.store.Today()
	}

	switch action {
	case "read_daily":
		content, err := t.store.ReadDaily(ctx, day)
		if err != nil {
			return "", err
		}
		if content == "" {
			return fmt.Sprintf("(%s 메모 없음)", day), nil
		}
		return content, nil
	case "append_daily":
		if text == "" {
			return "", fmt.Errorf("text is required for append_daily")
		}
		if err := t.store.AppendDaily(ctx, day, text); err != nil {
			return "", err
		}
		return fmt.Sprintf("appended to daily memory %s", day), nil
	case "read_longterm":
		content, err := t.store.ReadLongterm(ctx)
		if err != nil {
			return "", err
		}
		if content == "" {
			return "(장기 메모 없음)", nil
		}
		return content, nil
	case "append_longterm":
		if text == "" {
			return "", fmt.Errorf("text is required for append_longterm")
		}
		if err := t.store.AppendLongterm(ctx, text); err != nil {
			return "", err
		}
		return "appended to long-term memory", nil
	case "search":
		if text == "" {
			return "", fmt.Errorf("text is required for search")
		}
		filter := memory.Filter(strings.ToLower(stringParam(params, "filter")))
		switch filter {
		case memory.FilterDaily, memory.FilterLongterm:
		default:
			filter = memory.FilterAll
		}
		hits, err := t.store.Search(ctx, text, filter)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "(검색 결과 없음)", nil
		}
		var b strings.Builder
		for _, hit := range hits {
			fmt.Fprintf(&b, "[%s] %s\n", hit.Source, hit.Text)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	default:
		return "", fmt.Errorf("unknown memory action %q", action)
	}
}
