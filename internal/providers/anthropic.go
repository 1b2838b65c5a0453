package providers

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/marubot/maru/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic adapts the Messages API with SSE streaming.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the adapter.
type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewAnthropic builds the adapter.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{client: anthropic.NewClient(opts...), defaultModel: model}
}

func (p *Anthropic) Name() string           { return "anthropic" }
func (p *Anthropic) SupportsToolLoop() bool { return true }

// Chat streams one completion, invoking req.OnStream per text delta and
// returning the accumulated response.
func (p *Anthropic) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, tool := range req.Tools {
		params.Tools = append(params.Tools, convertAnthropicTool(tool))
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	resp := &ChatResponse{}
	var content strings.Builder
	var reasoning strings.Builder
	var toolCall *models.ToolCall
	var toolInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			resp.Usage.InputTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				toolCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				content.WriteString(delta.Text)
				if req.OnStream != nil && delta.Text != "" {
					req.OnStream(delta.Text)
				}
			case "thinking_delta":
				reasoning.WriteString(delta.Thinking)
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolCall != nil {
				toolCall.Arguments = decodeArguments(toolInput.String())
				resp.ToolCalls = append(resp.ToolCalls, *toolCall)
				toolCall = nil
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			resp.Usage.OutputTokens = int(delta.Usage.OutputTokens)
			if delta.Delta.StopReason != "" {
				resp.FinishReason = normalizeStopReason(string(delta.Delta.StopReason))
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, NewError(p.Name(), err)
	}

	resp.Content = content.String()
	resp.ReasoningContent = reasoning.String()
	if resp.FinishReason == "" {
		resp.FinishReason = "stop"
	}
	return resp, nil
}

func (p *Anthropic) model(override string) string {
	if override != "" {
		return override
	}
	return p.defaultModel
}

func convertAnthropicMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			continue // carried in params.System
		}
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
		}
		if len(blocks) == 0 {
			continue
		}
		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

func convertAnthropicTool(tool ToolDefinition) anthropic.ToolUnionParam {
	schema := anthropic.ToolInputSchemaParam{}
	if raw, err := json.Marshal(tool.Schema); err == nil {
		_ = json.Unmarshal(raw, &schema)
	}
	param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
	if param.OfTool != nil {
		param.OfTool.Description = anthropic.String(tool.Description)
	}
	return param
}

func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args
	}
	_ = json.Unmarshal([]byte(raw), &args)
	return args
}

// normalizeStopReason maps Anthropic stop reasons onto the loop's
// finish_reason vocabulary.
func normalizeStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

func maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return 4096
}
