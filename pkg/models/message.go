package models

import (
	"time"
)

// Provider identifies a chat platform.
type Provider string

const (
	ProviderSlack    Provider = "slack"
	ProviderDiscord  Provider = "discord"
	ProviderTelegram Provider = "telegram"

	// ProviderSystem marks messages synthesized in-process (cron, subagents).
	ProviderSystem Provider = "system"
)

// Kind classifies an outbound message for rendering, dedupe, and audit.
type Kind string

const (
	KindAgentReply      Kind = "agent_reply"
	KindAgentStream     Kind = "agent_stream"
	KindAgentStatus     Kind = "agent_status"
	KindAgentError      Kind = "agent_error"
	KindApprovalRequest Kind = "approval_request"
	KindApprovalResult  Kind = "approval_result"
	KindCommandReply    Kind = "command_reply"
	KindCommandError    Kind = "command_error"
	KindCronEvent       Kind = "cron_event"
	KindCronResult      Kind = "cron_result"
	KindCronFailed      Kind = "cron_failed"
	KindFileRequest     Kind = "file_request"
	KindWorkflowEvent   Kind = "workflow_event"
	KindTaskRecovery    Kind = "task_recovery"
)

// MediaType categorizes an attachment.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaAudio MediaType = "audio"
	MediaFile  MediaType = "file"
	MediaLink  MediaType = "link"
)

// MediaItem is an attachment carried alongside message text.
// URL may be a remote address or a local filesystem path.
type MediaItem struct {
	Type MediaType `json:"type"`
	URL  string    `json:"url"`
	Mime string    `json:"mime,omitempty"`
	Name string    `json:"name,omitempty"`
	Size int64     `json:"size,omitempty"`
}

// Mention is one parsed @alias reference inside message text.
type Mention struct {
	Alias string `json:"alias"`
	Raw   string `json:"raw"`
}

// Metadata carries the closed set of well-known message annotations.
// Platform-native payloads that have no typed field go into Extra.
type Metadata struct {
	Kind             Kind           `json:"kind,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	TriggerMessageID string         `json:"trigger_message_id,omitempty"`
	AgentAlias       string         `json:"agent_alias,omitempty"`
	RenderMode       string         `json:"render_mode,omitempty"`
	DispatchRetry    int            `json:"dispatch_retry,omitempty"`
	Mentions         []Mention      `json:"mentions,omitempty"`
	FromBot          bool           `json:"from_bot,omitempty"`
	Subtype          string         `json:"subtype,omitempty"`
	Empty            bool           `json:"empty,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// InboundMessage is the canonical form of a message read from a platform.
// Instances are immutable once published to the bus.
type InboundMessage struct {
	ID       string      `json:"id"`
	Provider Provider    `json:"provider"`
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id"`
	Content  string      `json:"content"`
	At       time.Time   `json:"at"`
	ThreadID string      `json:"thread_id,omitempty"`
	Media    []MediaItem `json:"media,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// OutboundMessage is a message queued for delivery to a platform.
type OutboundMessage struct {
	ID       string      `json:"id"`
	Provider Provider    `json:"provider"`
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id,omitempty"`
	Content  string      `json:"content"`
	At       time.Time   `json:"at"`
	ThreadID string      `json:"thread_id,omitempty"`
	ReplyTo  string      `json:"reply_to,omitempty"`
	Media    []MediaItem `json:"media,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// Clone returns a deep copy safe to mutate independently.
func (m *OutboundMessage) Clone() *OutboundMessage {
	if m == nil {
		return nil
	}
	out := *m
	if len(m.Media) > 0 {
		out.Media = make([]MediaItem, len(m.Media))
		copy(out.Media, m.Media)
	}
	if len(m.Metadata.Mentions) > 0 {
		out.Metadata.Mentions = make([]Mention, len(m.Metadata.Mentions))
		copy(out.Metadata.Mentions, m.Metadata.Mentions)
	}
	if m.Metadata.Extra != nil {
		extra := make(map[string]any, len(m.Metadata.Extra))
		for k, v := range m.Metadata.Extra {
			extra[k] = v
		}
		out.Metadata.Extra = extra
	}
	return &out
}

// ToolCall is one tool invocation requested by the LLM, either structured
// or recovered from response text by the implicit parser.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}
