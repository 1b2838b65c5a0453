// Package channels defines the chat transport contract and the registry
// that routes operations to the per-platform implementations.
package channels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/marubot/maru/pkg/models"
)

// SendResult is the successful outcome of a transport send.
type SendResult struct {
	MessageID string
}

// CommandDescriptor describes one slash command for catalogue sync.
type CommandDescriptor struct {
	Name        string
	Description string
}

// Transport is one platform connection. Reads are pull-based: the router
// polls Read on its tick instead of the transport pushing events.
type Transport interface {
	Provider() models.Provider
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Send delivers msg. The returned error's code (see SendError) decides
	// whether the dispatcher retries.
	Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error)

	// Read returns up to limit messages for chatID in ascending timestamp
	// order, thread replies merged in.
	Read(ctx context.Context, chatID string, limit int) ([]*models.InboundMessage, error)

	EditMessage(ctx context.Context, chatID, messageID, content string) error
	AddReaction(ctx context.Context, chatID, messageID, reaction string) error
	RemoveReaction(ctx context.Context, chatID, messageID, reaction string) error
	SetTyping(ctx context.Context, chatID string, on bool, anchorMessageID string) error

	// ParseAgentMentions extracts @alias references, resolving
	// platform-native mention markup to the bot's alias.
	ParseAgentMentions(content string) []models.Mention

	// SyncCommands registers the slash-command catalogue. Best effort.
	SyncCommands(ctx context.Context, commands []CommandDescriptor) error

	// PollChats lists the chat ids the router polls for this transport.
	PollChats() []string

	// BotID returns the platform identity learned at Start, empty before.
	BotID() string
}

// Send failure codes. These match the dispatcher's non-retryable list; any
// other code is retried.
const (
	CodeInvalidAuth      = "invalid_auth"
	CodeNotAuthed        = "not_authed"
	CodeChannelNotFound  = "channel_not_found"
	CodeChatIDRequired   = "chat_id_required"
	CodeBotTokenMissing  = "bot_token_missing"
	CodePermissionDenied = "permission_denied"
	CodeInvalidArguments = "invalid_arguments"
)

// SendError is a transport failure with a stable code. Error text starts
// with the code so string-level matching and logs agree.
type SendError struct {
	Code string
	Err  error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *SendError) Unwrap() error { return e.Err }

// NewSendError wraps err under a stable code.
func NewSendError(code string, err error) *SendError {
	return &SendError{Code: code, Err: err}
}

// ErrorCode extracts the stable code from err, inspecting both SendError
// values and raw platform error strings (Slack API errors arrive as bare
// code strings).
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Code
	}
	msg := err.Error()
	for _, code := range []string{
		CodeInvalidAuth, CodeNotAuthed, CodeChannelNotFound,
		CodeChatIDRequired, CodeBotTokenMissing, CodePermissionDenied,
		CodeInvalidArguments,
	} {
		if strings.Contains(msg, code) {
			return code
		}
	}
	return ""
}

// NotRegisteredError marks operations against an unknown provider.
type NotRegisteredError struct {
	Provider models.Provider
}

func (e *NotRegisteredError) Error() string {
	return "channel_not_registered:" + string(e.Provider)
}

// \B rejects a word character before the @, so addresses like a@b.com
// are not treated as mentions.
var aliasMentionRe = regexp.MustCompile(`\B@([A-Za-z0-9_.\-가-힣]+)`)

// ParseAliasMentions finds plain-text @alias mentions. Platform transports
// call this after resolving their native mention markup.
func ParseAliasMentions(content string) []models.Mention {
	var out []models.Mention
	for _, m := range aliasMentionRe.FindAllStringSubmatch(content, -1) {
		out = append(out, models.Mention{Alias: strings.ToLower(m[1]), Raw: m[0]})
	}
	return out
}
