// Package slack implements the Slack transport over the Web API. Reads
// poll conversations.history and merge recent thread replies; sends post
// chunked messages and upload local files.
package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/pkg/models"
)

// threadMergeLimit caps how many parent threads one Read expands.
const threadMergeLimit = 5

var userMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)

// client is the Web API slice this transport uses. *slack.Client satisfies
// it; tests substitute a fake.
type client interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	UploadFileV2Context(ctx context.Context, params slack.UploadFileV2Parameters) (*slack.FileSummary, error)
}

// Config configures the Slack transport.
type Config struct {
	BotToken       string
	DefaultChannel string
	Alias          string // agent alias a bot-user mention resolves to
}

// Transport is the Slack implementation of channels.Transport.
type Transport struct {
	cfg    Config
	api    client
	botUID string // set once in Start
}

// New builds the transport. The API client is created from cfg.BotToken.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, api: slack.New(cfg.BotToken)}
}

// NewWithClient builds the transport over a caller-supplied client.
func NewWithClient(cfg Config, api client) *Transport {
	return &Transport{cfg: cfg, api: api}
}

func (t *Transport) Provider() models.Provider { return models.ProviderSlack }

// Start authenticates and learns the bot user id for mention resolution.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.BotToken == "" {
		return channels.NewSendError(channels.CodeBotTokenMissing, nil)
	}
	resp, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	t.botUID = resp.UserID
	return nil
}

func (t *Transport) Stop(context.Context) error { return nil }

func (t *Transport) BotID() string { return t.botUID }

// PollChats returns the configured default channel.
func (t *Transport) PollChats() []string {
	if t.cfg.DefaultChannel == "" {
		return nil
	}
	return []string{t.cfg.DefaultChannel}
}

// Send posts msg, chunking long content. The first posted timestamp is the
// canonical message id. Local media files are uploaded after the text.
func (t *Transport) Send(ctx context.Context, msg *models.OutboundMessage) (*channels.SendResult, error) {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.cfg.DefaultChannel
	}
	if chatID == "" {
		return nil, channels.NewSendError(channels.CodeChatIDRequired, nil)
	}

	var firstTS string
	for _, chunk := range channels.Chunk(msg.Content, channels.SlackMaxMessageRunes) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if msg.ReplyTo != "" {
			opts = append(opts, slack.MsgOptionTS(msg.ReplyTo))
		}
		_, ts, err := t.api.PostMessageContext(ctx, chatID, opts...)
		if err != nil {
			return nil, err
		}
		if firstTS == "" {
			firstTS = ts
		}
	}

	for _, item := range msg.Media {
		if err := t.sendMedia(ctx, chatID, msg.ReplyTo, item); err != nil {
			return nil, err
		}
	}
	return &channels.SendResult{MessageID: firstTS}, nil
}

func (t *Transport) sendMedia(ctx context.Context, chatID, threadTS string, item models.MediaItem) error {
	// Remote references post as links; only local files upload.
	if strings.HasPrefix(item.URL, "http://") || strings.HasPrefix(item.URL, "https://") {
		_, _, err := t.api.PostMessageContext(ctx, chatID, slack.MsgOptionText(item.URL, false))
		return err
	}
	info, err := os.Stat(item.URL)
	if err != nil {
		return channels.NewSendError(channels.CodeInvalidArguments, err)
	}
	name := item.Name
	if name == "" {
		name = filepath.Base(item.URL)
	}
	_, err = t.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Channel:         chatID,
		File:            item.URL,
		Filename:        name,
		FileSize:        int(info.Size()),
		ThreadTimestamp: threadTS,
	})
	return err
}

// Read returns the newest limit messages in chatID plus replies from up to
// threadMergeLimit recent threads, ascending by timestamp.
func (t *Transport) Read(ctx context.Context, chatID string, limit int) ([]*models.InboundMessage, error) {
	if chatID == "" {
		chatID = t.cfg.DefaultChannel
	}
	hist, err := t.api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: chatID,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}

	var out []*models.InboundMessage
	var threads []string
	for i := range hist.Messages {
		m := &hist.Messages[i]
		out = append(out, t.convert(chatID, m))
		if m.ReplyCount > 0 && len(threads) < threadMergeLimit {
			threads = append(threads, m.Timestamp)
		}
	}

	for _, parent := range threads {
		replies, _, _, err := t.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: chatID,
			Timestamp: parent,
			Limit:     limit,
		})
		if err != nil {
			continue
		}
		for i := range replies {
			m := &replies[i]
			if m.Timestamp == parent {
				continue
			}
			out = append(out, t.convert(chatID, m))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (t *Transport) convert(chatID string, m *slack.Message) *models.InboundMessage {
	threadID := m.ThreadTimestamp
	if threadID == m.Timestamp {
		threadID = "" // parents are root messages, not replies
	}
	in := &models.InboundMessage{
		ID:       m.Timestamp,
		Provider: models.ProviderSlack,
		ChatID:   chatID,
		SenderID: m.User,
		Content:  m.Text,
		At:       tsToTime(m.Timestamp),
		ThreadID: threadID,
		Metadata: models.Metadata{
			MessageID: m.Timestamp,
			FromBot:   m.BotID != "",
			Subtype:   m.SubType,
			Mentions:  t.ParseAgentMentions(m.Text),
		},
	}
	if m.User == "" && m.BotID != "" {
		in.SenderID = m.BotID
	}
	if len(m.Reactions) > 0 {
		names := make([]string, 0, len(m.Reactions))
		for _, r := range m.Reactions {
			names = append(names, r.Name)
		}
		in.Metadata.Extra = map[string]any{"reactions": names}
	}
	for _, f := range m.Files {
		in.Media = append(in.Media, models.MediaItem{
			Type: mediaType(f.Mimetype),
			URL:  f.URLPrivateDownload,
			Mime: f.Mimetype,
			Name: f.Name,
			Size: int64(f.Size),
		})
	}
	return in
}

// EditMessage rewrites a previously sent message. Used by stream updates.
func (t *Transport) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	_, _, _, err := t.api.UpdateMessageContext(ctx, chatID, messageID,
		slack.MsgOptionText(content, false))
	return err
}

func (t *Transport) AddReaction(ctx context.Context, chatID, messageID, reaction string) error {
	return t.api.AddReactionContext(ctx, strings.Trim(reaction, ":"),
		slack.ItemRef{Channel: chatID, Timestamp: messageID})
}

func (t *Transport) RemoveReaction(ctx context.Context, chatID, messageID, reaction string) error {
	return t.api.RemoveReactionContext(ctx, strings.Trim(reaction, ":"),
		slack.ItemRef{Channel: chatID, Timestamp: messageID})
}

// SetTyping is a no-op: the Web API has no typing indicator.
func (t *Transport) SetTyping(context.Context, string, bool, string) error { return nil }

// SyncCommands is a no-op: Slack slash commands live in the app manifest.
func (t *Transport) SyncCommands(context.Context, []channels.CommandDescriptor) error { return nil }

// ParseAgentMentions resolves <@UBOT> markup to the configured alias and
// collects plain @alias mentions.
func (t *Transport) ParseAgentMentions(content string) []models.Mention {
	var out []models.Mention
	for _, m := range userMentionRe.FindAllStringSubmatch(content, -1) {
		if t.botUID != "" && m[1] == t.botUID {
			out = append(out, models.Mention{Alias: strings.ToLower(t.cfg.Alias), Raw: m[0]})
		}
	}
	return append(out, channels.ParseAliasMentions(content)...)
}

// tsToTime parses a Slack "seconds.micros" timestamp.
func tsToTime(ts string) time.Time {
	sec, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		if m, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = m
		}
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}

func mediaType(mime string) models.MediaType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return models.MediaImage
	case strings.HasPrefix(mime, "video/"):
		return models.MediaVideo
	case strings.HasPrefix(mime, "audio/"):
		return models.MediaAudio
	default:
		return models.MediaFile
	}
}
