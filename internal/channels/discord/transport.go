// Package discord implements the Discord transport over the REST API.
// Reads poll ChannelMessages; no gateway websocket is held open, so the
// transport works behind the same poll loop as the other platforms.
package discord

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/pkg/models"
)

var userMentionRe = regexp.MustCompile(`<@!?(\d+)>`)

// session is the REST slice this transport uses. *discordgo.Session
// satisfies it; tests substitute a fake.
type session interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// Config configures the Discord transport.
type Config struct {
	BotToken       string
	DefaultChannel string
	Alias          string
}

// Transport is the Discord implementation of channels.Transport.
type Transport struct {
	cfg    Config
	api    session
	botUID string
}

// New builds the transport from cfg.BotToken.
func New(cfg Config) (*Transport, error) {
	s, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, api: s}, nil
}

// NewWithSession builds the transport over a caller-supplied session.
func NewWithSession(cfg Config, api session) *Transport {
	return &Transport{cfg: cfg, api: api}
}

func (t *Transport) Provider() models.Provider { return models.ProviderDiscord }

// Start validates the token and learns the bot user id.
func (t *Transport) Start(context.Context) error {
	if t.cfg.BotToken == "" {
		return channels.NewSendError(channels.CodeBotTokenMissing, nil)
	}
	me, err := t.api.User("@me")
	if err != nil {
		return channels.NewSendError(channels.CodeInvalidAuth, err)
	}
	t.botUID = me.ID
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

// Send posts msg, chunking long content; ReplyTo becomes a message
// reference on the first chunk. Local media paths post as plain links.
func (t *Transport) Send(ctx context.Context, msg *models.OutboundMessage) (*channels.SendResult, error) {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.cfg.DefaultChannel
	}
	if chatID == "" {
		return nil, channels.NewSendError(channels.CodeChatIDRequired, nil)
	}

	var firstID string
	for i, chunk := range channels.Chunk(msg.Content, channels.DiscordMaxMessageRunes) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{
				MessageID: msg.ReplyTo,
				ChannelID: chatID,
			}
		}
		sent, err := t.api.ChannelMessageSendComplex(chatID, data)
		if err != nil {
			return nil, err
		}
		if firstID == "" {
			firstID = sent.ID
		}
	}

	for _, item := range msg.Media {
		if _, err := t.api.ChannelMessageSendComplex(chatID, &discordgo.MessageSend{Content: item.URL}); err != nil {
			return nil, err
		}
	}
	return &channels.SendResult{MessageID: firstID}, nil
}

// Read returns the newest limit messages ascending by timestamp.
func (t *Transport) Read(_ context.Context, chatID string, limit int) ([]*models.InboundMessage, error) {
	if chatID == "" {
		chatID = t.cfg.DefaultChannel
	}
	msgs, err := t.api.ChannelMessages(chatID, limit, "", "", "")
	if err != nil {
		return nil, err
	}
	out := make([]*models.InboundMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, t.convert(chatID, m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}

func (t *Transport) convert(chatID string, m *discordgo.Message) *models.InboundMessage {
	in := &models.InboundMessage{
		ID:       m.ID,
		Provider: models.ProviderDiscord,
		ChatID:   chatID,
		Content:  m.Content,
		At:       m.Timestamp.UTC(),
		Metadata: models.Metadata{
			MessageID: m.ID,
			Mentions:  t.ParseAgentMentions(m.Content),
		},
	}
	if m.Author != nil {
		in.SenderID = m.Author.ID
		in.Metadata.FromBot = m.Author.Bot
	}
	if ref := m.MessageReference; ref != nil {
		in.ThreadID = ref.MessageID
	}
	for _, att := range m.Attachments {
		in.Media = append(in.Media, models.MediaItem{
			Type: mediaType(att.ContentType),
			URL:  att.URL,
			Mime: att.ContentType,
			Name: att.Filename,
			Size: int64(att.Size),
		})
	}
	return in
}

func (t *Transport) EditMessage(_ context.Context, chatID, messageID, content string) error {
	_, err := t.api.ChannelMessageEdit(chatID, messageID, content)
	return err
}

func (t *Transport) AddReaction(_ context.Context, chatID, messageID, reaction string) error {
	return t.api.MessageReactionAdd(chatID, messageID, reaction)
}

func (t *Transport) RemoveReaction(_ context.Context, chatID, messageID, reaction string) error {
	return t.api.MessageReactionRemove(chatID, messageID, reaction, "@me")
}

func (t *Transport) SetTyping(_ context.Context, chatID string, on bool, _ string) error {
	if !on {
		return nil // Discord typing expires on its own
	}
	return t.api.ChannelTyping(chatID)
}

// SyncCommands registers the slash-command catalogue globally.
func (t *Transport) SyncCommands(_ context.Context, commands []channels.CommandDescriptor) error {
	if t.botUID == "" {
		return nil
	}
	out := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		out = append(out, &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		})
	}
	_, err := t.api.ApplicationCommandBulkOverwrite(t.botUID, "", out)
	return err
}

// ParseAgentMentions resolves <@123> markup to the configured alias and
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
