// Package telegram implements the Telegram transport over go-telegram/bot.
// Updates arrive through the library's long-polling loop into an internal
// buffer; Read drains the buffer for the requested chat.
package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/pkg/models"
)

// client is the Bot API slice this transport uses. *bot.Bot satisfies it;
// tests substitute a fake.
type client interface {
	GetMe(ctx context.Context) (*tgmodels.User, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	SetMessageReaction(ctx context.Context, params *bot.SetMessageReactionParams) (bool, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	SetMyCommands(ctx context.Context, params *bot.SetMyCommandsParams) (bool, error)
	Start(ctx context.Context)
}

// Config configures the Telegram transport.
type Config struct {
	BotToken       string
	DefaultChannel string
	Alias          string
}

// Transport is the Telegram implementation of channels.Transport.
type Transport struct {
	cfg     Config
	api     client
	botName string

	mu     sync.Mutex
	buffer []*models.InboundMessage
	cancel context.CancelFunc
}

// New builds the transport. The update handler feeds the internal buffer.
func New(cfg Config) (*Transport, error) {
	t := &Transport{cfg: cfg}
	b, err := bot.New(cfg.BotToken, bot.WithDefaultHandler(t.onUpdate))
	if err != nil {
		return nil, err
	}
	t.api = b
	return t, nil
}

// NewWithClient builds the transport over a caller-supplied client. The
// caller pushes updates through Push.
func NewWithClient(cfg Config, api client) *Transport {
	return &Transport{cfg: cfg, api: api}
}

func (t *Transport) Provider() models.Provider { return models.ProviderTelegram }

// Start authenticates and launches the long-polling loop.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.BotToken == "" {
		return channels.NewSendError(channels.CodeBotTokenMissing, nil)
	}
	me, err := t.api.GetMe(ctx)
	if err != nil {
		return channels.NewSendError(channels.CodeInvalidAuth, err)
	}
	t.botName = me.Username

	pollCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.api.Start(pollCtx)
	return nil
}

func (t *Transport) Stop(context.Context) error {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

func (t *Transport) BotID() string { return t.botName }

// PollChats returns the configured default chat.
func (t *Transport) PollChats() []string {
	if t.cfg.DefaultChannel == "" {
		return nil
	}
	return []string{t.cfg.DefaultChannel}
}

func (t *Transport) onUpdate(_ context.Context, _ *bot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil {
		return
	}
	t.Push(t.convert(update.Message))
}

// Push appends one converted message to the read buffer.
func (t *Transport) Push(msg *models.InboundMessage) {
	if msg == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer = append(t.buffer, msg)
}

func (t *Transport) convert(m *tgmodels.Message) *models.InboundMessage {
	id := strconv.Itoa(m.ID)
	in := &models.InboundMessage{
		ID:       id,
		Provider: models.ProviderTelegram,
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		Content:  m.Text,
		At:       time.Unix(int64(m.Date), 0).UTC(),
		Metadata: models.Metadata{
			MessageID: id,
			Mentions:  t.ParseAgentMentions(m.Text),
		},
	}
	if in.Content == "" {
		in.Content = m.Caption
	}
	if m.From != nil {
		in.SenderID = strconv.FormatInt(m.From.ID, 10)
		in.Metadata.FromBot = m.From.IsBot
	}
	if m.ReplyToMessage != nil {
		in.ThreadID = strconv.Itoa(m.ReplyToMessage.ID)
	}
	if m.Document != nil {
		in.Media = append(in.Media, models.MediaItem{
			Type: models.MediaFile,
			URL:  m.Document.FileID,
			Mime: m.Document.MimeType,
			Name: m.Document.FileName,
			Size: m.Document.FileSize,
		})
	}
	if len(m.Photo) > 0 {
		largest := m.Photo[len(m.Photo)-1]
		in.Media = append(in.Media, models.MediaItem{
			Type: models.MediaImage,
			URL:  largest.FileID,
			Size: int64(largest.FileSize),
		})
	}
	return in
}

// Send posts msg, chunking long content. Telegram replies omit reply_to
// for reliability: a deleted parent fails the whole send.
func (t *Transport) Send(ctx context.Context, msg *models.OutboundMessage) (*channels.SendResult, error) {
	chatID := msg.ChatID
	if chatID == "" {
		chatID = t.cfg.DefaultChannel
	}
	if chatID == "" {
		return nil, channels.NewSendError(channels.CodeChatIDRequired, nil)
	}

	var firstID string
	for _, chunk := range channels.Chunk(msg.Content, channels.TelegramMaxMessageRunes) {
		params := &bot.SendMessageParams{ChatID: chatID, Text: chunk}
		if msg.Metadata.RenderMode == string(models.RenderHTML) {
			params.ParseMode = tgmodels.ParseModeHTML
		}
		sent, err := t.api.SendMessage(ctx, params)
		if err != nil {
			return nil, err
		}
		if firstID == "" && sent != nil {
			firstID = strconv.Itoa(sent.ID)
		}
	}

	for _, item := range msg.Media {
		if _, err := t.api.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: item.URL}); err != nil {
			return nil, err
		}
	}
	return &channels.SendResult{MessageID: firstID}, nil
}

// Read drains buffered updates for chatID ("" drains everything).
func (t *Transport) Read(_ context.Context, chatID string, limit int) ([]*models.InboundMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*models.InboundMessage
	var rest []*models.InboundMessage
	for _, m := range t.buffer {
		if (chatID == "" || m.ChatID == chatID) && (limit <= 0 || len(out) < limit) {
			out = append(out, m)
			continue
		}
		rest = append(rest, m)
	}
	t.buffer = rest
	return out, nil
}

func (t *Transport) EditMessage(ctx context.Context, chatID, messageID, content string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return channels.NewSendError(channels.CodeInvalidArguments, err)
	}
	_, err = t.api.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: id,
		Text:      content,
	})
	return err
}

func (t *Transport) AddReaction(ctx context.Context, chatID, messageID, reaction string) error {
	return t.setReaction(ctx, chatID, messageID, []tgmodels.ReactionType{{
		Type:              tgmodels.ReactionTypeTypeEmoji,
		ReactionTypeEmoji: &tgmodels.ReactionTypeEmoji{Type: tgmodels.ReactionTypeTypeEmoji, Emoji: reaction},
	}})
}

// RemoveReaction clears reactions: setMessageReaction replaces the full
// set, so removal is an empty set.
func (t *Transport) RemoveReaction(ctx context.Context, chatID, messageID, _ string) error {
	return t.setReaction(ctx, chatID, messageID, nil)
}

func (t *Transport) setReaction(ctx context.Context, chatID, messageID string, reactions []tgmodels.ReactionType) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return channels.NewSendError(channels.CodeInvalidArguments, err)
	}
	_, err = t.api.SetMessageReaction(ctx, &bot.SetMessageReactionParams{
		ChatID:    chatID,
		MessageID: id,
		Reaction:  reactions,
	})
	return err
}

func (t *Transport) SetTyping(ctx context.Context, chatID string, on bool, _ string) error {
	if !on {
		return nil // typing actions expire on their own
	}
	_, err := t.api.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: tgmodels.ChatActionTyping,
	})
	return err
}

// SyncCommands publishes the catalogue via setMyCommands.
func (t *Transport) SyncCommands(ctx context.Context, commands []channels.CommandDescriptor) error {
	out := make([]tgmodels.BotCommand, 0, len(commands))
	for _, c := range commands {
		out = append(out, tgmodels.BotCommand{Command: c.Name, Description: c.Description})
	}
	_, err := t.api.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: out})
	return err
}

// ParseAgentMentions resolves @botname to the configured alias and collects
// plain @alias mentions.
func (t *Transport) ParseAgentMentions(content string) []models.Mention {
	var out []models.Mention
	if t.botName != "" {
		marker := "@" + strings.ToLower(t.botName)
		if strings.Contains(strings.ToLower(content), marker) {
			out = append(out, models.Mention{Alias: strings.ToLower(t.cfg.Alias), Raw: marker})
		}
	}
	for _, m := range channels.ParseAliasMentions(content) {
		if t.botName != "" && m.Alias == strings.ToLower(t.botName) {
			continue // already resolved above
		}
		out = append(out, m)
	}
	return out
}
