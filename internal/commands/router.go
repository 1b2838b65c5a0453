// Package commands implements the slash-command surface: an ordered
// handler list where the first handler claiming a message consumes it.
// Replies flow through the chat's render profile and are capped so no
// platform rejects them.
package commands

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/render"
	"github.com/marubot/maru/pkg/models"
)

// Invocation carries one inbound message through the handler chain.
type Invocation struct {
	In *models.InboundMessage

	// Name and Args are filled when the message parses as "/name args".
	// Bare-text handlers (stop tokens) see them empty.
	Name string
	Args string

	reply func(text string)
}

// Reply publishes a command_reply for the invocation's chat.
func (inv *Invocation) Reply(text string) { inv.reply(text) }

// Handler is one command. CanHandle must be cheap; Handle returns true
// when the message is consumed.
type Handler interface {
	Name() string
	Usage() string
	CanHandle(inv *Invocation) bool
	Handle(ctx context.Context, inv *Invocation) bool
}

// Router dispatches inbound messages to the first matching handler.
type Router struct {
	handlers []Handler
	profiles *render.ProfileStore
	bus      *bus.Bus
	logger   *observability.Logger
	now      func() time.Time
}

func NewRouter(handlers []Handler, profiles *render.ProfileStore, b *bus.Bus, logger *observability.Logger) *Router {
	return &Router{
		handlers: handlers,
		profiles: profiles,
		bus:      b,
		logger:   logger,
		now:      time.Now,
	}
}

// Handlers exposes the ordered chain, used by the help handler.
func (r *Router) Handlers() []Handler { return r.handlers }

// Dispatch routes one message. Returns true when a handler consumed it.
func (r *Router) Dispatch(ctx context.Context, in *models.InboundMessage) bool {
	inv := &Invocation{In: in}
	inv.Name, inv.Args = splitCommand(in.Content)
	inv.reply = func(text string) { r.publishReply(in, text) }

	for _, h := range r.handlers {
		if !h.CanHandle(inv) {
			continue
		}
		if h.Handle(ctx, inv) {
			r.logger.Debug(ctx, "command handled",
				"command", h.Name(),
				"provider", string(in.Provider),
				"chat_id", in.ChatID)
			return true
		}
	}
	return false
}

func (r *Router) publishReply(in *models.InboundMessage, text string) {
	profile := r.profiles.Get(in.Provider, in.ChatID)
	text = render.Cap(render.Render(text, profile), render.CommandReplyLimit)
	r.bus.PublishOutbound(&models.OutboundMessage{
		ID:       uuid.NewString(),
		Provider: in.Provider,
		ChatID:   in.ChatID,
		Content:  text,
		At:       r.now(),
		ThreadID: in.ThreadID,
		ReplyTo:  in.ID,
		Metadata: models.Metadata{
			Kind:             models.KindCommandReply,
			TriggerMessageID: in.ID,
		},
	})
}

// splitCommand parses "/name rest of args". Non-slash text yields an
// empty name so bare-text handlers can still match.
func splitCommand(text string) (name, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	body := strings.TrimPrefix(text, "/")
	if body == "" {
		return "", ""
	}
	parts := strings.SplitN(body, " ", 2)
	name = strings.ToLower(parts[0])
	if len(parts) == 2 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

// splitArgs pops the first whitespace-delimited word off args,
// lowercased for subcommand matching.
func splitArgs(args string) (head, rest string) {
	head, rest = popWord(args)
	return strings.ToLower(head), rest
}

// popWord is splitArgs without case folding, for user-supplied values.
func popWord(args string) (head, rest string) {
	args = strings.TrimSpace(args)
	if args == "" {
		return "", ""
	}
	parts := strings.SplitN(args, " ", 2)
	head = parts[0]
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return head, rest
}
