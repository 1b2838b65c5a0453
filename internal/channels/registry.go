package channels

import (
	"context"
	"sync"

	"github.com/marubot/maru/pkg/models"
)

// Registry maps providers to their transports and forwards operations.
type Registry struct {
	mu         sync.RWMutex
	transports map[models.Provider]Transport
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{transports: make(map[models.Provider]Transport)}
}

// Register adds (or replaces) a transport.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[t.Provider()] = t
}

// Get returns the transport for provider.
func (r *Registry) Get(provider models.Provider) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[provider]
	if !ok {
		return nil, &NotRegisteredError{Provider: provider}
	}
	return t, nil
}

// Providers lists registered providers.
func (r *Registry) Providers() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Provider, 0, len(r.transports))
	for p := range r.transports {
		out = append(out, p)
	}
	return out
}

// StartAll starts transports sequentially; the first failure propagates.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.transports {
		if err := t.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every transport, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lastErr error
	for _, t := range r.transports {
		if err := t.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Send forwards to the provider's transport.
func (r *Registry) Send(ctx context.Context, msg *models.OutboundMessage) (*SendResult, error) {
	t, err := r.Get(msg.Provider)
	if err != nil {
		return nil, err
	}
	return t.Send(ctx, msg)
}

// Read forwards to the provider's transport.
func (r *Registry) Read(ctx context.Context, provider models.Provider, chatID string, limit int) ([]*models.InboundMessage, error) {
	t, err := r.Get(provider)
	if err != nil {
		return nil, err
	}
	return t.Read(ctx, chatID, limit)
}

// EditMessage forwards to the provider's transport.
func (r *Registry) EditMessage(ctx context.Context, provider models.Provider, chatID, messageID, content string) error {
	t, err := r.Get(provider)
	if err != nil {
		return err
	}
	return t.EditMessage(ctx, chatID, messageID, content)
}

// AddReaction forwards to the provider's transport.
func (r *Registry) AddReaction(ctx context.Context, provider models.Provider, chatID, messageID, reaction string) error {
	t, err := r.Get(provider)
	if err != nil {
		return err
	}
	return t.AddReaction(ctx, chatID, messageID, reaction)
}

// RemoveReaction forwards to the provider's transport.
func (r *Registry) RemoveReaction(ctx context.Context, provider models.Provider, chatID, messageID, reaction string) error {
	t, err := r.Get(provider)
	if err != nil {
		return err
	}
	return t.RemoveReaction(ctx, chatID, messageID, reaction)
}

// SetTyping forwards to the provider's transport.
func (r *Registry) SetTyping(ctx context.Context, provider models.Provider, chatID string, on bool, anchorMessageID string) error {
	t, err := r.Get(provider)
	if err != nil {
		return err
	}
	return t.SetTyping(ctx, chatID, on, anchorMessageID)
}

// SyncCommands pushes the command catalogue to every transport.
// Failures are collected into the last error; sync is best effort.
func (r *Registry) SyncCommands(ctx context.Context, commands []CommandDescriptor) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var lastErr error
	for _, t := range r.transports {
		if err := t.SyncCommands(ctx, commands); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
