// Package render turns agent markdown into what each chat can display.
// A per-chat RenderProfile picks the target mode (markdown, html, plain)
// and how to rewrite links and images the chat cannot show.
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/marubot/maru/pkg/models"
)

// CommandReplyLimit caps command-reply bodies.
const CommandReplyLimit = 1600

// ProfileStore holds per-chat render profiles in memory. Unset chats fall
// back to the provider default.
type ProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]models.RenderProfile
}

// NewProfileStore builds an empty store.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: map[string]models.RenderProfile{}}
}

func profileKey(provider models.Provider, chatID string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s", provider, chatID))
}

// DefaultProfile returns the provider's native mode with no blocked-element
// rewriting.
func DefaultProfile(provider models.Provider) models.RenderProfile {
	mode := models.RenderPlain
	switch provider {
	case models.ProviderSlack, models.ProviderDiscord:
		mode = models.RenderMarkdown
	case models.ProviderTelegram:
		mode = models.RenderHTML
	}
	return models.RenderProfile{Mode: mode}
}

// Get returns the chat's profile, or the provider default when unset.
func (s *ProfileStore) Get(provider models.Provider, chatID string) models.RenderProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.profiles[profileKey(provider, chatID)]; ok {
		return p
	}
	return DefaultProfile(provider)
}

// Set stores the chat's profile. Empty fields keep their current value.
func (s *ProfileStore) Set(provider models.Provider, chatID string, p models.RenderProfile) models.RenderProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := profileKey(provider, chatID)
	cur, ok := s.profiles[key]
	if !ok {
		cur = DefaultProfile(provider)
	}
	if p.Mode != "" {
		cur.Mode = p.Mode
	}
	if p.BlockedLinkPolicy != "" {
		cur.BlockedLinkPolicy = p.BlockedLinkPolicy
	}
	if p.BlockedImagePolicy != "" {
		cur.BlockedImagePolicy = p.BlockedImagePolicy
	}
	s.profiles[key] = cur
	return cur
}

// ParseMode maps user input to a RenderMode.
func ParseMode(s string) (models.RenderMode, bool) {
	switch models.RenderMode(strings.ToLower(strings.TrimSpace(s))) {
	case models.RenderMarkdown:
		return models.RenderMarkdown, true
	case models.RenderHTML:
		return models.RenderHTML, true
	case models.RenderPlain:
		return models.RenderPlain, true
	}
	return "", false
}

// ParsePolicy maps user input to a BlockedPolicy.
func ParsePolicy(s string) (models.BlockedPolicy, bool) {
	switch models.BlockedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case models.BlockedIndicator:
		return models.BlockedIndicator, true
	case models.BlockedText:
		return models.BlockedText, true
	case models.BlockedRemove:
		return models.BlockedRemove, true
	}
	return "", false
}

// Cap truncates text to max runes, appending an ellipsis when cut.
func Cap(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max-1]) + "…"
}
