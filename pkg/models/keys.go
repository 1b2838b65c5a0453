package models

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// InboundSeenKey is the dedupe fingerprint for an inbound message.
func InboundSeenKey(provider Provider, chatID, messageID string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s", provider, chatID, messageID))
}

// OutboundDedupeKey fingerprints an outbound message for the send-side
// dedupe window. Messages that answer the same trigger share a key; ad-hoc
// messages fall back to a content hash.
func OutboundDedupeKey(m *OutboundMessage) string {
	tail := m.Metadata.TriggerMessageID
	if tail == "" {
		tail = contentHash(m.Content + "|" + m.SenderID)
	}
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s", m.Provider, m.ChatID, m.Metadata.Kind, tail))
}

// RunKey scopes one agent-loop invocation for cancellation. A new run with
// the same key replaces (cancels) the previous one.
func RunKey(provider Provider, chatID, alias string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:%s", provider, chatID, alias))
}

// RunKeyChatPrefix matches every run key for a conversation, regardless of
// alias. Used by /stop.
func RunKeyChatPrefix(provider Provider, chatID string) string {
	return strings.ToLower(fmt.Sprintf("%s:%s:", provider, chatID))
}

// ReactionSeenKey fingerprints one accepted reaction decision so duplicate
// reaction deliveries are ignored.
func ReactionSeenKey(provider Provider, chatID, requestID, decision string, reactions []string) string {
	sorted := make([]string, len(reactions))
	copy(sorted, reactions)
	sort.Strings(sorted)
	return strings.ToLower(fmt.Sprintf("%s:%s:%s:%s:%s",
		provider, chatID, requestID, decision, strings.Join(sorted, ",")))
}

func contentHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
