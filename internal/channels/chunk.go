package channels

import "strings"

// Platform message-size ceilings, in runes.
const (
	SlackMaxMessageRunes    = 4000
	DiscordMaxMessageRunes  = 2000
	TelegramMaxMessageRunes = 4096
)

// Chunk splits text into pieces of at most maxRunes, preferring paragraph
// breaks, then line breaks, then word boundaries. An unterminated code
// fence at a cut point is closed and reopened so every chunk renders.
func Chunk(text string, maxRunes int) []string {
	if text == "" {
		return nil
	}
	if maxRunes <= 0 || len([]rune(text)) <= maxRunes {
		return []string{text}
	}

	hasFences := strings.Contains(text, "```")

	var chunks []string
	remaining := text
	openFence := ""
	for len([]rune(remaining)) > maxRunes {
		// Reserve room for reopening the carried fence and closing a
		// dangling one.
		budget := maxRunes
		if openFence != "" {
			budget -= len([]rune(openFence)) + 1
		}
		if hasFences {
			budget -= len("\n```")
		}
		cut := breakPoint(remaining, budget)
		head, tail := remaining[:cut], strings.TrimLeft(remaining[cut:], "\n")

		fence := danglingFence(openFence, head)
		if openFence != "" {
			head = openFence + "\n" + head
		}
		if fence != "" {
			head += "\n```"
		}
		openFence = fence

		chunks = append(chunks, strings.TrimRight(head, "\n"))
		remaining = tail
	}
	if openFence != "" {
		remaining = openFence + "\n" + remaining
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// breakPoint finds the byte offset to cut at, staying within maxRunes.
func breakPoint(text string, maxRunes int) int {
	runes := []rune(text)
	if maxRunes >= len(runes) {
		return len(text)
	}
	hard := len(string(runes[:maxRunes]))
	window := text[:hard]

	for _, sep := range []string{"\n\n", "\n", " "} {
		if idx := strings.LastIndex(window, sep); idx > hard/2 {
			return idx + len(sep)
		}
	}
	return hard
}

// danglingFence reports the fence marker left open at the end of segment,
// given the fence state carried into it. Empty means balanced.
func danglingFence(carried, segment string) string {
	open := carried
	for _, line := range strings.Split(segment, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open == "" {
			open = trimmed
		} else {
			open = ""
		}
	}
	return open
}
