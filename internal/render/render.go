package render

import (
	"regexp"
	"strings"

	"github.com/marubot/maru/pkg/models"
)

var (
	imageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	// linkRe captures a leading bang so image syntax is never half-rewritten
	// when only the link policy is active.
	linkRe        = regexp.MustCompile(`(!?)\[([^\]]+)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	headingRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	boldRe        = regexp.MustCompile(`\*\*([^*]+)\*\*|__([^_]+)__`)
	italicRe      = regexp.MustCompile(`\*([^*\n]+)\*`)
	strikeRe      = regexp.MustCompile(`~~([^~]+)~~`)
	inlineCodeRe  = regexp.MustCompile("`([^`\n]+)`")
	fenceOpenRe   = regexp.MustCompile("(?m)^```[a-zA-Z0-9_-]*\\s*$")
	blockquoteRe  = regexp.MustCompile(`(?m)^>\s?`)
	bulletValueRe = regexp.MustCompile(`(?m)^(\s*)[-*+]\s+`)
)

// Render converts agent markdown per the chat's profile. Blocked-element
// policies run first, on the markdown source, so every mode sees the same
// rewriting.
func Render(text string, profile models.RenderProfile) string {
	text = applyBlockedPolicies(text, profile)
	switch profile.Mode {
	case models.RenderHTML:
		return MarkdownToHTML(text)
	case models.RenderPlain:
		return markdownToPlain(text)
	default:
		return text
	}
}

func applyBlockedPolicies(text string, profile models.RenderProfile) string {
	if profile.BlockedImagePolicy != "" {
		text = imageRe.ReplaceAllStringFunc(text, func(m string) string {
			sub := imageRe.FindStringSubmatch(m)
			switch profile.BlockedImagePolicy {
			case models.BlockedIndicator:
				return "🖼️"
			case models.BlockedText:
				return sub[2]
			case models.BlockedRemove:
				return ""
			}
			return m
		})
	}
	if profile.BlockedLinkPolicy != "" {
		text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
			sub := linkRe.FindStringSubmatch(m)
			if sub[1] == "!" {
				return m
			}
			switch profile.BlockedLinkPolicy {
			case models.BlockedIndicator:
				return "🔗 " + sub[2]
			case models.BlockedText:
				return sub[3]
			case models.BlockedRemove:
				return ""
			}
			return m
		})
	}
	return text
}

// markdownToPlain strips markdown structure while keeping the text and code
// content readable in clients with no formatting at all.
func markdownToPlain(text string) string {
	text = fenceOpenRe.ReplaceAllString(text, "")
	text = headingRe.ReplaceAllString(text, "")
	text = blockquoteRe.ReplaceAllString(text, "")
	text = bulletValueRe.ReplaceAllString(text, "${1}• ")
	text = boldRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := boldRe.FindStringSubmatch(m)
		if sub[1] != "" {
			return sub[1]
		}
		return sub[2]
	})
	text = italicRe.ReplaceAllString(text, "$1")
	text = strikeRe.ReplaceAllString(text, "$1")
	text = inlineCodeRe.ReplaceAllString(text, "$1")
	text = imageRe.ReplaceAllString(text, "$2")
	text = linkRe.ReplaceAllString(text, "$2 ($3)")
	return strings.TrimSpace(collapseBlankRuns(text))
}

// collapseBlankRuns squeezes 3+ consecutive newlines down to a blank line.
func collapseBlankRuns(text string) string {
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return text
}
