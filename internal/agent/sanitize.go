package agent

import (
	"regexp"
	"strings"

	"github.com/marubot/maru/internal/secrets"
)

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	spinnerRe = regexp.MustCompile(`^[\s.|/\\\-⠁-⣿]+$`)
)

// Lines that are terminal noise or a leaked persona prompt, never user
// content. Matched against the trimmed line prefix.
var noisePrefixes = []string{
	"npm warn",
	"npm notice",
	"(node:",
	"deprecationwarning",
	"press ctrl",
	"you are a ",
	"you are an ",
	"[system]",
	"<<sys>>",
	"system prompt:",
}

// Sanitize cleans one streamed emission: ANSI escapes are stripped, vault
// ciphertext tokens are redacted, and noise lines are dropped wholesale.
func Sanitize(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	text = secrets.Redact(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isNoiseLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func isNoiseLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false // blank lines are formatting, not noise
	}
	if spinnerRe.MatchString(trimmed) && len(trimmed) > 2 {
		return true
	}
	lower := strings.ToLower(trimmed)
	for _, prefix := range noisePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}
