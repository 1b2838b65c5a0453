package orchestrator

import (
	"fmt"
	"strings"

	"github.com/marubot/maru/internal/sessions"
)

const (
	sectionCurrent = "[CURRENT_REQUEST]"
	sectionRecent  = "[REFERENCE_RECENT_CONTEXT]"
	sectionThread  = "[THREAD_NEARBY_CONTEXT]"

	// Context sections are trimmed so a long history never crowds out
	// the actual request.
	contextCharBudget = 4000
)

// composeObjective builds the loop objective: the request first, then
// recent session history, then thread-nearby messages. Empty reference
// sections are omitted entirely.
func composeObjective(request string, recent, nearby []sessions.Message) string {
	var b strings.Builder
	b.WriteString(sectionCurrent)
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(request))

	if block := historyBlock(recent); block != "" {
		b.WriteString("\n\n")
		b.WriteString(sectionRecent)
		b.WriteString("\n")
		b.WriteString(block)
	}
	if block := historyBlock(nearby); block != "" {
		b.WriteString("\n\n")
		b.WriteString(sectionThread)
		b.WriteString("\n")
		b.WriteString(block)
	}
	return b.String()
}

func historyBlock(messages []sessions.Message) string {
	if len(messages) == 0 {
		return ""
	}
	var lines []string
	total := 0
	// Walk newest-last and keep the tail that fits the budget.
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		who := m.Sender
		if who == "" {
			who = string(m.Role)
		}
		line := fmt.Sprintf("%s: %s", who, strings.TrimSpace(m.Content))
		if total+len(line) > contextCharBudget {
			break
		}
		total += len(line)
		lines = append([]string{line}, lines...)
	}
	return strings.Join(lines, "\n")
}
