package orchestrator

import (
	"regexp"
	"strings"
)

// Mode selects which loop handles a request.
type Mode string

const (
	ModeAgent Mode = "agent"
	ModeTask  Mode = "task"
)

var (
	taskKeywordRe = regexp.MustCompile(`(?i)승인|approve|결재|대기|wait|워크플로|workflow|단계별`)
	listItemRe    = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+\S`)
)

// PickMode routes approval/workflow requests and step lists to the
// task loop; everything else runs the plain agent loop.
func PickMode(text string) Mode {
	if taskKeywordRe.MatchString(text) {
		return ModeTask
	}
	if len(listItems(text)) >= 3 {
		return ModeTask
	}
	return ModeAgent
}

// listItems extracts numbered or bulleted lines with markers stripped.
func listItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		if !listItemRe.MatchString(line) {
			continue
		}
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimLeft(trimmed, "0123456789")
		trimmed = strings.TrimLeft(trimmed, ".)")
		trimmed = strings.TrimLeft(trimmed, "-*•")
		items = append(items, strings.TrimSpace(trimmed))
	}
	return items
}
