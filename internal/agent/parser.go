package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marubot/maru/pkg/models"
)

const (
	toolCallMarkerStart = "<<ORCH_TOOL_CALLS>>"
	toolCallMarkerEnd   = "<<ORCH_TOOL_CALLS_END>>"

	// maxImplicitScan bounds the balanced-brace walk; past this the text
	// is prose, not a payload.
	maxImplicitScan = 1 << 16
)

// ParseImplicitToolCalls recovers tool calls a model emitted as text
// instead of structured output. Candidates are tried in order: fenced
// ```json blocks, the <<ORCH_TOOL_CALLS>> marker pair, then a
// balanced-brace extraction around tool-call fingerprints. The first
// candidate that decodes wins.
func ParseImplicitToolCalls(content string) []models.ToolCall {
	if content == "" {
		return nil
	}
	for _, candidate := range implicitCandidates(content) {
		if calls := decodeToolCalls(candidate); len(calls) > 0 {
			return calls
		}
	}
	return nil
}

func implicitCandidates(content string) []string {
	var out []string
	out = append(out, fencedBlocks(content)...)

	if start := strings.Index(content, toolCallMarkerStart); start >= 0 {
		rest := content[start+len(toolCallMarkerStart):]
		if end := strings.Index(rest, toolCallMarkerEnd); end >= 0 {
			out = append(out, strings.TrimSpace(rest[:end]))
		}
	}

	for _, marker := range []string{`"tool_calls"`, `"id":"call_`, `"id": "call_`} {
		if idx := strings.Index(content, marker); idx >= 0 {
			if blob := balancedAround(content, idx); blob != "" {
				out = append(out, blob)
			}
		}
	}
	return out
}

// fencedBlocks extracts the bodies of ```json fences.
func fencedBlocks(content string) []string {
	var out []string
	rest := content
	for {
		start := strings.Index(rest, "```json")
		if start < 0 {
			break
		}
		rest = rest[start+len("```json"):]
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		out = append(out, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
	return out
}

// balancedAround walks outward from a marker hit to the enclosing JSON
// object or array, matching braces with string awareness.
func balancedAround(content string, markerIdx int) string {
	if len(content) > maxImplicitScan {
		content = content[:maxImplicitScan]
		if markerIdx >= maxImplicitScan {
			return ""
		}
	}
	// Find the opening brace/bracket that encloses the marker.
	open := -1
	depth := 0
	for i := markerIdx; i >= 0; i-- {
		switch content[i] {
		case '}', ']':
			depth++
		case '{', '[':
			if depth == 0 {
				open = i
			} else {
				depth--
			}
		}
		if open >= 0 {
			break
		}
	}
	if open < 0 {
		return ""
	}

	depth = 0
	inString := false
	escaped := false
	for i := open; i < len(content); i++ {
		c := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return content[open : i+1]
			}
		}
	}
	return ""
}

// decodeToolCalls accepts the three shapes models produce: an object with
// a tool_calls array, a bare array of calls, or a single call object.
func decodeToolCalls(blob string) []models.ToolCall {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}

	var wrapper struct {
		ToolCalls []rawToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal([]byte(blob), &wrapper); err == nil && len(wrapper.ToolCalls) > 0 {
		return convertRawCalls(wrapper.ToolCalls)
	}

	var list []rawToolCall
	if err := json.Unmarshal([]byte(blob), &list); err == nil && len(list) > 0 {
		return convertRawCalls(list)
	}

	var single rawToolCall
	if err := json.Unmarshal([]byte(blob), &single); err == nil && single.Name != "" {
		return convertRawCalls([]rawToolCall{single})
	}
	return nil
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func convertRawCalls(raw []rawToolCall) []models.ToolCall {
	out := make([]models.ToolCall, 0, len(raw))
	for i, rc := range raw {
		name := rc.Name
		args := rc.Arguments
		if name == "" && rc.Function != nil {
			name = rc.Function.Name
			args = rc.Function.Arguments
		}
		if name == "" {
			continue
		}
		call := models.ToolCall{ID: rc.ID, Name: name, Arguments: decodeArgs(args)}
		if call.ID == "" {
			call.ID = fmt.Sprintf("implicit_%s_%d", name, i)
		}
		out = append(out, call)
	}
	return out
}

// decodeArgs accepts both an arguments object and a doubly-encoded JSON
// string (the OpenAI textual form).
func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &obj); err == nil {
			return obj
		}
	}
	return map[string]any{}
}
