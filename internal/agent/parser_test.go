package agent

import (
	"testing"
)

func TestParseImplicitFencedJSON(t *testing.T) {
	content := "I'll check that file.\n```json\n{\"tool_calls\":[{\"id\":\"call_1\",\"name\":\"read_file\",\"arguments\":{\"path\":\"a.txt\"}}]}\n```"
	calls := ParseImplicitToolCalls(content)
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "read_file" || calls[0].Arguments["path"] != "a.txt" {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestParseImplicitMarkerPair(t *testing.T) {
	content := "working on it\n<<ORCH_TOOL_CALLS>>[{\"name\":\"exec\",\"arguments\":{\"command\":\"ls\"}}]<<ORCH_TOOL_CALLS_END>>\ndone"
	calls := ParseImplicitToolCalls(content)
	if len(calls) != 1 || calls[0].Name != "exec" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID == "" {
		t.Error("missing id should be synthesized")
	}
}

func TestParseImplicitBalancedBraces(t *testing.T) {
	content := `Sure. {"tool_calls": [{"id":"call_abc","name":"memory","arguments":{"action":"read_daily"}}]} — running now.`
	calls := ParseImplicitToolCalls(content)
	if len(calls) != 1 || calls[0].Name != "memory" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID != "call_abc" {
		t.Errorf("id = %q", calls[0].ID)
	}
}

func TestParseImplicitOpenAIFunctionShape(t *testing.T) {
	content := "```json\n[{\"id\":\"call_9\",\"function\":{\"name\":\"web_fetch\",\"arguments\":\"{\\\"url\\\":\\\"https://example.com\\\"}\"}}]\n```"
	calls := ParseImplicitToolCalls(content)
	if len(calls) != 1 || calls[0].Name != "web_fetch" {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Arguments["url"] != "https://example.com" {
		t.Errorf("arguments = %v", calls[0].Arguments)
	}
}

func TestParseImplicitIgnoresProse(t *testing.T) {
	for _, content := range []string{
		"",
		"Just a normal answer about JSON and {braces}.",
		"The id is call_ but nothing else matches.",
		"```json\n{\"not_tools\": true}\n```",
	} {
		if calls := ParseImplicitToolCalls(content); len(calls) != 0 {
			t.Errorf("ParseImplicitToolCalls(%q) = %+v, want none", content, calls)
		}
	}
}

func TestSanitizeStripsNoise(t *testing.T) {
	in := "\x1b[31mred\x1b[0m result\nnpm WARN deprecated thing\nYou are a helpful assistant persona.\nreal line"
	out := Sanitize(in)
	if out != "red result\nreal line" {
		t.Errorf("Sanitize = %q", out)
	}
}
