package agent

import (
	"testing"
	"time"
)

func TestFlusherBuffersUntilMinChars(t *testing.T) {
	var emitted []string
	now := time.Unix(1000, 0)
	f := NewFlusher(func(s string) { emitted = append(emitted, s) }, 10, time.Hour).
		WithNow(func() time.Time { return now })
	f.lastFlush = now

	f.Write("abc")
	if len(emitted) != 0 {
		t.Fatalf("flushed early: %v", emitted)
	}
	f.Write("defghij")
	if len(emitted) != 1 || emitted[0] != "abcdefghij" {
		t.Fatalf("emitted = %v", emitted)
	}
}

func TestFlusherFlushesOnInterval(t *testing.T) {
	var emitted []string
	now := time.Unix(1000, 0)
	f := NewFlusher(func(s string) { emitted = append(emitted, s) }, 1000, time.Second).
		WithNow(func() time.Time { return now })
	f.lastFlush = now

	f.Write("hi")
	if len(emitted) != 0 {
		t.Fatal("flushed before interval")
	}
	now = now.Add(2 * time.Second)
	f.Write("!")
	if len(emitted) != 1 || emitted[0] != "hi!" {
		t.Fatalf("emitted = %v", emitted)
	}
}

func TestFlusherDedupesRepeatedContent(t *testing.T) {
	var emitted []string
	now := time.Unix(1000, 0)
	f := NewFlusher(func(s string) { emitted = append(emitted, s) }, 1, time.Hour).
		WithNow(func() time.Time { return now })
	f.lastFlush = now

	f.Write("same chunk")
	f.Write("same chunk")
	if len(emitted) != 1 {
		t.Fatalf("emitted = %v, want dedupe within window", emitted)
	}

	// Outside the window the same content flows again.
	now = now.Add(31 * time.Second)
	f.Write("same chunk")
	if len(emitted) != 2 {
		t.Fatalf("emitted = %v, want re-emission after window", emitted)
	}
}

func TestFlusherDropsEmptyAfterSanitize(t *testing.T) {
	var emitted []string
	f := NewFlusher(func(s string) { emitted = append(emitted, s) }, 1, time.Hour)
	f.Write("npm WARN something\n")
	f.Flush()
	if len(emitted) != 0 {
		t.Errorf("emitted = %v, want nothing", emitted)
	}
}
