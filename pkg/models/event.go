package models

import "time"

// EventPhase classifies a workflow event.
type EventPhase string

const (
	PhaseAssign   EventPhase = "assign"
	PhaseProgress EventPhase = "progress"
	PhaseBlocked  EventPhase = "blocked"
	PhaseDone     EventPhase = "done"
	PhaseApproval EventPhase = "approval"
)

// EventSource identifies who produced a workflow event.
type EventSource string

const (
	SourceSystem EventSource = "system"
	SourceUser   EventSource = "user"
	SourceLeader EventSource = "leader"
	SourceAgent  EventSource = "agent"
)

// WorkflowEvent is one append-only audit record. EventID is the idempotence
// key; a second append with the same id is a no-op.
type WorkflowEvent struct {
	EventID    string         `json:"event_id"`
	RunID      string         `json:"run_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Phase      EventPhase     `json:"phase"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload,omitempty"`
	Provider   string         `json:"provider,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	ChatID     string         `json:"chat_id,omitempty"`
	ThreadID   string         `json:"thread_id,omitempty"`
	Source     EventSource    `json:"source"`
	DetailFile string         `json:"detail_file,omitempty"`
	At         time.Time      `json:"at"`
}
