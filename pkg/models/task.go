package models

import "time"

// TaskStatus is the lifecycle state of a persisted workflow task.
type TaskStatus string

const (
	TaskRunning         TaskStatus = "running"
	TaskCompleted       TaskStatus = "completed"
	TaskWaitingApproval TaskStatus = "waiting_approval"
	TaskFailed          TaskStatus = "failed"
	TaskCancelled       TaskStatus = "cancelled"
	TaskMaxTurnsReached TaskStatus = "max_turns_reached"
)

// Reserved task memory keys. StepIndexKey is the canonical workflow cursor;
// UpdatedAtKey is a human-readable timestamp advanced on every persist.
const (
	StepIndexKey = "__step_index"
	UpdatedAtKey = "__updated_at_seoul"
)

// TaskState is the persisted state of one workflow task. Every mutation is
// written through the task store before the loop proceeds.
type TaskState struct {
	TaskID      string         `json:"task_id"`
	Title       string         `json:"title"`
	CurrentTurn int            `json:"current_turn"`
	MaxTurns    int            `json:"max_turns"`
	Status      TaskStatus     `json:"status"`
	CurrentStep string         `json:"current_step,omitempty"`
	ExitReason  string         `json:"exit_reason,omitempty"`
	Memory      map[string]any `json:"memory"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// StepIndex reads the workflow cursor from task memory. Stored values may
// arrive as float64 after a JSON round trip.
func (t *TaskState) StepIndex() int {
	if t.Memory == nil {
		return 0
	}
	switch v := t.Memory[StepIndexKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// SetStepIndex writes the workflow cursor, clamping negatives to zero.
func (t *TaskState) SetStepIndex(i int) {
	if i < 0 {
		i = 0
	}
	if t.Memory == nil {
		t.Memory = map[string]any{}
	}
	t.Memory[StepIndexKey] = i
}
