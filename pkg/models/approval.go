package models

import "time"

// ApprovalStatus is the lifecycle state of an approval request. Transitions
// are monotone: once a request leaves pending it never returns.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalDeferred  ApprovalStatus = "deferred"
	ApprovalCancelled ApprovalStatus = "cancelled"
	ApprovalClarify   ApprovalStatus = "clarify"
)

// ApprovalContext records where a gated tool call originated so the
// decision prompt and the eventual result reach the right conversation.
type ApprovalContext struct {
	Channel  Provider `json:"channel"`
	ChatID   string   `json:"chat_id"`
	SenderID string   `json:"sender_id,omitempty"`
	TaskID   string   `json:"task_id,omitempty"`
}

// ApprovalRequest is one gated tool invocation awaiting a human decision.
// Params are the original tool arguments, replayed verbatim on approval.
type ApprovalRequest struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Params    map[string]any  `json:"params"`
	CreatedAt time.Time       `json:"created_at"`
	Status    ApprovalStatus  `json:"status"`
	Context   ApprovalContext `json:"context"`
}

// Terminal reports whether the request has left the pending state.
func (r *ApprovalRequest) Terminal() bool {
	return r.Status != ApprovalPending
}
