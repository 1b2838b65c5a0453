package models

// LoopStatus is the lifecycle state of one agent-loop run.
type LoopStatus string

const (
	LoopRunning         LoopStatus = "running"
	LoopCompleted       LoopStatus = "completed"
	LoopStopped         LoopStatus = "stopped"
	LoopFailed          LoopStatus = "failed"
	LoopMaxTurnsReached LoopStatus = "max_turns_reached"
)

// AgentLoopState tracks one bounded multi-turn run. It lives only for the
// duration of the run and is mutated exclusively by the owning worker.
type AgentLoopState struct {
	LoopID              string     `json:"loop_id"`
	AgentID             string     `json:"agent_id"`
	Objective           string     `json:"objective"`
	CurrentTurn         int        `json:"current_turn"`
	MaxTurns            int        `json:"max_turns"`
	CheckShouldContinue bool       `json:"check_should_continue"`
	Status              LoopStatus `json:"status"`
	TerminationReason   string     `json:"termination_reason,omitempty"`
}
