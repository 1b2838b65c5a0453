package task

import (
	"context"
	"fmt"
	"time"

	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

// NodeResult is what one workflow node reports back to the loop. Zero
// values mean "keep the defaults": advance the cursor by one and stay
// running.
type NodeResult struct {
	// MemoryPatch merges into task memory before persisting.
	MemoryPatch map[string]any

	// NextStepIndex overrides the cursor when set; nil advances by one.
	NextStepIndex *int

	// CurrentStep is a human-readable label for the step underway.
	CurrentStep string

	// Status overrides the task status ("" keeps running).
	Status models.TaskStatus

	// ExitReason annotates a terminal status.
	ExitReason string
}

// Node is one step of a workflow.
type Node struct {
	Name string
	Run  func(ctx context.Context, state *models.TaskState, memory map[string]any) (NodeResult, error)
}

// Options tunes one run.
type Options struct {
	Title          string
	MaxTurns       int
	StartStepIndex int
}

// Loop drives node sequences against the persistent store.
type Loop struct {
	store  *Store
	logger *observability.Logger
	now    func() time.Time
}

// NewLoop creates a task loop over store.
func NewLoop(store *Store, logger *observability.Logger) *Loop {
	return &Loop{store: store, logger: logger, now: time.Now}
}

// WithNow overrides the clock. For tests.
func (l *Loop) WithNow(now func() time.Time) *Loop {
	l.now = now
	return l
}

// Run executes nodes for taskID, creating the task on first sight and
// otherwise resuming from the persisted cursor. The call returns when the
// task reaches a terminal status or suspends on waiting_approval.
func (l *Loop) Run(ctx context.Context, taskID string, nodes []Node, opts Options) (*models.TaskState, error) {
	state, found, err := l.store.Get(taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !found {
		state = &models.TaskState{
			TaskID:    taskID,
			Title:     opts.Title,
			MaxTurns:  opts.MaxTurns,
			Status:    models.TaskRunning,
			Memory:    map[string]any{},
			CreatedAt: l.now(),
		}
		// start_step_index applies on first create only
		state.SetStepIndex(opts.StartStepIndex)
		if err := l.persist(state); err != nil {
			return nil, err
		}
	} else if state.Status == models.TaskWaitingApproval {
		state.Status = models.TaskRunning
		state.ExitReason = ""
		if err := l.persist(state); err != nil {
			return nil, err
		}
	}
	if state.MaxTurns <= 0 {
		state.MaxTurns = opts.MaxTurns
	}

	for state.Status == models.TaskRunning {
		if err := ctx.Err(); err != nil {
			state.Status = models.TaskCancelled
			state.ExitReason = "context_cancelled"
			break
		}
		cursor := state.StepIndex()
		if cursor >= len(nodes) {
			state.Status = models.TaskCompleted
			state.ExitReason = "workflow_completed"
			break
		}
		if state.MaxTurns > 0 && state.CurrentTurn >= state.MaxTurns {
			state.Status = models.TaskMaxTurnsReached
			state.ExitReason = fmt.Sprintf("max_turns %d reached", state.MaxTurns)
			break
		}

		node := nodes[cursor]
		state.CurrentTurn++
		state.CurrentStep = node.Name
		l.logger.Debug(ctx, "task node start", "task_id", taskID, "node", node.Name, "step", cursor)

		result, err := l.runNode(ctx, node, state)
		if err != nil {
			state.Status = models.TaskFailed
			state.ExitReason = err.Error()
			break
		}

		for k, v := range result.MemoryPatch {
			state.Memory[k] = v
		}
		if result.CurrentStep != "" {
			state.CurrentStep = result.CurrentStep
		}
		if result.Status != "" {
			state.Status = result.Status
			state.ExitReason = result.ExitReason
		}
		if result.NextStepIndex != nil {
			state.SetStepIndex(*result.NextStepIndex)
		} else if state.Status == models.TaskRunning || state.Status == "" {
			state.SetStepIndex(cursor + 1)
		}
		if state.Status == "" {
			state.Status = models.TaskRunning
		}
		if err := l.persist(state); err != nil {
			return state, err
		}
		if state.Status == models.TaskWaitingApproval {
			l.logger.Info(ctx, "task suspended for approval", "task_id", taskID, "node", node.Name)
			return state, nil
		}
	}

	if err := l.persist(state); err != nil {
		return state, err
	}
	l.logger.Info(ctx, "task loop finished",
		"task_id", taskID, "status", string(state.Status), "turns", state.CurrentTurn, "reason", state.ExitReason)
	return state, nil
}

// Resume re-enters a suspended or interrupted task from its cursor.
func (l *Loop) Resume(ctx context.Context, taskID string, nodes []Node) (*models.TaskState, error) {
	_, found, err := l.store.Get(taskID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	return l.Run(ctx, taskID, nodes, Options{})
}

// runNode invokes one node, converting panics into node errors so a buggy
// node fails its task instead of the process.
func (l *Loop) runNode(ctx context.Context, node Node, state *models.TaskState) (result NodeResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("node %s panicked: %v", node.Name, r)
		}
	}()
	if node.Run == nil {
		return NodeResult{}, nil
	}
	return node.Run(ctx, state, state.Memory)
}

func (l *Loop) persist(state *models.TaskState) error {
	if state.Memory == nil {
		state.Memory = map[string]any{}
	}
	state.Memory[models.UpdatedAtKey] = models.SeoulTimestamp(l.now())
	state.UpdatedAt = l.now()
	return l.store.Upsert(state)
}
