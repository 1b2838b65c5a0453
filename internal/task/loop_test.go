package task

import (
	"context"
	"errors"
	"testing"

	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/pkg/models"
)

func newTestLoop(t *testing.T) (*Loop, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return NewLoop(store, observability.NewTestLogger()), store
}

func stepNode(name string, calls *[]string) Node {
	return Node{
		Name: name,
		Run: func(_ context.Context, _ *models.TaskState, _ map[string]any) (NodeResult, error) {
			*calls = append(*calls, name)
			return NodeResult{}, nil
		},
	}
}

func TestRunCompletesSequence(t *testing.T) {
	loop, _ := newTestLoop(t)
	var calls []string
	nodes := []Node{stepNode("a", &calls), stepNode("b", &calls), stepNode("c", &calls)}

	state, err := loop.Run(context.Background(), "t1", nodes, Options{Title: "seq", MaxTurns: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	if state.ExitReason != "workflow_completed" {
		t.Fatalf("exit_reason = %q", state.ExitReason)
	}
	if len(calls) != 3 {
		t.Fatalf("calls = %v, want a,b,c", calls)
	}
	if state.StepIndex() != 3 {
		t.Fatalf("cursor = %d, want nodes length", state.StepIndex())
	}
}

func TestWaitingApprovalSuspendsAndResumes(t *testing.T) {
	loop, store := newTestLoop(t)
	var calls []string
	gate := Node{
		Name: "gate",
		Run: func(_ context.Context, _ *models.TaskState, memory map[string]any) (NodeResult, error) {
			calls = append(calls, "gate")
			if _, approved := memory["approved"]; !approved {
				return NodeResult{
					Status:      models.TaskWaitingApproval,
					ExitReason:  "awaiting human",
					MemoryPatch: map[string]any{"asked": true},
				}, nil
			}
			return NodeResult{}, nil
		},
	}
	nodes := []Node{stepNode("prep", &calls), gate, stepNode("finish", &calls)}

	state, err := loop.Run(context.Background(), "t2", nodes, Options{MaxTurns: 10})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskWaitingApproval {
		t.Fatalf("status = %s, want waiting_approval", state.Status)
	}
	if got := []string{"prep", "gate"}; len(calls) != 2 || calls[0] != got[0] || calls[1] != got[1] {
		t.Fatalf("calls = %v, want prep,gate", calls)
	}

	// approve out of band, then resume: prep must not run again
	persisted, _, _ := store.Get("t2")
	persisted.Memory["approved"] = true
	if err := store.Upsert(persisted); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	state, err = loop.Resume(context.Background(), "t2", nodes)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if state.Status != models.TaskCompleted {
		t.Fatalf("status = %s, want completed", state.Status)
	}
	want := []string{"prep", "gate", "gate", "finish"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestNodeErrorFailsTask(t *testing.T) {
	loop, _ := newTestLoop(t)
	nodes := []Node{{
		Name: "boom",
		Run: func(context.Context, *models.TaskState, map[string]any) (NodeResult, error) {
			return NodeResult{}, errors.New("disk full")
		},
	}}

	state, err := loop.Run(context.Background(), "t3", nodes, Options{MaxTurns: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskFailed || state.ExitReason != "disk full" {
		t.Fatalf("state = %s/%q, want failed/disk full", state.Status, state.ExitReason)
	}
}

func TestNodePanicFailsTask(t *testing.T) {
	loop, _ := newTestLoop(t)
	nodes := []Node{{
		Name: "panics",
		Run: func(context.Context, *models.TaskState, map[string]any) (NodeResult, error) {
			panic("nil deref")
		},
	}}

	state, err := loop.Run(context.Background(), "t4", nodes, Options{MaxTurns: 5})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
}

func TestMaxTurnsCapsNodeInvocations(t *testing.T) {
	loop, _ := newTestLoop(t)
	var calls []string
	self := 0
	nodes := []Node{{
		Name: "spin",
		Run: func(context.Context, *models.TaskState, map[string]any) (NodeResult, error) {
			calls = append(calls, "spin")
			return NodeResult{NextStepIndex: &self}, nil
		},
	}}

	state, err := loop.Run(context.Background(), "t5", nodes, Options{MaxTurns: 4})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskMaxTurnsReached {
		t.Fatalf("status = %s, want max_turns_reached", state.Status)
	}
	if len(calls) != 4 {
		t.Fatalf("node ran %d times, want max_turns = 4", len(calls))
	}
}

func TestStartStepIndexOnFirstCreateOnly(t *testing.T) {
	loop, _ := newTestLoop(t)
	var calls []string
	nodes := []Node{stepNode("a", &calls), stepNode("b", &calls), stepNode("c", &calls)}

	state, err := loop.Run(context.Background(), "t6", nodes, Options{MaxTurns: 10, StartStepIndex: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if state.Status != models.TaskCompleted {
		t.Fatalf("status = %s", state.Status)
	}
	if len(calls) != 1 || calls[0] != "c" {
		t.Fatalf("calls = %v, want only c", calls)
	}
}
