package models

import (
	"encoding/json"
	"testing"
)

func TestTaskState_StepIndex(t *testing.T) {
	tests := []struct {
		name   string
		memory map[string]any
		want   int
	}{
		{"nil memory", nil, 0},
		{"missing key", map[string]any{}, 0},
		{"int", map[string]any{StepIndexKey: 3}, 3},
		{"float64 from json", map[string]any{StepIndexKey: float64(7)}, 7},
		{"unexpected type", map[string]any{StepIndexKey: "2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &TaskState{Memory: tt.memory}
			if got := ts.StepIndex(); got != tt.want {
				t.Errorf("StepIndex() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTaskState_SetStepIndex_ClampsNegative(t *testing.T) {
	ts := &TaskState{}
	ts.SetStepIndex(-5)
	if got := ts.StepIndex(); got != 0 {
		t.Errorf("StepIndex() after negative set = %d, want 0", got)
	}
}

func TestTaskState_StepIndex_SurvivesJSONRoundTrip(t *testing.T) {
	ts := &TaskState{TaskID: "t1", Status: TaskRunning}
	ts.SetStepIndex(4)

	payload, err := json.Marshal(ts)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var back TaskState
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := back.StepIndex(); got != 4 {
		t.Errorf("StepIndex() after round trip = %d, want 4", got)
	}
}

func TestApprovalRequest_Terminal(t *testing.T) {
	r := &ApprovalRequest{Status: ApprovalPending}
	if r.Terminal() {
		t.Error("pending request reported terminal")
	}
	for _, s := range []ApprovalStatus{ApprovalApproved, ApprovalDenied, ApprovalDeferred, ApprovalCancelled, ApprovalClarify} {
		r.Status = s
		if !r.Terminal() {
			t.Errorf("status %q not reported terminal", s)
		}
	}
}
