package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecTool runs shell commands inside the workspace. Commands whose first
// word is on the safe list and that carry no shell metacharacters run
// directly; everything else is gated behind approval.
type ExecTool struct {
	workspace string
	timeout   time.Duration
	outputMax int
	safe      map[string]bool
}

// NewExecTool creates the exec tool rooted at workspace.
func NewExecTool(workspace string, timeout time.Duration, outputMax int, safeList []string) *ExecTool {
	safe := make(map[string]bool, len(safeList))
	for _, cmd := range safeList {
		safe[strings.ToLower(strings.TrimSpace(cmd))] = true
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if outputMax <= 0 {
		outputMax = 8000
	}
	return &ExecTool{workspace: workspace, timeout: timeout, outputMax: outputMax, safe: safe}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace directory. Output is truncated; long-running commands are killed after the timeout."
}

func (t *ExecTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "Shell command to run.",
		},
	}, "command")
}

// NeedsApproval gates anything beyond a bare safe-listed command.
// Metacharacters force the gate even for safe commands: "ls; rm -rf" must
// not ride the ls allowance.
func (t *ExecTool) NeedsApproval(params map[string]any) bool {
	command := stringParam(params, "command")
	if command == "" {
		return false // rejected in Execute, no need to bother a human
	}
	if strings.ContainsAny(command, ";|&><`$") {
		return true
	}
	fields := strings.Fields(command)
	return !t.safe[strings.ToLower(fields[0])]
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	command := stringParam(params, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := truncateOutput(buf.String(), t.outputMax)
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("command timed out after %s\n%s", t.timeout, output)
	}
	if err != nil {
		if output == "" {
			return "", fmt.Errorf("command failed: %w", err)
		}
		return fmt.Sprintf("exit error: %v\n%s", err, output), nil
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

func truncateOutput(s string, max int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n… (output truncated)"
}
