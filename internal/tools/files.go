package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const readFileMax = 64 * 1024

// sealPath resolves p against the workspace root and reports whether the
// result escapes it. Relative paths are workspace-relative; absolute paths
// are kept as-is and checked.
func sealPath(workspace, p string) (string, bool) {
	if p == "" {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspace, p)
	}
	p = filepath.Clean(p)
	root := filepath.Clean(workspace)
	inside := p == root || strings.HasPrefix(p, root+string(filepath.Separator))
	return p, inside
}

// ReadFileTool reads workspace files.
type ReadFileTool struct {
	workspace string
}

func NewReadFileTool(workspace string) *ReadFileTool { return &ReadFileTool{workspace: workspace} }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read a text file inside the workspace. Paths are workspace-relative."
}

func (t *ReadFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "File path relative to the workspace."},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	path, inside := sealPath(t.workspace, stringParam(params, "path"))
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if !inside {
		return "", fmt.Errorf("path escapes the workspace: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > readFileMax {
		return string(data[:readFileMax]) + "\n… (file truncated)", nil
	}
	return string(data), nil
}

// WriteFileTool writes files. Writes inside the workspace run freely;
// anything outside needs approval.
type WriteFileTool struct {
	workspace string
}

func NewWriteFileTool(workspace string) *WriteFileTool { return &WriteFileTool{workspace: workspace} }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file. Parent directories are created. Writes outside the workspace require approval."
}

func (t *WriteFileTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Destination path."},
		"content": map[string]any{"type": "string", "description": "Full file content."},
	}, "content", "path")
}

func (t *WriteFileTool) NeedsApproval(params map[string]any) bool {
	path, inside := sealPath(t.workspace, stringParam(params, "path"))
	return path != "" && !inside
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	raw := stringParam(params, "path")
	path, _ := sealPath(t.workspace, raw)
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	content, _ := params["content"].(string)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	workspace string
}

func NewListDirTool(workspace string) *ListDirTool { return &ListDirTool{workspace: workspace} }

func (t *ListDirTool) Name() string { return "list_dir" }

func (t *ListDirTool) Description() string {
	return "List entries of a workspace directory."
}

func (t *ListDirTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory path, defaults to the workspace root."},
	})
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	raw := stringParam(params, "path")
	if raw == "" {
		raw = "."
	}
	path, inside := sealPath(t.workspace, raw)
	if !inside {
		return "", fmt.Errorf("path escapes the workspace: %s", path)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return "(empty)", nil
	}
	return strings.Join(names, "\n"), nil
}
