package tools

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/marubot/maru/internal/observability"
)

// DynamicDDL is the custom-tools manifest schema.
func DynamicDDL() []string {
	return []string{`
CREATE TABLE IF NOT EXISTS custom_tools (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	schema      TEXT NOT NULL DEFAULT '{"type":"object"}',
	command     TEXT NOT NULL
);`}
}

const dynamicPollInterval = 2 * time.Second

// DynamicManager mirrors the sqlite manifest at
// runtime/custom-tools/tools.db into the registry. Changes are picked up
// by signature polling, with an fsnotify watcher as an early wake.
type DynamicManager struct {
	db        *sql.DB
	dbPath    string
	registry  *Registry
	workspace string
	timeout   time.Duration
	outputMax int
	logger    *observability.Logger

	mu        sync.Mutex
	signature string
	owned     map[string]bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDynamicManager creates the manager over an opened manifest db.
func NewDynamicManager(db *sql.DB, dbPath string, registry *Registry, workspace string, timeout time.Duration, outputMax int, logger *observability.Logger) *DynamicManager {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if outputMax <= 0 {
		outputMax = 8000
	}
	return &DynamicManager{
		db:        db,
		dbPath:    dbPath,
		registry:  registry,
		workspace: workspace,
		timeout:   timeout,
		outputMax: outputMax,
		logger:    logger,
		owned:     make(map[string]bool),
	}
}

// Start loads the manifest and begins watching for changes.
func (m *DynamicManager) Start(ctx context.Context) {
	if _, err := m.Reload(ctx); err != nil {
		m.logger.Warn(ctx, "dynamic tools initial load failed", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	wake := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(filepath.Dir(m.dbPath)); err != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}
	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-runCtx.Done():
					return
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if filepath.Base(ev.Name) == filepath.Base(m.dbPath) {
						select {
						case wake <- struct{}{}:
						default:
						}
					}
				case <-watcher.Errors:
				}
			}
		}()
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(dynamicPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-wake:
			}
			if _, err := m.Reload(runCtx); err != nil {
				m.logger.Warn(runCtx, "dynamic tools reload failed", "error", err)
			}
		}
	}()
}

// Stop halts the watch loop.
func (m *DynamicManager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

type dynamicRow struct {
	name        string
	description string
	schema      string
	command     string
}

// Reload re-reads the manifest and syncs the registry when the row
// signature changed. Returns the number of registered dynamic tools.
func (m *DynamicManager) Reload(ctx context.Context) (int, error) {
	rows, err := m.readRows(ctx)
	if err != nil {
		return 0, err
	}
	sig := rowSignature(rows)

	m.mu.Lock()
	defer m.mu.Unlock()
	if sig == m.signature {
		return len(m.owned), nil
	}

	next := make(map[string]bool, len(rows))
	for _, row := range rows {
		compiled, err := jsonschema.CompileString(row.name+".schema.json", row.schema)
		if err != nil {
			m.logger.Warn(ctx, "dynamic tool schema invalid, skipping", "tool", row.name, "error", err)
			continue
		}
		var schemaDoc map[string]any
		if err := json.Unmarshal([]byte(row.schema), &schemaDoc); err != nil {
			schemaDoc = map[string]any{"type": "object"}
		}
		m.registry.Register(&DynamicTool{
			name:        row.name,
			description: row.description,
			schemaDoc:   schemaDoc,
			schema:      compiled,
			command:     row.command,
			workspace:   m.workspace,
			timeout:     m.timeout,
			outputMax:   m.outputMax,
		})
		next[strings.ToLower(row.name)] = true
	}
	for name := range m.owned {
		if !next[name] {
			m.registry.Unregister(name)
		}
	}
	m.owned = next
	m.signature = sig
	m.logger.Info(ctx, "dynamic tools synced", "count", len(next))
	return len(next), nil
}

func (m *DynamicManager) readRows(ctx context.Context) ([]dynamicRow, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name, description, schema, command FROM custom_tools ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("read custom tools: %w", err)
	}
	defer rows.Close()
	var out []dynamicRow
	for rows.Next() {
		var row dynamicRow
		if err := rows.Scan(&row.name, &row.description, &row.schema, &row.command); err != nil {
			return nil, err
		}
		row.name = strings.TrimSpace(row.name)
		if row.name == "" || strings.TrimSpace(row.command) == "" {
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func rowSignature(rows []dynamicRow) string {
	h := sha256.New()
	for _, row := range rows {
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x01", row.name, row.description, row.schema, row.command)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DynamicTool is one manifest row: a shell command with a JSON-schema
// contract. Always gated; user-supplied commands never run unattended.
type DynamicTool struct {
	name        string
	description string
	schemaDoc   map[string]any
	schema      *jsonschema.Schema
	command     string
	workspace   string
	timeout     time.Duration
	outputMax   int
}

func (t *DynamicTool) Name() string        { return t.name }
func (t *DynamicTool) Description() string { return t.description }

func (t *DynamicTool) Schema() map[string]any { return t.schemaDoc }

func (t *DynamicTool) NeedsApproval(map[string]any) bool { return true }

func (t *DynamicTool) Execute(ctx context.Context, params map[string]any, _ ExecContext) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	if err := t.schema.Validate(params); err != nil {
		return "", fmt.Errorf("params invalid for %s: %w", t.name, err)
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "sh", "-c", t.command)
	cmd.Dir = t.workspace
	cmd.Stdin = strings.NewReader(string(payload))
	cmd.Env = append(cmd.Environ(), "TOOL_PARAMS="+string(payload))

	output, err := cmd.CombinedOutput()
	text := truncateOutput(string(output), t.outputMax)
	if runCtx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("%s timed out after %s\n%s", t.name, t.timeout, text)
	}
	if err != nil {
		if text == "" {
			return "", fmt.Errorf("%s failed: %w", t.name, err)
		}
		return fmt.Sprintf("exit error: %v\n%s", err, text), nil
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}
