// Package config loads orchestrator configuration from an optional YAML
// file merged with environment variables. Environment values win. The
// resulting Config is immutable at runtime; subsystems receive it (or a
// sub-struct) at construction and never read the environment themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Router    RouterConfig    `yaml:"router"`
	Streaming StreamingConfig `yaml:"streaming"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Agent     AgentConfig     `yaml:"agent"`
	Task      TaskConfig      `yaml:"task"`
	Tools     ToolsConfig     `yaml:"tools"`
	Cron      CronConfig      `yaml:"cron"`
	Providers ProvidersConfig `yaml:"providers"`
	Vault     VaultConfig     `yaml:"vault"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// WorkspaceConfig locates the working directory all runtime state lives under.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// RuntimeDir returns the runtime state root (tasks, cron, events, dlq, lock).
func (w WorkspaceConfig) RuntimeDir() string {
	return filepath.Join(w.Dir, "runtime")
}

// DBPath returns the shared sqlite database file.
func (w WorkspaceConfig) DBPath() string {
	return filepath.Join(w.Dir, "maru.db")
}

// ChannelConfig is one platform's transport settings.
type ChannelConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BotToken       string `yaml:"bot_token"`
	DefaultChannel string `yaml:"default_channel"`
}

// ChannelsConfig holds the three supported platforms.
type ChannelsConfig struct {
	Slack    ChannelConfig `yaml:"slack"`
	Discord  ChannelConfig `yaml:"discord"`
	Telegram ChannelConfig `yaml:"telegram"`
}

// RouterConfig tunes the inbound poll and consumer loops.
type RouterConfig struct {
	PollIntervalMs     int  `yaml:"poll_interval_ms"`
	ReadLimit          int  `yaml:"read_limit"`
	InboundConcurrency int  `yaml:"inbound_concurrency"`
	AutoReply          bool `yaml:"auto_reply"`
	SeenTTLMs          int  `yaml:"seen_ttl_ms"`
	SeenMaxEntries     int  `yaml:"seen_max_entries"`
	MentionCooldownMs  int  `yaml:"mention_cooldown_ms"`
}

// PollInterval returns the poll period as a duration.
func (r RouterConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalMs) * time.Millisecond
}

// StreamingConfig tunes token streaming back to the chat.
type StreamingConfig struct {
	Enabled                  bool `yaml:"enabled"`
	MinChars                 int  `yaml:"min_chars"`
	IntervalMs               int  `yaml:"interval_ms"`
	SuppressFinalAfterStream bool `yaml:"suppress_final_after_stream"`
}

// DispatchConfig tunes outbound retry, requeue, dedupe, and the DLQ.
type DispatchConfig struct {
	InlineMax       int     `yaml:"inline_max"`
	BaseMs          int     `yaml:"base_ms"`
	MaxMs           int     `yaml:"max_ms"`
	JitterMs        int     `yaml:"jitter_ms"`
	RetryQueueMax   int     `yaml:"retry_queue_max"`
	DLQPath         string  `yaml:"dlq_path"`
	StreamDedupeMs  int     `yaml:"stream_dedupe_ms"`
	DefaultDedupeMs int     `yaml:"default_dedupe_ms"`
	SendsPerSecond  float64 `yaml:"sends_per_second"`
}

// AgentConfig tunes the agent loop.
type AgentConfig struct {
	DefaultAlias string `yaml:"default_alias"`
	MaxTurns     int    `yaml:"max_turns"`
	TurnTimeoutS int    `yaml:"turn_timeout_s"`
}

// TaskConfig tunes the task loop.
type TaskConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// ToolsConfig tunes built-in tool execution.
type ToolsConfig struct {
	ExecTimeoutS    int      `yaml:"exec_timeout_s"`
	ExecOutputMax   int      `yaml:"exec_output_max"`
	ExecSafeList    []string `yaml:"exec_safe_list"`
	WebFetchMaxKB   int      `yaml:"web_fetch_max_kb"`
	WebFetchTimeout int      `yaml:"web_fetch_timeout_s"`
	CronBlocked     []string `yaml:"cron_blocked"`
}

// CronConfig tunes the persistent scheduler.
type CronConfig struct {
	TickMs   int    `yaml:"tick_ms"`
	Timezone string `yaml:"timezone"`
}

// ProvidersConfig selects and authenticates LLM providers.
type ProvidersConfig struct {
	Executor       string `yaml:"executor"`
	Fallback       string `yaml:"fallback"`
	AnthropicKey   string `yaml:"anthropic_key"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIKey      string `yaml:"openai_key"`
	OpenAIModel    string `yaml:"openai_model"`
	MaxTokens      int    `yaml:"max_tokens"`
}

// VaultConfig keys the secret vault.
type VaultConfig struct {
	Key string `yaml:"key"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes the Prometheus listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// TracingConfig exposes OTLP trace export. Empty Endpoint disables it.
type TracingConfig struct {
	Endpoint string  `yaml:"endpoint"`
	Sampling float64 `yaml:"sampling"`
	Insecure bool    `yaml:"insecure"`
}

// Default returns the baseline configuration before file and env merging.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Dir: defaultWorkspaceDir()},
		Router: RouterConfig{
			PollIntervalMs:     1500,
			ReadLimit:          10,
			InboundConcurrency: 4,
			AutoReply:          true,
			SeenTTLMs:          int((20 * time.Minute).Milliseconds()),
			SeenMaxEntries:     5000,
			MentionCooldownMs:  5000,
		},
		Streaming: StreamingConfig{
			Enabled:                 true,
			MinChars:                120,
			IntervalMs:              1200,
			SuppressFinalAfterStream: true,
		},
		Dispatch: DispatchConfig{
			InlineMax:       0,
			BaseMs:          500,
			MaxMs:           15000,
			JitterMs:        250,
			RetryQueueMax:   3,
			StreamDedupeMs:  5000,
			DefaultDedupeMs: 60000,
			SendsPerSecond:  5,
		},
		Agent: AgentConfig{
			DefaultAlias: "claude",
			MaxTurns:     12,
			TurnTimeoutS: 300,
		},
		Task: TaskConfig{MaxTurns: 50},
		Tools: ToolsConfig{
			ExecTimeoutS:    60,
			ExecOutputMax:   8000,
			ExecSafeList:    []string{"ls", "cat", "head", "tail", "wc", "date", "pwd", "echo", "grep", "find"},
			WebFetchMaxKB:   512,
			WebFetchTimeout: 20,
			CronBlocked:     []string{"spawn"},
		},
		Cron: CronConfig{TickMs: 1000, Timezone: "Asia/Seoul"},
		Providers: ProvidersConfig{
			Executor:  "anthropic",
			MaxTokens: 4096,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Tracing: TracingConfig{Sampling: 1.0},
	}
}

func defaultWorkspaceDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return filepath.Join(home, "maru")
}

// Validate checks cross-field consistency after merging.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.Dir) == "" {
		return fmt.Errorf("workspace dir is required")
	}
	if c.Router.InboundConcurrency < 1 {
		return fmt.Errorf("inbound_concurrency must be at least 1, got %d", c.Router.InboundConcurrency)
	}
	if c.Router.PollIntervalMs < 100 {
		return fmt.Errorf("poll_interval_ms must be at least 100, got %d", c.Router.PollIntervalMs)
	}
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent max_turns must be at least 1, got %d", c.Agent.MaxTurns)
	}
	if c.Task.MaxTurns < 1 {
		return fmt.Errorf("task max_turns must be at least 1, got %d", c.Task.MaxTurns)
	}
	if c.Dispatch.RetryQueueMax < 0 || c.Dispatch.InlineMax < 0 {
		return fmt.Errorf("dispatch retry counts must not be negative")
	}
	switch c.Providers.Executor {
	case "anthropic", "openai", "":
	default:
		return fmt.Errorf("unknown executor provider %q", c.Providers.Executor)
	}
	if c.Dispatch.DLQPath == "" {
		c.Dispatch.DLQPath = filepath.Join(c.Workspace.RuntimeDir(), "dlq", "outbound.jsonl")
	}
	return nil
}

// EnabledChannels lists providers with a token configured and enabled.
func (c *Config) EnabledChannels() []string {
	var out []string
	if c.Channels.Slack.Enabled && c.Channels.Slack.BotToken != "" {
		out = append(out, "slack")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.BotToken != "" {
		out = append(out, "discord")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken != "" {
		out = append(out, "telegram")
	}
	return out
}
