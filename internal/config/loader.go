package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or the file does not exist), then
// environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decodeYAML(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Env-only operation is supported.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("expected single yaml document")
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Every knob the process
// reads from the environment is listed here and nowhere else.
func applyEnv(cfg *Config) {
	setString(&cfg.Workspace.Dir, "WORKSPACE_DIR")

	setString(&cfg.Channels.Slack.BotToken, "SLACK_BOT_TOKEN")
	setString(&cfg.Channels.Discord.BotToken, "DISCORD_BOT_TOKEN")
	setString(&cfg.Channels.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Channels.Slack.DefaultChannel, "SLACK_DEFAULT_CHANNEL")
	setString(&cfg.Channels.Discord.DefaultChannel, "DISCORD_DEFAULT_CHANNEL")
	setString(&cfg.Channels.Telegram.DefaultChannel, "TELEGRAM_DEFAULT_CHANNEL")
	if cfg.Channels.Slack.BotToken != "" {
		cfg.Channels.Slack.Enabled = true
	}
	if cfg.Channels.Discord.BotToken != "" {
		cfg.Channels.Discord.Enabled = true
	}
	if cfg.Channels.Telegram.BotToken != "" {
		cfg.Channels.Telegram.Enabled = true
	}

	setInt(&cfg.Router.PollIntervalMs, "CHANNEL_POLL_INTERVAL_MS")
	setInt(&cfg.Router.ReadLimit, "CHANNEL_READ_LIMIT")
	setInt(&cfg.Router.InboundConcurrency, "CHANNEL_INBOUND_CONCURRENCY")
	setBool(&cfg.Router.AutoReply, "CHANNEL_AUTO_REPLY")

	setBool(&cfg.Streaming.Enabled, "CHANNEL_STREAMING_ENABLED")
	setInt(&cfg.Streaming.MinChars, "CHANNEL_STREAMING_MIN_CHARS")
	setInt(&cfg.Streaming.IntervalMs, "CHANNEL_STREAMING_INTERVAL_MS")
	setBool(&cfg.Streaming.SuppressFinalAfterStream, "CHANNEL_STREAMING_SUPPRESS_FINAL")

	setInt(&cfg.Dispatch.InlineMax, "CHANNEL_DISPATCH_RETRY_INLINE_MAX")
	setInt(&cfg.Dispatch.BaseMs, "CHANNEL_DISPATCH_RETRY_BASE_MS")
	setInt(&cfg.Dispatch.MaxMs, "CHANNEL_DISPATCH_RETRY_MAX_MS")
	setInt(&cfg.Dispatch.JitterMs, "CHANNEL_DISPATCH_RETRY_JITTER_MS")
	setInt(&cfg.Dispatch.RetryQueueMax, "CHANNEL_DISPATCH_RETRY_QUEUE_MAX")
	setString(&cfg.Dispatch.DLQPath, "CHANNEL_DISPATCH_DLQ_PATH")

	setString(&cfg.Agent.DefaultAlias, "DEFAULT_AGENT_ALIAS")
	setInt(&cfg.Agent.MaxTurns, "AGENT_LOOP_MAX_TURNS")
	setInt(&cfg.Task.MaxTurns, "TASK_LOOP_MAX_TURNS")

	setInt(&cfg.Tools.ExecTimeoutS, "TOOL_EXEC_TIMEOUT_S")
	setInt(&cfg.Tools.ExecOutputMax, "TOOL_EXEC_OUTPUT_MAX")
	setInt(&cfg.Cron.TickMs, "CRON_TICK_MS")
	setString(&cfg.Cron.Timezone, "CRON_TIMEZONE")

	setString(&cfg.Providers.Executor, "ORCH_EXECUTOR_PROVIDER")
	setString(&cfg.Providers.Fallback, "ORCH_FALLBACK_PROVIDER")
	setString(&cfg.Providers.AnthropicKey, "ANTHROPIC_API_KEY")
	setString(&cfg.Providers.AnthropicModel, "ANTHROPIC_MODEL")
	setString(&cfg.Providers.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.Providers.OpenAIModel, "OPENAI_MODEL")

	setString(&cfg.Vault.Key, "SECRET_VAULT_KEY")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
	setString(&cfg.Metrics.Addr, "METRICS_ADDR")
	setString(&cfg.Tracing.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
