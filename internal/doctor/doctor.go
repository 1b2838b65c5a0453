// Package doctor runs environment diagnostics for the CLI: workspace
// layout, store files, provider credentials, and transport tokens.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marubot/maru/internal/config"
)

// Check is one diagnostic result.
type Check struct {
	Name   string
	OK     bool
	Detail string
}

// Run evaluates every check against cfg. Checks never mutate state.
func Run(cfg *config.Config) []Check {
	var out []Check
	out = append(out, checkWorkspace(cfg)...)
	out = append(out, checkProviders(cfg)...)
	out = append(out, checkChannels(cfg)...)
	out = append(out, checkVault(cfg))
	out = append(out, checkTimezone(cfg))
	return out
}

// Healthy reports whether every check passed.
func Healthy(checks []Check) bool {
	for _, c := range checks {
		if !c.OK {
			return false
		}
	}
	return true
}

// Format renders checks as an aligned two-column report.
func Format(checks []Check) string {
	width := 0
	for _, c := range checks {
		if len(c.Name) > width {
			width = len(c.Name)
		}
	}
	var b strings.Builder
	for _, c := range checks {
		mark := "✅"
		if !c.OK {
			mark = "❌"
		}
		fmt.Fprintf(&b, "%s %-*s %s\n", mark, width, c.Name, c.Detail)
	}
	return b.String()
}

func checkWorkspace(cfg *config.Config) []Check {
	var out []Check

	dir := cfg.Workspace.Dir
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		out = append(out, Check{"workspace", false, fmt.Sprintf("%s: %v", dir, err)})
	case !info.IsDir():
		out = append(out, Check{"workspace", false, dir + ": not a directory"})
	default:
		out = append(out, Check{"workspace", true, dir})
	}

	probe := filepath.Join(dir, ".doctor-probe")
	if f, err := os.Create(probe); err != nil {
		out = append(out, Check{"workspace writable", false, err.Error()})
	} else {
		f.Close()
		os.Remove(probe)
		out = append(out, Check{"workspace writable", true, "ok"})
	}

	dbPath := cfg.Workspace.DBPath()
	if _, err := os.Stat(dbPath); err != nil {
		out = append(out, Check{"store", true, dbPath + " (created on first run)"})
	} else {
		out = append(out, Check{"store", true, dbPath})
	}

	dlq := cfg.Dispatch.DLQPath
	if _, err := os.Stat(dlq); err != nil {
		out = append(out, Check{"dlq", true, "empty"})
	} else {
		out = append(out, Check{"dlq", true, dlq})
	}
	return out
}

func checkProviders(cfg *config.Config) []Check {
	var out []Check
	p := cfg.Providers
	if p.AnthropicKey == "" && p.OpenAIKey == "" {
		out = append(out, Check{"providers", false, "no provider key configured"})
		return out
	}
	if p.AnthropicKey != "" {
		out = append(out, Check{"provider anthropic", true, "key set"})
	}
	if p.OpenAIKey != "" {
		out = append(out, Check{"provider openai", true, "key set"})
	}
	if p.Executor != "" && p.Executor != "anthropic" && p.Executor != "openai" {
		out = append(out, Check{"provider executor", false, "unknown executor " + p.Executor})
	}
	return out
}

func checkChannels(cfg *config.Config) []Check {
	type channel struct {
		name string
		cc   config.ChannelConfig
	}
	var out []Check
	enabled := 0
	for _, ch := range []channel{
		{"slack", cfg.Channels.Slack},
		{"discord", cfg.Channels.Discord},
		{"telegram", cfg.Channels.Telegram},
	} {
		if !ch.cc.Enabled {
			continue
		}
		enabled++
		if ch.cc.BotToken == "" {
			out = append(out, Check{"channel " + ch.name, false, "enabled without bot token"})
			continue
		}
		detail := "token set"
		if ch.cc.DefaultChannel == "" {
			detail = "token set, no default channel (poll disabled)"
		}
		out = append(out, Check{"channel " + ch.name, true, detail})
	}
	if enabled == 0 {
		out = append(out, Check{"channels", false, "no channel enabled"})
	}
	return out
}

func checkVault(cfg *config.Config) Check {
	if cfg.Vault.Key == "" {
		return Check{"vault", true, "disabled (no key)"}
	}
	return Check{"vault", true, "key set"}
}

func checkTimezone(cfg *config.Config) Check {
	tz := cfg.Cron.Timezone
	if tz == "" {
		return Check{"timezone", true, "local"}
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return Check{"timezone", false, fmt.Sprintf("%s: %v", tz, err)}
	}
	return Check{"timezone", true, tz}
}
