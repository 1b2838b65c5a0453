package doctor

import (
	"strings"
	"testing"

	"github.com/marubot/maru/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Workspace.Dir = t.TempDir()
	cfg.Providers.AnthropicKey = "key"
	cfg.Channels.Slack.Enabled = true
	cfg.Channels.Slack.BotToken = "xoxb-test"
	cfg.Channels.Slack.DefaultChannel = "C123"
	return cfg
}

func TestRunHealthy(t *testing.T) {
	checks := Run(testConfig(t))
	if !Healthy(checks) {
		t.Fatalf("expected healthy report:\n%s", Format(checks))
	}
}

func TestRunFlagsMissingProviderKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Providers.AnthropicKey = ""
	checks := Run(cfg)
	if Healthy(checks) {
		t.Fatal("missing provider key not flagged")
	}
	if !strings.Contains(Format(checks), "no provider key") {
		t.Fatalf("report missing detail:\n%s", Format(checks))
	}
}

func TestRunFlagsEnabledChannelWithoutToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Slack.BotToken = ""
	checks := Run(cfg)
	if Healthy(checks) {
		t.Fatal("tokenless enabled channel not flagged")
	}
}

func TestRunFlagsNoChannels(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channels.Slack.Enabled = false
	checks := Run(cfg)
	if Healthy(checks) {
		t.Fatal("zero enabled channels not flagged")
	}
}

func TestRunFlagsBadTimezone(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cron.Timezone = "Mars/Olympus"
	if Healthy(Run(cfg)) {
		t.Fatal("invalid timezone not flagged")
	}
}
