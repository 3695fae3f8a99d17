package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const validTokens = `slack:
  bot_token: xoxb-test
  app_token: xapp-test
`

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, ConfigFileName), cfg.ConfigFile)
	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, []string{"codex", "app-server"}, cfg.Codex.Command)
	require.Equal(t, 1, cfg.Codex.RestartDelaySeconds)
	require.Equal(t, 30, cfg.Codex.RestartDelayMaxSeconds)
	require.Equal(t, session.PolicyOnRequest, cfg.Defaults.ApprovalPolicy)
	require.Equal(t, 3, cfg.Defaults.UpdateRateSeconds)
	require.Equal(t, 500, cfg.Defaults.ThreadCharLimit)
	require.Equal(t, 60, cfg.Approval.ReminderSeconds)
	require.Equal(t, 300, cfg.Approval.ExpirySeconds)
	require.Equal(t, "127.0.0.1:8716", cfg.API.Listen)
	require.Equal(t, []string{"sqlite"}, cfg.Metrics.Exporters)
	require.Equal(t, "info", cfg.Log.Level)

	require.Equal(t, filepath.Join(dir, SessionsFileName), cfg.SessionsPath())
	require.Equal(t, filepath.Join(dir, AuditDBFileName), cfg.AuditDBPath())
	require.Equal(t, filepath.Join(dir, LogDirName), cfg.LogDir())
}

func TestLoadFileClampsAndOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validTokens+`defaults:
  model: gpt-5
  reasoning_effort: high
  update_rate_seconds: 99
  thread_char_limit: 50
codex:
  command: ["/usr/local/bin/codex", "app-server", "--verbose"]
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "xoxb-test", cfg.Slack.BotToken)
	require.Equal(t, "gpt-5", cfg.Defaults.Model)
	require.Equal(t, "high", cfg.Defaults.ReasoningEffort)
	require.Equal(t, 10, cfg.Defaults.UpdateRateSeconds, "update rate clamps to the ceiling")
	require.Equal(t, 100, cfg.Defaults.ThreadCharLimit, "char limit clamps to the floor")
	require.Equal(t, []string{"/usr/local/bin/codex", "app-server", "--verbose"}, cfg.Codex.Command)
	require.NoError(t, cfg.Validate())
}

func TestLoadBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "slack: [not a mapping")

	_, err := Load(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), ConfigFileName)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `slack:
  bot_token: xoxb-file
  app_token: xapp-file
api:
  listen: 127.0.0.1:9999
`)

	t.Setenv(EnvPrefix+"SLACK_BOT_TOKEN", "xoxb-env")
	t.Setenv(EnvPrefix+"CODEX_COMMAND", "codex app-server --profile slack")
	t.Setenv(EnvPrefix+"API_LISTEN", "0.0.0.0:8080")
	t.Setenv(EnvPrefix+"DATA_DIR", "/var/lib/relaycode")
	t.Setenv(EnvPrefix+"METRICS_EXPORTERS", "stdout sqlite")

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "xoxb-env", cfg.Slack.BotToken)
	require.Equal(t, "xapp-file", cfg.Slack.AppToken, "untouched fields keep file values")
	require.Equal(t, []string{"codex", "app-server", "--profile", "slack"}, cfg.Codex.Command)
	require.Equal(t, "0.0.0.0:8080", cfg.API.Listen)
	require.Equal(t, "/var/lib/relaycode", cfg.DataDir)
	require.Equal(t, []string{"stdout", "sqlite"}, cfg.Metrics.Exporters)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		cfg.Slack.BotToken = "xoxb-test"
		cfg.Slack.AppToken = "xapp-test"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "missing bot token",
			mutate:  func(c *Config) { c.Slack.BotToken = "" },
			wantErr: "bot_token",
		},
		{
			name:    "missing app token",
			mutate:  func(c *Config) { c.Slack.AppToken = "" },
			wantErr: "app_token",
		},
		{
			name:    "app token wrong prefix",
			mutate:  func(c *Config) { c.Slack.AppToken = "xoxb-not-app" },
			wantErr: "xapp-",
		},
		{
			name:    "unknown approval policy",
			mutate:  func(c *Config) { c.Defaults.ApprovalPolicy = "sometimes" },
			wantErr: "approval_policy",
		},
		{
			name:    "unknown reasoning effort",
			mutate:  func(c *Config) { c.Defaults.ReasoningEffort = "extreme" },
			wantErr: "reasoning_effort",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Metrics.Exporters = []string{"statsd"} },
			wantErr: "exporter",
		},
		{
			name: "bad approval rule expression",
			mutate: func(c *Config) {
				c.Approval.Rules = []approval.RuleSpec{
					{Name: "broken", When: "Command startsWith", Decision: "ask"},
				}
			},
			wantErr: "approval.rules",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)
	cfg.Slack.BotToken = "xoxb-secret"
	cfg.Slack.AppToken = "xapp-secret"
	cfg.Defaults.Model = "gpt-5"
	require.NoError(t, cfg.Save())

	stat, err := os.Stat(cfg.ConfigFile)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), stat.Mode().Perm())

	reloaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, cfg.ConfigFile, reloaded.ConfigFile)
	require.Equal(t, "xoxb-secret", reloaded.Slack.BotToken)
	require.Equal(t, "gpt-5", reloaded.Defaults.Model)
	require.Equal(t, cfg.Defaults.UpdateRateSeconds, reloaded.Defaults.UpdateRateSeconds)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validTokens+"defaults:\n  model: gpt-5\n")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, past, past))

	cfg, err := Load(dir)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	var mu sync.Mutex
	var models []string
	w.AddCallback(func(c *Config) {
		mu.Lock()
		defer mu.Unlock()
		models = append(models, c.Defaults.Model)
	})
	require.NoError(t, w.Start())
	require.Error(t, w.Start(), "second start must fail")

	writeConfig(t, dir, validTokens+"defaults:\n  model: o3\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(models) > 0 && models[len(models)-1] == "o3"
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop(), "stop is idempotent")
}

func TestWatcherSkipsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validTokens)

	cfg, err := Load(dir)
	require.NoError(t, err)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0
	w.AddCallback(func(*Config) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	// Token missing: validation fails, callbacks stay quiet.
	writeConfig(t, dir, "slack:\n  bot_token: xoxb-only\n")
	w.TriggerReload()
	mu.Lock()
	require.Zero(t, calls)
	mu.Unlock()

	writeConfig(t, dir, validTokens)
	w.TriggerReload()
	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher(&Config{})
	require.Error(t, err)
}
