// Package config loads the relaycode YAML configuration, applies
// RELAYCODE_* environment overrides and watches the file for hot reloads.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/relaycode-dev/relaycode/internal/bridge/approval"
	"github.com/relaycode-dev/relaycode/internal/bridge/session"
)

// SlackConfig carries the Socket Mode credentials.
type SlackConfig struct {
	// BotToken is the xoxb- bot user token.
	BotToken string `yaml:"bot_token" json:"bot_token"`
	// AppToken is the xapp- app-level token for Socket Mode.
	AppToken string `yaml:"app_token" json:"app_token"`
	// Debug turns on slack-go client logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`
}

// CodexConfig describes the app-server subprocess.
type CodexConfig struct {
	// Command is the argv of the app server. Default: ["codex", "app-server"].
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	// WorkingDir is the subprocess working directory. Empty means inherit.
	WorkingDir string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
	// Env entries are appended to the inherited environment.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`
	// RestartDelaySeconds is the initial crash-restart backoff.
	RestartDelaySeconds int `yaml:"restart_delay_seconds,omitempty" json:"restart_delay_seconds,omitempty"`
	// RestartDelayMaxSeconds caps the backoff after repeated crashes.
	RestartDelayMaxSeconds int `yaml:"restart_delay_max_seconds,omitempty" json:"restart_delay_max_seconds,omitempty"`
}

// DefaultsConfig seeds new conversations; per-channel settings override it.
type DefaultsConfig struct {
	Model             string `yaml:"model,omitempty" json:"model,omitempty"`
	ReasoningEffort   string `yaml:"reasoning_effort,omitempty" json:"reasoning_effort,omitempty"`
	ApprovalPolicy    string `yaml:"approval_policy,omitempty" json:"approval_policy,omitempty"`
	UpdateRateSeconds int    `yaml:"update_rate_seconds,omitempty" json:"update_rate_seconds,omitempty"`
	ThreadCharLimit   int    `yaml:"thread_char_limit,omitempty" json:"thread_char_limit,omitempty"`
	WorkingDir        string `yaml:"working_dir,omitempty" json:"working_dir,omitempty"`
}

// ApprovalConfig holds the auto-decision rules and prompt timing.
type ApprovalConfig struct {
	Rules             []approval.RuleSpec `yaml:"rules,omitempty" json:"rules,omitempty"`
	ReminderSeconds   int                 `yaml:"reminder_seconds,omitempty" json:"reminder_seconds,omitempty"`
	ExpirySeconds     int                 `yaml:"expiry_seconds,omitempty" json:"expiry_seconds,omitempty"`
	DMDebounceSeconds int                 `yaml:"dm_debounce_seconds,omitempty" json:"dm_debounce_seconds,omitempty"`
}

// APIConfig configures the admin/health HTTP server.
type APIConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Listen is the bind address, default 127.0.0.1:8716.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
	// JWTSecret signs admin bearer tokens; generated by `relaycode token`.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty"`
	// AdminKeyHash is the argon2id hash of the static admin key.
	AdminKeyHash    string `yaml:"admin_key_hash,omitempty" json:"admin_key_hash,omitempty"`
	TokenTTLMinutes int    `yaml:"token_ttl_minutes,omitempty" json:"token_ttl_minutes,omitempty"`
}

// MetricsConfig selects the OpenTelemetry exporters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Exporters: any of stdout, otlp-grpc, otlp-http, sqlite.
	Exporters []string `yaml:"exporters,omitempty" json:"exporters,omitempty"`
	// Endpoint is the OTLP collector address for the otlp exporters.
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	IntervalSeconds int    `yaml:"interval_seconds,omitempty" json:"interval_seconds,omitempty"`
}

// LogConfig controls level and, in daemon mode, file rotation.
type LogConfig struct {
	Level string `yaml:"level,omitempty" json:"level,omitempty"`
	// File, when set, routes logs through a rotating writer instead of
	// stderr. Daemon mode defaults it to <data_dir>/log/relaycode.log.
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" json:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty" json:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty" json:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty" json:"compress,omitempty"`
}

// MarkdownConfig configures the optional markdown-to-image pipeline.
type MarkdownConfig struct {
	// ImageRenderer is the argv of an HTML-to-PNG rasterizer reading HTML on
	// stdin and writing PNG to stdout. Empty disables image uploads.
	ImageRenderer  []string `yaml:"image_renderer,omitempty" json:"image_renderer,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Slack    SlackConfig    `yaml:"slack" json:"slack"`
	Codex    CodexConfig    `yaml:"codex" json:"codex"`
	Defaults DefaultsConfig `yaml:"defaults" json:"defaults"`
	Approval ApprovalConfig `yaml:"approval" json:"approval"`
	API      APIConfig      `yaml:"api" json:"api"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Markdown MarkdownConfig `yaml:"markdown" json:"markdown"`

	// DataDir holds sessions.json, audit.db and logs. Default: config dir.
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`

	// ConfigFile is the path this config was loaded from. Not serialized.
	ConfigFile string `yaml:"-" json:"-"`
}

// Load reads <dir>/config.yaml, tolerating a missing file, then applies
// environment overrides and defaults. An empty dir means ~/.relaycode.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultConfDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	cfg := &Config{ConfigFile: filepath.Join(dir, ConfigFileName)}
	data, err := os.ReadFile(cfg.ConfigFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: defaults plus environment only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		configFile := cfg.ConfigFile
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", configFile, err)
		}
		cfg.ConfigFile = configFile
	}

	cfg.applyEnv()
	cfg.applyDefaults(dir)
	return cfg, nil
}

// Save writes the config back to its file. Tokens live here, so the file is
// owner-only.
func (c *Config) Save() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("config file path is empty")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigFile, data, 0600)
}

// applyEnv maps RELAYCODE_* variables over the file contents.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "SLACK_BOT_TOKEN"); v != "" {
		c.Slack.BotToken = v
	}
	if v := os.Getenv(EnvPrefix + "SLACK_APP_TOKEN"); v != "" {
		c.Slack.AppToken = v
	}
	if v := os.Getenv(EnvPrefix + "CODEX_COMMAND"); v != "" {
		c.Codex.Command = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "CODEX_WORKDIR"); v != "" {
		c.Codex.WorkingDir = v
	}
	if v := os.Getenv(EnvPrefix + "DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv(EnvPrefix + "API_LISTEN"); v != "" {
		c.API.Listen = v
	}
	if v := os.Getenv(EnvPrefix + "API_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv(EnvPrefix + "METRICS_EXPORTERS"); v != "" {
		c.Metrics.Exporters = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "METRICS_ENDPOINT"); v != "" {
		c.Metrics.Endpoint = v
	}
}

func (c *Config) applyDefaults(dir string) {
	if c.DataDir == "" {
		c.DataDir = dir
	}
	if len(c.Codex.Command) == 0 {
		c.Codex.Command = []string{"codex", "app-server"}
	}
	if c.Codex.RestartDelaySeconds <= 0 {
		c.Codex.RestartDelaySeconds = 1
	}
	if c.Codex.RestartDelayMaxSeconds <= 0 {
		c.Codex.RestartDelayMaxSeconds = 30
	}

	if c.Defaults.ApprovalPolicy == "" {
		c.Defaults.ApprovalPolicy = session.PolicyOnRequest
	}
	if c.Defaults.UpdateRateSeconds == 0 {
		c.Defaults.UpdateRateSeconds = 3
	}
	c.Defaults.UpdateRateSeconds = session.ClampUpdateRate(c.Defaults.UpdateRateSeconds)
	if c.Defaults.ThreadCharLimit == 0 {
		c.Defaults.ThreadCharLimit = 500
	}
	c.Defaults.ThreadCharLimit = session.ClampThreadCharLimit(c.Defaults.ThreadCharLimit)

	if c.Approval.ReminderSeconds <= 0 {
		c.Approval.ReminderSeconds = 60
	}
	if c.Approval.ExpirySeconds <= 0 {
		c.Approval.ExpirySeconds = 300
	}
	if c.Approval.DMDebounceSeconds <= 0 {
		c.Approval.DMDebounceSeconds = 15
	}

	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:8716"
	}
	if c.API.TokenTTLMinutes <= 0 {
		c.API.TokenTTLMinutes = 60
	}

	if len(c.Metrics.Exporters) == 0 {
		c.Metrics.Exporters = []string{"sqlite"}
	}
	if c.Metrics.IntervalSeconds <= 0 {
		c.Metrics.IntervalSeconds = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 10
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 10
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}

	if c.Markdown.TimeoutSeconds <= 0 {
		c.Markdown.TimeoutSeconds = 30
	}
}

// Validate checks everything serve needs. Commands that run without Slack
// (token, status) skip it.
func (c *Config) Validate() error {
	if c.Slack.BotToken == "" {
		return fmt.Errorf("slack.bot_token is required (or %sSLACK_BOT_TOKEN)", EnvPrefix)
	}
	if c.Slack.AppToken == "" {
		return fmt.Errorf("slack.app_token is required (or %sSLACK_APP_TOKEN)", EnvPrefix)
	}
	if !strings.HasPrefix(c.Slack.AppToken, "xapp-") {
		return fmt.Errorf("slack.app_token must be an app-level token (xapp-…)")
	}
	if !session.ValidPolicy(c.Defaults.ApprovalPolicy) {
		return fmt.Errorf("defaults.approval_policy %q is not one of never|on-request|on-failure|untrusted", c.Defaults.ApprovalPolicy)
	}
	if c.Defaults.ReasoningEffort != "" && !session.ValidReasoningEffort(c.Defaults.ReasoningEffort) {
		return fmt.Errorf("defaults.reasoning_effort %q is not a known effort level", c.Defaults.ReasoningEffort)
	}
	for _, name := range c.Metrics.Exporters {
		switch name {
		case "stdout", "otlp-grpc", "otlp-http", "sqlite":
		default:
			return fmt.Errorf("metrics.exporters: unknown exporter %q", name)
		}
	}
	if _, err := approval.NewEngine(c.Approval.Rules); err != nil {
		return fmt.Errorf("approval.rules: %w", err)
	}
	return nil
}

// SessionsPath is the session store location inside the data dir.
func (c *Config) SessionsPath() string {
	return filepath.Join(c.DataDir, SessionsFileName)
}

// AuditDBPath is the sqlite audit database location inside the data dir.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, AuditDBFileName)
}

// LogDir is the log directory inside the data dir.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, LogDirName)
}
