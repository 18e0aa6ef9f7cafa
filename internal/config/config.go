package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultWebhookSecret is the placeholder secret that leaves signature checks disabled
const DefaultWebhookSecret = "change-me-in-production"

// Config holds all application configuration
type Config struct {
	General       GeneralConfig          `toml:"general" yaml:"general" json:"general"`
	Webhook       WebhookConfig          `toml:"webhook" yaml:"webhook" json:"webhook"`
	Automation    AutomationConfig       `toml:"automation" yaml:"automation" json:"automation"`
	Verification  VerificationConfig     `toml:"verification" yaml:"verification" json:"verification"`
	Logging       LoggingConfig          `toml:"logging" yaml:"logging" json:"logging"`
	Notifications NotificationsConfig    `toml:"notifications" yaml:"notifications" json:"notifications"`
	History       HistoryConfig          `toml:"history" yaml:"history" json:"history"`
	PhaseChains   map[string]ChainConfig `toml:"phase_chains" yaml:"phase_chains" json:"phase_chains"`
	PhaseConfig   map[string]PhaseConfig `toml:"phase_config" yaml:"phase_config" json:"phase_config"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	BaseDir      string `toml:"base_dir" yaml:"base_dir" json:"base_dir"`
	AgentsDir    string `toml:"agents_dir" yaml:"agents_dir" json:"agents_dir"`
	Tool         string `toml:"tool" yaml:"tool" json:"tool"`
	DatabasePath string `toml:"database_path" yaml:"database_path" json:"database_path"`
}

// WebhookConfig holds webhook listener settings
type WebhookConfig struct {
	Enabled            bool    `toml:"enabled" yaml:"enabled" json:"enabled"`
	Host               string  `toml:"host" yaml:"host" json:"host"`
	Port               int     `toml:"port" yaml:"port" json:"port"`
	Secret             Secret  `toml:"secret" yaml:"secret" json:"secret"`
	MaxConcurrentRuns  int     `toml:"max_concurrent_runs" yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	RateLimitPerSecond float64 `toml:"rate_limit_per_second" yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
	RateLimitBurst     int     `toml:"rate_limit_burst" yaml:"rate_limit_burst" json:"rate_limit_burst"`
}

// AutomationConfig holds chain execution policy
type AutomationConfig struct {
	AutoChainOnSuccess         bool `toml:"auto_chain_on_success" yaml:"auto_chain_on_success" json:"auto_chain_on_success"`
	StopOnFailure              bool `toml:"stop_on_failure" yaml:"stop_on_failure" json:"stop_on_failure"`
	PauseBetweenPhasesSeconds  int  `toml:"pause_between_phases_seconds" yaml:"pause_between_phases_seconds" json:"pause_between_phases_seconds"`
	CommentVerificationEnabled bool `toml:"comment_verification_enabled" yaml:"comment_verification_enabled" json:"comment_verification_enabled"`
	HooksEnabled               bool `toml:"hooks_enabled" yaml:"hooks_enabled" json:"hooks_enabled"`
	HaltOnUnverified           bool `toml:"halt_on_unverified" yaml:"halt_on_unverified" json:"halt_on_unverified"`
	VerificationSettleSeconds  int  `toml:"verification_settle_seconds" yaml:"verification_settle_seconds" json:"verification_settle_seconds"`
	VerificationMaxAgeMinutes  int  `toml:"verification_max_age_minutes" yaml:"verification_max_age_minutes" json:"verification_max_age_minutes"`
	TerminationGraceSeconds    int  `toml:"termination_grace_seconds" yaml:"termination_grace_seconds" json:"termination_grace_seconds"`
}

// VerificationConfig holds issue comment lookup settings
type VerificationConfig struct {
	GitHubToken    Secret `toml:"github_token" yaml:"github_token" json:"github_token"`
	APIBaseURL     string `toml:"api_base_url" yaml:"api_base_url" json:"api_base_url"`
	RecentComments int    `toml:"recent_comments" yaml:"recent_comments" json:"recent_comments"`
	UseGHCLI       bool   `toml:"use_gh_cli" yaml:"use_gh_cli" json:"use_gh_cli"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level         string `toml:"level" yaml:"level" json:"level"`
	Format        string `toml:"format" yaml:"format" json:"format"`
	ConsoleOutput bool   `toml:"console_output" yaml:"console_output" json:"console_output"`
	FileLogging   bool   `toml:"file_logging" yaml:"file_logging" json:"file_logging"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop" yaml:"desktop" json:"desktop"`
	SlackWebhook string `toml:"slack_webhook" yaml:"slack_webhook" json:"slack_webhook"`
}

// HistoryConfig controls pruning of the run history database
type HistoryConfig struct {
	RetentionDays int    `toml:"retention_days" yaml:"retention_days" json:"retention_days"`
	PruneSchedule string `toml:"prune_schedule" yaml:"prune_schedule" json:"prune_schedule"`
}

// ChainConfig is one entry of phase_chains
type ChainConfig struct {
	Phases        []string `toml:"phases" yaml:"phases" json:"phases"`
	TriggerEvents []string `toml:"trigger_events" yaml:"trigger_events" json:"trigger_events"`
	NextChain     string   `toml:"next_chain" yaml:"next_chain" json:"next_chain"`
}

// PhaseConfig is one entry of phase_config
type PhaseConfig struct {
	Command          string `toml:"command" yaml:"command" json:"command"`
	RequiresADWID    *bool  `toml:"requires_adw_id" yaml:"requires_adw_id" json:"requires_adw_id"`
	CompletionMarker string `toml:"completion_marker" yaml:"completion_marker" json:"completion_marker"`
}

// TakesRunID reports whether the run ID is appended to the command; defaults to true
func (p PhaseConfig) TakesRunID() bool {
	return p.RequiresADWID == nil || *p.RequiresADWID
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			BaseDir:      "",
			AgentsDir:    "agents",
			Tool:         "claude",
			DatabasePath: filepath.Join(home, ".adw-orchestrator", "runs.db"),
		},
		Webhook: WebhookConfig{
			Enabled:            false,
			Host:               "0.0.0.0",
			Port:               8765,
			Secret:             DefaultWebhookSecret,
			MaxConcurrentRuns:  8,
			RateLimitPerSecond: 1,
			RateLimitBurst:     10,
		},
		Automation: AutomationConfig{
			AutoChainOnSuccess:         true,
			StopOnFailure:              true,
			PauseBetweenPhasesSeconds:  3,
			CommentVerificationEnabled: true,
			HooksEnabled:               false,
			VerificationSettleSeconds:  2,
			VerificationMaxAgeMinutes:  10,
			TerminationGraceSeconds:    5,
		},
		Verification: VerificationConfig{
			RecentComments: 5,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "console",
			ConsoleOutput: true,
			FileLogging:   true,
		},
		History: HistoryConfig{
			RetentionDays: 30,
			PruneSchedule: "0 3 * * *",
		},
		PhaseChains: DefaultChains(),
		PhaseConfig: DefaultPhases(),
	}
}

// DefaultChains returns the chains used when the file defines none
func DefaultChains() map[string]ChainConfig {
	return map[string]ChainConfig{
		"post_build": {
			Phases:        []string{"test", "review", "pr"},
			TriggerEvents: []string{"build_complete"},
		},
	}
}

// DefaultPhases returns the phases used when the file defines none
func DefaultPhases() map[string]PhaseConfig {
	return map[string]PhaseConfig{
		"test":   {Command: "/test"},
		"review": {Command: "/review"},
		"pr":     {Command: "/pull_request"},
	}
}

// Load reads configuration from a TOML, YAML or JSON file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, err
	}

	// Chains and phases from the file replace the defaults rather than merging with them
	cfg.PhaseChains = nil
	cfg.PhaseConfig = nil

	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.PhaseChains == nil {
		cfg.PhaseChains = DefaultChains()
	}
	if cfg.PhaseConfig == nil {
		cfg.PhaseConfig = DefaultPhases()
	}

	cfg.applyEnv()
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return toml.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" && !c.Verification.GitHubToken.IsSet() {
		c.Verification.GitHubToken = Secret(token)
	}
	if secret := os.Getenv("ADW_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = Secret(secret)
	}
}

func (c *Config) expandPaths() {
	c.General.BaseDir = ExpandPath(c.General.BaseDir)
	c.General.DatabasePath = ExpandPath(c.General.DatabasePath)
}

// Validate rejects configurations whose event bindings are ambiguous
func (c *Config) Validate() error {
	claimed := make(map[string]string)
	for _, name := range c.ChainNames() {
		for _, event := range c.PhaseChains[name].TriggerEvents {
			if other, ok := claimed[event]; ok {
				return fmt.Errorf("event %q is bound to both chain %q and chain %q", event, other, name)
			}
			claimed[event] = name
		}
	}
	if c.Webhook.MaxConcurrentRuns < 1 {
		return fmt.Errorf("webhook.max_concurrent_runs must be at least 1, got %d", c.Webhook.MaxConcurrentRuns)
	}
	return nil
}

// ChainNames returns configured chain names in sorted order
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.PhaseChains))
	for name := range c.PhaseChains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SignatureRequired reports whether webhook requests must carry a valid signature
func (w WebhookConfig) SignatureRequired() bool {
	return w.Secret.IsSet() && w.Secret.Value() != DefaultWebhookSecret
}

// Addr returns the host:port the webhook listener binds to
func (w WebhookConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// ResolveBaseDir returns the configured base directory or the current working directory
func (g GeneralConfig) ResolveBaseDir() (string, error) {
	if g.BaseDir != "" {
		return filepath.Abs(g.BaseDir)
	}
	return os.Getwd()
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "adw-orchestrator", "config.toml")
}
