package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ambient/internal/logging"
)

// Config holds all ambient agent configuration.
type Config struct {
	// Core settings
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`

	// GitHub polling
	GitHub GitHubConfig `yaml:"github"`

	// Assistant CLI sessions and the fallback chain
	Agent AgentConfig `yaml:"agent"`

	// Event bus consumer
	Bus BusConfig `yaml:"bus"`

	// Drop-directory watcher
	Inbox InboxConfig `yaml:"inbox"`

	// Exchange history
	Ledger LedgerConfig `yaml:"ledger"`

	// Prometheus exposition
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging logging.Config `yaml:"logging"`
}

// GitHubConfig configures the repository poller.
type GitHubConfig struct {
	Token          string `yaml:"token"`
	Repository     string `yaml:"repository"` // owner/name; detected from git remote when empty
	APIURL         string `yaml:"api_url"`
	PollInterval   string `yaml:"poll_interval"`
	ErrorBackoff   string `yaml:"error_backoff"`
	StopTimeout    string `yaml:"stop_timeout"`
	PageSize       int    `yaml:"page_size"`
	BaselineSize   int    `yaml:"baseline_size"`
	RecentPRWindow string `yaml:"recent_pr_window"`
}

// AgentConfig configures the assistant CLI subprocess.
type AgentConfig struct {
	Binary           string   `yaml:"binary"`
	ExtraArgs        []string `yaml:"extra_args"`
	StreamTimeout    string   `yaml:"stream_timeout"`
	TerminationGrace string   `yaml:"termination_grace"`
	FallbackDir      string   `yaml:"fallback_dir"`
}

// BusConfig configures the event bus consumer.
type BusConfig struct {
	IdleInterval string `yaml:"idle_interval"`
	ErrorBackoff string `yaml:"error_backoff"`
	StopTimeout  string `yaml:"stop_timeout"`
}

// InboxConfig configures the manual-trigger drop directory.
type InboxConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Debounce string `yaml:"debounce"`
}

// LedgerConfig configures the SQLite exchange history.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Name: "ambient",

		GitHub: GitHubConfig{
			APIURL:         "https://api.github.com",
			PollInterval:   "5s",
			ErrorBackoff:   "30s",
			StopTimeout:    "10s",
			PageSize:       5,
			BaselineSize:   10,
			RecentPRWindow: "2h",
		},

		Agent: AgentConfig{
			Binary:           "cursor-agent",
			StreamTimeout:    "10m",
			TerminationGrace: "5s",
			FallbackDir:      filepath.Join(home, ".ambient", "notifications"),
		},

		Bus: BusConfig{
			IdleInterval: "1s",
			ErrorBackoff: "5s",
			StopTimeout:  "5s",
		},

		Inbox: InboxConfig{
			Enabled:  false,
			Dir:      filepath.Join(home, ".ambient", "inbox"),
			Debounce: "500ms",
		},

		Ledger: LedgerConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".ambient", "ledger.db"),
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},

		Logging: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
// Environment overrides are applied whether or not the file exists.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadDotEnv loads <dir>/.env into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	logging.BootDebug("loaded environment from %s", path)
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		c.GitHub.Token = token
	}
	if repo := os.Getenv("GITHUB_REPOSITORY"); repo != "" {
		c.GitHub.Repository = repo
	}
	if url := os.Getenv("GITHUB_API_URL"); url != "" {
		c.GitHub.APIURL = url
	}

	if bin := os.Getenv("AMBIENT_AGENT_BINARY"); bin != "" {
		c.Agent.Binary = bin
	}
	if dir := os.Getenv("AMBIENT_FALLBACK_DIR"); dir != "" {
		c.Agent.FallbackDir = dir
	}

	if listen := os.Getenv("AMBIENT_METRICS_LISTEN"); listen != "" {
		c.Metrics.Listen = listen
		c.Metrics.Enabled = true
	}
}

func parseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPollInterval returns the poll interval as a duration.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.GitHub.PollInterval, 5*time.Second)
}

// GetPollErrorBackoff returns the wait after a failed poll cycle.
func (c *Config) GetPollErrorBackoff() time.Duration {
	return parseDuration(c.GitHub.ErrorBackoff, 30*time.Second)
}

// GetPollStopTimeout returns how long Stop waits for the poll loop.
func (c *Config) GetPollStopTimeout() time.Duration {
	return parseDuration(c.GitHub.StopTimeout, 10*time.Second)
}

// GetRecentPRWindow returns the age limit for pull request events.
func (c *Config) GetRecentPRWindow() time.Duration {
	return parseDuration(c.GitHub.RecentPRWindow, 2*time.Hour)
}

// GetStreamTimeout returns the per-exchange timeout for the assistant CLI.
func (c *Config) GetStreamTimeout() time.Duration {
	return parseDuration(c.Agent.StreamTimeout, 10*time.Minute)
}

// GetTerminationGrace returns the delay between interrupt and kill.
func (c *Config) GetTerminationGrace() time.Duration {
	return parseDuration(c.Agent.TerminationGrace, 5*time.Second)
}

// GetBusIdleInterval returns the consumer's idle wait.
func (c *Config) GetBusIdleInterval() time.Duration {
	return parseDuration(c.Bus.IdleInterval, time.Second)
}

// GetBusErrorBackoff returns the consumer's wait after an internal failure.
func (c *Config) GetBusErrorBackoff() time.Duration {
	return parseDuration(c.Bus.ErrorBackoff, 5*time.Second)
}

// GetBusStopTimeout returns how long Stop waits for the consumer.
func (c *Config) GetBusStopTimeout() time.Duration {
	return parseDuration(c.Bus.StopTimeout, 5*time.Second)
}

// GetInboxDebounce returns the quiet period before a dropped file is read.
func (c *Config) GetInboxDebounce() time.Duration {
	return parseDuration(c.Inbox.Debounce, 500*time.Millisecond)
}

// HasGitHub reports whether polling can run (token and repository known).
func (c *Config) HasGitHub() bool {
	return c.GitHub.Token != "" && c.GitHub.Repository != ""
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Binary) == "" {
		return fmt.Errorf("agent binary not configured (set agent.binary or AMBIENT_AGENT_BINARY)")
	}
	if c.Agent.FallbackDir == "" {
		return fmt.Errorf("agent fallback_dir not configured")
	}
	if repo := c.GitHub.Repository; repo != "" {
		parts := strings.Split(repo, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid github repository %q (want owner/name)", repo)
		}
	}
	if c.GitHub.PageSize < 1 || c.GitHub.PageSize > 100 {
		return fmt.Errorf("github page_size must be between 1 and 100, got %d", c.GitHub.PageSize)
	}
	if c.GitHub.BaselineSize < 1 || c.GitHub.BaselineSize > 100 {
		return fmt.Errorf("github baseline_size must be between 1 and 100, got %d", c.GitHub.BaselineSize)
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return fmt.Errorf("inbox enabled but inbox.dir is empty")
	}
	if c.Ledger.Enabled && c.Ledger.Path == "" {
		return fmt.Errorf("ledger enabled but ledger.path is empty")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics enabled but metrics.listen is empty")
	}
	return nil
}
