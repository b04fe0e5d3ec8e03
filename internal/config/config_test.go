package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GITHUB_TOKEN", "GITHUB_REPOSITORY", "GITHUB_API_URL",
		"AMBIENT_AGENT_BINARY", "AMBIENT_FALLBACK_DIR", "AMBIENT_METRICS_LISTEN",
	} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "ambient" {
		t.Errorf("expected Name=ambient, got %s", cfg.Name)
	}
	if cfg.Agent.Binary != "cursor-agent" {
		t.Errorf("expected Binary=cursor-agent, got %s", cfg.Agent.Binary)
	}
	if cfg.GitHub.PageSize != 5 || cfg.GitHub.BaselineSize != 10 {
		t.Errorf("unexpected page sizes: %d/%d", cfg.GitHub.PageSize, cfg.GitHub.BaselineSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "ambient.yaml")

	cfg := DefaultConfig()
	cfg.GitHub.Repository = "octo/widgets"
	cfg.GitHub.PollInterval = "15s"
	cfg.Agent.ExtraArgs = []string{"--verbose"}

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.GitHub.Repository != "octo/widgets" {
		t.Errorf("expected Repository=octo/widgets, got %s", loaded.GitHub.Repository)
	}
	if loaded.GetPollInterval() != 15*time.Second {
		t.Errorf("expected 15s poll interval, got %v", loaded.GetPollInterval())
	}
	if len(loaded.Agent.ExtraArgs) != 1 || loaded.Agent.ExtraArgs[0] != "--verbose" {
		t.Errorf("extra args not round-tripped: %v", loaded.Agent.ExtraArgs)
	}
}

func TestConfig_LoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.GetBusStopTimeout() != 5*time.Second {
		t.Errorf("expected default bus stop timeout, got %v", cfg.GetBusStopTimeout())
	}
}

func TestConfig_LoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("github: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfig_DurationFallbacks(t *testing.T) {
	cfg := &Config{}
	cfg.GitHub.PollInterval = "soon"
	cfg.Bus.IdleInterval = "-1s"

	if got := cfg.GetPollInterval(); got != 5*time.Second {
		t.Errorf("expected fallback 5s, got %v", got)
	}
	if got := cfg.GetBusIdleInterval(); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
	if got := cfg.GetPollErrorBackoff(); got != 30*time.Second {
		t.Errorf("expected fallback 30s, got %v", got)
	}
	if got := cfg.GetRecentPRWindow(); got != 2*time.Hour {
		t.Errorf("expected fallback 2h, got %v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty binary", func(c *Config) { c.Agent.Binary = " " }},
		{"bad repository", func(c *Config) { c.GitHub.Repository = "just-a-name" }},
		{"page size", func(c *Config) { c.GitHub.PageSize = 0 }},
		{"baseline size", func(c *Config) { c.GitHub.BaselineSize = 500 }},
		{"inbox dir", func(c *Config) { c.Inbox.Enabled = true; c.Inbox.Dir = "" }},
		{"ledger path", func(c *Config) { c.Ledger.Path = "" }},
		{"metrics listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestConfig_HasGitHub(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.HasGitHub() {
		t.Error("default config has no token")
	}
	cfg.GitHub.Token = "ghp_x"
	cfg.GitHub.Repository = "octo/widgets"
	if !cfg.HasGitHub() {
		t.Error("expected HasGitHub with token and repository")
	}
}
