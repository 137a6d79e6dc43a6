// Package config loads the runtime configuration for the daemon:
// paths, timeouts, and session limits. The policy file itself is
// loaded separately by the policy package.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds daemon runtime settings. Zero values are filled with
// defaults after loading.
type Config struct {
	PolicyPath string `yaml:"policy_path"`
	SocketPath string `yaml:"socket_path"`
	LedgerPath string `yaml:"ledger_path"`
	IndexPath  string `yaml:"index_path"`
	InboxDir   string `yaml:"inbox_dir"`
	OutboxDir  string `yaml:"outbox_dir"`

	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxLifetime     time.Duration `yaml:"max_lifetime"`
	MaxPerAgent     int           `yaml:"max_per_agent"`

	CredentialEndpoint string `yaml:"credential_endpoint"`

	Model ModelConfig `yaml:"model"`
}

// ModelConfig selects and configures the model relay backend.
type ModelConfig struct {
	Backend   string `yaml:"backend"` // "bedrock", "ollama", or "" for none
	ModelID   string `yaml:"model_id"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"`
}

// DefaultDir returns the vmwarden state directory under the user's
// home, or the current directory when home cannot be resolved.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".vmwarden"
	}
	return filepath.Join(home, ".vmwarden")
}

// Load reads the runtime config. If path is empty, tries
// VMWARDEN_CONFIG, then <state dir>/config.yaml. A missing file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VMWARDEN_CONFIG")
	}
	if path == "" {
		path = filepath.Join(DefaultDir(), "config.yaml")
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	dir := DefaultDir()
	if c.PolicyPath == "" {
		c.PolicyPath = filepath.Join(dir, "policy.yaml")
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(dir, "vmwarden.sock")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(dir, "ledger.jsonl")
	}
	if c.IndexPath == "" {
		c.IndexPath = filepath.Join(dir, "ledger.db")
	}
	if c.InboxDir == "" {
		c.InboxDir = filepath.Join(dir, "inbox")
	}
	if c.OutboxDir == "" {
		c.OutboxDir = filepath.Join(dir, "outbox")
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 12 * time.Hour
	}
	if c.MaxPerAgent <= 0 {
		c.MaxPerAgent = 10
	}
}

// EnsureDirs creates the directories the configured paths live in.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		filepath.Dir(c.LedgerPath),
		filepath.Dir(c.SocketPath),
		c.InboxDir,
		c.OutboxDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("config: create %s: %w", d, err)
		}
	}
	return nil
}
