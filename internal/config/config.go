// Package config manages the convoy configuration file.
// The file lives at ~/.convoy/config.yaml and holds provider definitions,
// repo defaults, and application settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"

	cerrors "github.com/zhubert/convoy/internal/errors"
)

// ProviderKind selects how a provider's agent process is driven.
type ProviderKind string

const (
	// ProviderKindCLI spawns a fresh process for every turn.
	ProviderKindCLI ProviderKind = "cli"
	// ProviderKindAppServer keeps a persistent JSON-RPC subprocess per
	// (folder, model) pair.
	ProviderKindAppServer ProviderKind = "app-server"
)

// Provider describes one agent backend.
type Provider struct {
	Name    string       `yaml:"name"`
	Kind    ProviderKind `yaml:"kind"`
	Command string       `yaml:"command"`          // full command line, shell-style
	Models  []string     `yaml:"models,omitempty"` // selectable model identifiers
}

// CommandArgs parses the provider command line into argv form.
func (p Provider) CommandArgs() ([]string, error) {
	args, err := shlex.Split(p.Command)
	if err != nil {
		return nil, cerrors.ConfigInvalid(fmt.Sprintf("provider %s: bad command %q: %v", p.Name, p.Command, err))
	}
	if len(args) == 0 {
		return nil, cerrors.ConfigInvalid(fmt.Sprintf("provider %s: empty command", p.Name))
	}
	return args, nil
}

// Config holds the application configuration
type Config struct {
	Providers            []Provider `yaml:"providers"`
	DefaultProvider      string     `yaml:"default_provider,omitempty"`
	DefaultModel         string     `yaml:"default_model,omitempty"`
	BranchPrefix         string     `yaml:"branch_prefix,omitempty"`          // prefix for generated session branches
	DatabasePath         string     `yaml:"database_path,omitempty"`          // sqlite file, defaults to <config dir>/convoy.db
	LogLevel             string     `yaml:"log_level,omitempty"`              // debug|info|warn|error
	NotificationsEnabled bool       `yaml:"notifications_enabled,omitempty"`  // desktop notifications on Review/merge
	WorktreeRoot         string     `yaml:"worktree_root,omitempty"`          // where session worktrees are created

	mu       sync.RWMutex
	filePath string
}

// Dir returns the path to the config directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".convoy"), nil
}

func configPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by tests and the
// --config flag.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		Providers: []Provider{},
		filePath:  path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, cerrors.ConfigLoadFailed(path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, cerrors.ConfigLoadFailed(path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DatabasePath == "" {
		if dir := filepath.Dir(c.filePath); dir != "" && dir != "." {
			c.DatabasePath = filepath.Join(dir, "convoy.db")
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filePath
}

// Save writes the config to disk atomically (temp file + rename).
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return cerrors.ConfigSaveFailed(c.filePath, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return cerrors.ConfigSaveFailed(c.filePath, err)
	}

	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return cerrors.ConfigSaveFailed(c.filePath, err)
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		os.Remove(tmp)
		return cerrors.ConfigSaveFailed(c.filePath, err)
	}
	return nil
}

// FindProvider returns the provider with the given name.
func (c *Config) FindProvider(name string) (Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return Provider{}, false
}

// ResolveProvider returns the named provider, or the default when name is
// empty.
func (c *Config) ResolveProvider(name string) (Provider, error) {
	if name == "" {
		c.mu.RLock()
		name = c.DefaultProvider
		c.mu.RUnlock()
	}
	if name == "" {
		return Provider{}, cerrors.ConfigInvalid("no provider specified and no default_provider set")
	}
	p, ok := c.FindProvider(name)
	if !ok {
		return Provider{}, cerrors.ConfigInvalid(fmt.Sprintf("unknown provider %q", name))
	}
	return p, nil
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return cerrors.ConfigInvalid("provider with empty name")
		}
		if seen[p.Name] {
			return cerrors.ConfigInvalid(fmt.Sprintf("duplicate provider %q", p.Name))
		}
		seen[p.Name] = true
		if p.Kind != ProviderKindCLI && p.Kind != ProviderKindAppServer {
			return cerrors.ConfigInvalid(fmt.Sprintf("provider %s: unknown kind %q", p.Name, p.Kind))
		}
		if _, err := p.CommandArgs(); err != nil {
			return err
		}
	}
	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		return cerrors.ConfigInvalid(fmt.Sprintf("default_provider %q is not defined", c.DefaultProvider))
	}
	return nil
}
