// Package config loads the bridge configuration.
//
// Configuration comes from a single YAML (or JSONC) file named by the --config flag or
// the AGENT_BRIDGE_CONFIG environment variable. Without a file the defaults
// apply. A few environment variables override file values afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"agent-bridge/internal/sandbox"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv.
const (
	EnvConfigPath = "AGENT_BRIDGE_CONFIG"
	EnvBinary     = "AGENT_BINARY"
	// EnvLegacyBinary is honored when EnvBinary is unset.
	EnvLegacyBinary = "CLAUDE_PATH"
	EnvTokens       = "AGENT_BRIDGE_TOKENS"
	EnvAllowRoots   = "AGENT_BRIDGE_ALLOW_ROOTS"
)

type Config struct {
	// Listen is the HTTP/WebSocket listen address.
	Listen string `yaml:"listen"`
	// Tokens are accepted bearer tokens. Empty disables authentication.
	Tokens      []string `yaml:"tokens"`
	CheckOrigin bool     `yaml:"check_origin"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Env       EnvConfig       `yaml:"env"`
	Sandbox   sandbox.Config  `yaml:"sandbox"`
	Router    RouterConfig    `yaml:"router"`
	Journal   JournalConfig   `yaml:"journal"`
	Audit     AuditConfig     `yaml:"audit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type AgentConfig struct {
	// Binary overrides agent executable discovery.
	Binary       string   `yaml:"binary"`
	DefaultModel string   `yaml:"default_model"`
	AllowRoots   []string `yaml:"allow_roots"`
	// StopGrace is how long a stopped agent has to exit before it is killed.
	StopGrace    string   `yaml:"stop_grace"`
	MaxBacklog   int      `yaml:"max_backlog"`
	StderrBytes  int      `yaml:"stderr_bytes"`
	TerminalArgs []string `yaml:"terminal_args"`
}

type EnvConfig struct {
	// AllowKeys extend the built-in allowlist.
	AllowKeys   []string `yaml:"allow_keys"`
	AllowPrefix string   `yaml:"allow_prefix"`
}

type RouterConfig struct {
	Addresses  []string `yaml:"addresses"`
	Namespaces []string `yaml:"namespaces"`
}

type JournalConfig struct {
	// Path of the SQLite transcript journal. Empty keeps state in memory.
	Path string `yaml:"path"`
}

type AuditConfig struct {
	// Path of the JSONL audit log. Empty disables auditing.
	Path string `yaml:"path"`
}

type RateLimitConfig struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
}

func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8787",
		LogLevel: "info",
		Agent: AgentConfig{
			StopGrace:   "3s",
			MaxBacklog:  64,
			StderrBytes: 64 * 1024,
		},
		Sandbox: sandbox.Config{
			Binary: "bwrap",
		},
		Router: RouterConfig{
			Addresses:  []string{"main"},
			Namespaces: []string{"agent.web", "agent.settings"},
		},
		RateLimit: RateLimitConfig{
			Limit:  600,
			Window: "1m",
		},
	}
}

// Load reads path over the defaults, applies environment overrides, expands
// paths and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile merges path into c. Files ending in .json or .jsonc may carry
// comments and trailing commas; JSON is otherwise read as YAML.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, c)
}

// ApplyEnv overrides file values with environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvBinary)); v != "" {
		c.Agent.Binary = v
	} else if v := strings.TrimSpace(getenv(EnvLegacyBinary)); v != "" {
		c.Agent.Binary = v
	}
	if v := getenv(EnvTokens); v != "" {
		c.Tokens = splitCSV(v)
	}
	if v := getenv(EnvAllowRoots); v != "" {
		c.Agent.AllowRoots = splitCSV(v)
	}
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVariables expands ${VAR}, ${VAR:-default} and a leading ~ in paths.
func (c *Config) expandVariables() {
	home, _ := os.UserHomeDir()
	expand := func(s string) string {
		s = varPattern.ReplaceAllStringFunc(s, func(match string) string {
			parts := varPattern.FindStringSubmatch(match)
			if v := os.Getenv(parts[1]); v != "" {
				return v
			}
			return parts[2]
		})
		if home != "" && (s == "~" || strings.HasPrefix(s, "~/")) {
			s = filepath.Join(home, strings.TrimPrefix(s, "~"))
		}
		return s
	}

	c.Agent.Binary = expand(c.Agent.Binary)
	c.Journal.Path = expand(c.Journal.Path)
	c.Audit.Path = expand(c.Audit.Path)
	for i, r := range c.Agent.AllowRoots {
		c.Agent.AllowRoots[i] = expand(r)
	}
	for i, p := range c.Sandbox.ReadWrite {
		c.Sandbox.ReadWrite[i] = expand(p)
	}
}

func (c *Config) StopGrace() time.Duration {
	d, _ := time.ParseDuration(c.Agent.StopGrace)
	return d
}

func (c *Config) RateWindow() time.Duration {
	d, _ := time.ParseDuration(c.RateLimit.Window)
	return d
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of debug, info, warn, error: %q", c.LogLevel))
	}
	if _, err := time.ParseDuration(c.Agent.StopGrace); err != nil {
		errs = append(errs, fmt.Errorf("agent.stop_grace: %w", err))
	}
	if c.Agent.MaxBacklog < 0 {
		errs = append(errs, errors.New("agent.max_backlog must not be negative"))
	}
	if _, err := time.ParseDuration(c.RateLimit.Window); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.window: %w", err))
	}
	for _, t := range c.Tokens {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, errors.New("tokens must not be blank"))
			break
		}
	}
	if c.Sandbox.Enabled {
		for _, p := range c.Sandbox.ReadWrite {
			if !filepath.IsAbs(p) {
				errs = append(errs, fmt.Errorf("sandbox.read_write path must be absolute: %q", p))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}
