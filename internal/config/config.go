// Package config handles mcpagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcpagent/internal/preflight"
)

// Defaults applied by Load for fields left unset.
const (
	DefaultModel          = "gpt-4o-mini"
	DefaultOllamaURL      = "http://localhost:11434"
	DefaultMaxRounds      = 25
	DefaultMemoryCapacity = 1000
	DefaultRequestTimeout = 60 * time.Second
	DefaultInitTimeout    = 30 * time.Second
	DefaultGracePeriod    = 5 * time.Second
	DefaultSystemPrompt   = "You are a database assistant. Use the available tools to carry out the user's task, then answer concisely."
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcpagent/config.yaml, /etc/mcpagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcpagent", "config.yaml"))
	}

	paths = append(paths, "/etc/mcpagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcpagent configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Agent     AgentConfig     `yaml:"agent"`
	MCP       MCPConfig       `yaml:"mcp"`
	Preflight PreflightConfig `yaml:"preflight"`
	Archive   ArchiveConfig   `yaml:"archive"`

	// Tasks run in order by "mcpagent run" when no instruction is given
	// on the command line.
	Tasks []string `yaml:"tasks"`
}

// ModelsConfig defines model routing settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic, openai
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig defines OpenAI (or compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AgentConfig tunes the task loop.
type AgentConfig struct {
	MaxRounds        int    `yaml:"max_rounds"`
	MemoryCapacity   int    `yaml:"memory_capacity"`
	SystemPrompt     string `yaml:"system_prompt"`
	ParallelDispatch bool   `yaml:"parallel_dispatch"`
}

// MCPConfig lists the tool provider subprocesses to launch.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one stdio MCP server.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Dir     string            `yaml:"dir"`

	// IncludeTools, when non-empty, limits discovery to these tools.
	IncludeTools []string `yaml:"include_tools"`
	// ExcludeTools hides tools; ignored when IncludeTools is set.
	ExcludeTools []string `yaml:"exclude_tools"`
	// Namespace prefixes tool names with mcp_<name>_ to avoid
	// collisions between servers.
	Namespace bool `yaml:"namespace"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	InitTimeout    time.Duration `yaml:"init_timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
}

// EnvList renders Env as sorted KEY=value pairs.
func (s MCPServerConfig) EnvList() []string {
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

// PreflightConfig selects the checks run before the agent starts.
type PreflightConfig struct {
	// Required makes any failed check abort the run. By default
	// failures are only reported.
	Required bool                      `yaml:"required"`
	Database *preflight.DatabaseConfig `yaml:"database"`
	Probe    *preflight.BinaryProbe    `yaml:"probe"`
}

// ArchiveConfig configures the SQLite transcript archive.
type ArchiveConfig struct {
	Path string `yaml:"path"` // empty disables the archive
}

// Load reads configuration from a YAML file, expands ${VAR}
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = DefaultOllamaURL
	}
	if c.Agent.MaxRounds <= 0 {
		c.Agent.MaxRounds = DefaultMaxRounds
	}
	if c.Agent.MemoryCapacity <= 0 {
		c.Agent.MemoryCapacity = DefaultMemoryCapacity
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	c.Archive.Path = expandHome(c.Archive.Path)
	for i := range c.MCP.Servers {
		s := &c.MCP.Servers[i]
		if s.RequestTimeout <= 0 {
			s.RequestTimeout = DefaultRequestTimeout
		}
		if s.InitTimeout <= 0 {
			s.InitTimeout = DefaultInitTimeout
		}
		if s.GracePeriod <= 0 {
			s.GracePeriod = DefaultGracePeriod
		}
		s.Dir = expandHome(s.Dir)
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	for _, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, errors.New("models.available: entry with empty name"))
		}
		if !knownProvider(m.Provider) {
			errs = append(errs, fmt.Errorf("models.available %s: unknown provider %q", m.Name, m.Provider))
		}
	}
	if c.ProviderFor(c.Models.Default) == "anthropic" && c.Anthropic.APIKey == "" {
		errs = append(errs, fmt.Errorf("model %s needs anthropic.api_key", c.Models.Default))
	}
	if c.ProviderFor(c.Models.Default) == "openai" && c.OpenAI.APIKey == "" && c.OpenAI.BaseURL == "" {
		errs = append(errs, fmt.Errorf("model %s needs openai.api_key", c.Models.Default))
	}

	if len(c.MCP.Servers) == 0 {
		errs = append(errs, errors.New("mcp.servers: at least one server is required"))
	}
	seen := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d] %s: command is required", i, s.Name))
		}
	}

	if db := c.Preflight.Database; db != nil && db.DSN == "" {
		errs = append(errs, errors.New("preflight.database: dsn is required"))
	}
	if p := c.Preflight.Probe; p != nil && p.Command == "" {
		errs = append(errs, errors.New("preflight.probe: command is required"))
	}

	return errors.Join(errs...)
}

// ProviderFor returns the provider serving model: the one listed in
// models.available, otherwise a guess from the model name.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gpt-"), strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		return "openai"
	}
	return "ollama"
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}

func knownProvider(p string) bool {
	switch p {
	case "ollama", "anthropic", "openai":
		return true
	}
	return false
}
