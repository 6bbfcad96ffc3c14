// Package config loads and validates the system configuration: global
// settings, the agent roster, and integration sections. Configuration is
// read once at startup and is immutable for the process lifetime; changing
// config.yaml requires a restart.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrAgentNotFound is returned by Lookup for names absent from the roster.
var ErrAgentNotFound = errors.New("agent not found in configuration")

// ConfigError wraps a missing, unparsable, or invalid configuration file.
// It is fatal at startup: the process exits non-zero.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}
	return fmt.Sprintf("configuration %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Role names an agent's function in the roster.
type Role string

const (
	RoleArchitect      Role = "architect"
	RoleFrontend       Role = "frontend"
	RoleBackend        Role = "backend"
	RoleQA             Role = "qa"
	RoleDevOps         Role = "devops"
	RoleProductManager Role = "product_manager"
)

var validRoles = map[Role]struct{}{
	RoleArchitect:      {},
	RoleFrontend:       {},
	RoleBackend:        {},
	RoleQA:             {},
	RoleDevOps:         {},
	RoleProductManager: {},
}

// AgentConfig is one roster entry. Name is the primary key across the roster.
type AgentConfig struct {
	Name           string   `yaml:"name"`
	Model          string   `yaml:"model"`
	Role           Role     `yaml:"role"`
	Personality    string   `yaml:"personality"`
	JobDescription string   `yaml:"job_description"`
	SystemPrompt   string   `yaml:"system_prompt"`
	Goal           string   `yaml:"goal"`
	SlackUsername  string   `yaml:"slack_username"`
	GitHubUsername string   `yaml:"github_username"`
	DockerImage    string   `yaml:"docker_image"`
	Environment    []string `yaml:"environment_variables"`
}

// SlackConfig holds the chat-integration settings shared by all agents.
// Tokens live in the environment, never in the file.
type SlackConfig struct {
	DefaultChannel string `yaml:"default_channel"`
	BotTokenEnv    string `yaml:"bot_token_env"`
	AppTokenEnv    string `yaml:"app_token_env"`
}

// BotToken returns the Slack bot token from the configured env var
// (SLACK_BOT_TOKEN when unset). Empty means the integration is skipped.
func (s SlackConfig) BotToken() string {
	env := s.BotTokenEnv
	if env == "" {
		env = "SLACK_BOT_TOKEN"
	}
	return os.Getenv(env)
}

// AppToken returns the Slack app-level token from the configured env var
// (SLACK_APP_TOKEN when unset).
func (s SlackConfig) AppToken() string {
	env := s.AppTokenEnv
	if env == "" {
		env = "SLACK_APP_TOKEN"
	}
	return os.Getenv(env)
}

// GitHubConfig holds the source-control integration settings.
type GitHubConfig struct {
	Organization string `yaml:"organization"`
	DefaultRepo  string `yaml:"default_repo"`
	TokenEnv     string `yaml:"token_env"`
}

// Token returns the GitHub token from the configured env var
// (GITHUB_TOKEN when unset). Empty means the integration is skipped.
func (g GitHubConfig) Token() string {
	env := g.TokenEnv
	if env == "" {
		env = "GITHUB_TOKEN"
	}
	return os.Getenv(env)
}

// DatabaseConfig locates the persistent-state store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
}

// SecurityConfig holds process-level security settings.
type SecurityConfig struct {
	// APIAuthTokenEnv names the env var holding the management API bearer
	// token. Empty disables API auth (local use).
	APIAuthTokenEnv string `yaml:"api_auth_token_env"`
}

// APIToken returns the management API bearer token, or "" when auth is off.
func (s SecurityConfig) APIToken() string {
	if s.APIAuthTokenEnv == "" {
		return ""
	}
	return os.Getenv(s.APIAuthTokenEnv)
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// HealthConfig configures the periodic health sweeper.
type HealthConfig struct {
	// Schedule is a standard 5-field cron expression. Empty means every
	// five minutes.
	Schedule string `yaml:"schedule"`
}

// APIConfig configures the management HTTP API.
type APIConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// SystemConfig is the full loaded configuration. Read-only after Load.
type SystemConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`

	Database  DatabaseConfig  `yaml:"database"`
	Slack     SlackConfig     `yaml:"slack"`
	GitHub    GitHubConfig    `yaml:"github"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Health    HealthConfig    `yaml:"health"`
	API       APIConfig       `yaml:"api"`

	Agents []AgentConfig `yaml:"agents"`

	index map[string]int
}

// Load reads, parses, and validates the configuration file at path.
// Any failure is reported as a *ConfigError.
func Load(path string) (*SystemConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var cfg SystemConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("parse: %w", err)}
	}

	if err := cfg.validate(); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	cfg.index = make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		cfg.index[a.Name] = i
	}
	return &cfg, nil
}

func (c *SystemConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: name is required", i)
		}
		if a.Model == "" {
			return fmt.Errorf("agent %q: model is required", a.Name)
		}
		if a.Role == "" {
			return fmt.Errorf("agent %q: role is required", a.Name)
		}
		if _, ok := validRoles[a.Role]; !ok {
			return fmt.Errorf("agent %q: unknown role %q", a.Name, a.Role)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// Lookup returns the roster entry for name. Fails with a wrapped
// ErrAgentNotFound for unknown names.
func (c *SystemConfig) Lookup(name string) (AgentConfig, error) {
	i, ok := c.index[name]
	if !ok {
		return AgentConfig{}, fmt.Errorf("%q: %w", name, ErrAgentNotFound)
	}
	return c.Agents[i], nil
}

// RosterIndex returns the configured position of name, or -1 when absent.
// Stop ordering derives from it: agents stop in reverse roster order.
func (c *SystemConfig) RosterIndex(name string) int {
	if i, ok := c.index[name]; ok {
		return i
	}
	return -1
}
