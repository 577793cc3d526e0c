// ABOUTME: Configuration loading and parsing for harmony-gateway
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete harmony-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Database      DatabaseConfig      `yaml:"database"`
	Board         BoardConfig         `yaml:"board"`
	Moderation    ModerationConfig    `yaml:"moderation"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Limits        LimitsConfig        `yaml:"limits"`
	Auth          AuthConfig          `yaml:"auth"`
	Tailscale     TailscaleConfig     `yaml:"tailscale"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Features      FeaturesConfig      `yaml:"features"`
}

// ServerConfig holds the listener and WebSocket settings
type ServerConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	WSPath          string `yaml:"ws_path"`
	Version         string `yaml:"version"`           // protocol version advertised; empty uses the built-in one
	MaxMessageBytes int64  `yaml:"max_message_bytes"` // largest inbound frame
	SendBuffer      int    `yaml:"send_buffer"`       // per-connection outbound queue length
}

// IdentityConfig holds identity store settings
type IdentityConfig struct {
	Path              string        `yaml:"path"`
	InactivityTimeout time.Duration `yaml:"-"`
	SweepSchedule     string        `yaml:"sweep_schedule"` // cron schedule, e.g. "@every 1m"

	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
}

// DatabaseConfig holds session ledger configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BoardConfig holds the discussion board location. Empty disables the board.
type BoardConfig struct {
	Path string `yaml:"path"`
}

// ModerationConfig holds the moderation gate settings
type ModerationConfig struct {
	Enabled            bool          `yaml:"enabled"`
	EchoWindow         time.Duration `yaml:"-"`
	EchoCapacity       int           `yaml:"echo_capacity"`
	MinEchoLength      int           `yaml:"min_echo_length"`
	RequireEvidence    []string      `yaml:"require_evidence"`
	BreakerMaxFailures uint32        `yaml:"breaker_max_failures"`
	BreakerTimeout     time.Duration `yaml:"-"`
	FailOpen           bool          `yaml:"fail_open"`
	Perspectives       []string      `yaml:"perspectives"`

	EchoWindowRaw     string `yaml:"echo_window"`
	BreakerTimeoutRaw string `yaml:"breaker_timeout"`
}

// OrchestrationConfig holds task and voting settings
type OrchestrationConfig struct {
	VoteQuorum int `yaml:"vote_quorum"` // 0 means every connected agent
	MaxSpawn   int `yaml:"max_spawn"`
}

// LimitsConfig holds per-connection inbound rate limits. Zero disables limiting.
type LimitsConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // serve TLS with a tailnet certificate
	Funnel    bool   `yaml:"funnel"` // expose publicly via Funnel (implies HTTPS)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FeaturesConfig toggles protocol capabilities
type FeaturesConfig struct {
	AntiEcho      bool `yaml:"anti_echo"`
	Orchestration bool `yaml:"orchestration"`
}

// Default returns a configuration with every optional field filled in.
// Paths are left empty.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        "0.0.0.0:8765",
			WSPath:          "/ws",
			MaxMessageBytes: 1 << 20,
			SendBuffer:      256,
		},
		Identity: IdentityConfig{
			InactivityTimeout: 5 * time.Minute,
			SweepSchedule:     "@every 1m",
		},
		Moderation: ModerationConfig{
			Enabled:            true,
			EchoWindow:         10 * time.Minute,
			EchoCapacity:       10000,
			MinEchoLength:      12,
			RequireEvidence:    []string{"decision"},
			BreakerMaxFailures: 5,
			BreakerTimeout:     30 * time.Second,
			FailOpen:           true,
		},
		Orchestration: OrchestrationConfig{
			MaxSpawn: 10,
		},
		Limits: LimitsConfig{
			MessagesPerSecond: 20,
			Burst:             40,
		},
		Tailscale: TailscaleConfig{
			Hostname: "harmony",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Features: FeaturesConfig{
			AntiEcho:      true,
			Orchestration: true,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Fields absent from the file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}

	if c.Server.MaxMessageBytes <= 0 {
		return fmt.Errorf("server.max_message_bytes must be positive")
	}

	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("server.send_buffer must be positive")
	}

	if c.Identity.Path == "" {
		return fmt.Errorf("identity.path is required")
	}

	if c.Identity.InactivityTimeout <= 0 {
		return fmt.Errorf("identity.inactivity_timeout must be positive")
	}

	if _, err := cron.ParseStandard(c.Identity.SweepSchedule); err != nil {
		return fmt.Errorf("identity.sweep_schedule %q: %w", c.Identity.SweepSchedule, err)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Limits.MessagesPerSecond < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.Limits.MessagesPerSecond > 0 && c.Limits.Burst == 0 {
		return fmt.Errorf("limits.burst is required when limits.messages_per_second is set")
	}

	if c.Orchestration.VoteQuorum < 0 {
		return fmt.Errorf("orchestration.vote_quorum must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"identity.inactivity_timeout", cfg.Identity.InactivityTimeoutRaw, &cfg.Identity.InactivityTimeout},
		{"moderation.echo_window", cfg.Moderation.EchoWindowRaw, &cfg.Moderation.EchoWindow},
		{"moderation.breaker_timeout", cfg.Moderation.BreakerTimeoutRaw, &cfg.Moderation.BreakerTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
