// ABOUTME: Agent profile loading for harmony-agent
// ABOUTME: Loads TOML from the XDG path with environment variable expansion and saves issued tokens

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentProfile is the agent-side configuration file
type AgentProfile struct {
	Server    AgentServerConfig    `toml:"server"`
	Agent     AgentIdentityConfig  `toml:"agent"`
	Reconnect AgentReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig        `toml:"logging"`
}

// AgentServerConfig locates the gateway
type AgentServerConfig struct {
	URL string `toml:"url"`
}

// AgentIdentityConfig holds who the agent is
type AgentIdentityConfig struct {
	Name        string `toml:"name"`
	Role        string `toml:"role"`
	Perspective string `toml:"perspective,omitempty"`
	AgentID     string `toml:"agent_id,omitempty"`
	Token       string `toml:"token,omitempty"`
}

// AgentReconnectConfig tunes the connection manager
type AgentReconnectConfig struct {
	MaxAttempts       int           `toml:"max_attempts,omitempty"`
	QueueCapacity     int           `toml:"queue_capacity,omitempty"`
	InitialDelay      time.Duration `toml:"-"`
	MaxDelay          time.Duration `toml:"-"`
	HeartbeatInterval time.Duration `toml:"-"`

	InitialDelayRaw      string `toml:"initial_delay,omitempty"`
	MaxDelayRaw          string `toml:"max_delay,omitempty"`
	HeartbeatIntervalRaw string `toml:"heartbeat_interval,omitempty"`
}

// DefaultAgentPath returns $XDG_CONFIG_HOME/harmony/agent.toml, falling back
// to ~/.config.
func DefaultAgentPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "harmony", "agent.toml")
}

// LoadAgent reads the profile at path, expanding ${VAR} references.
// A missing file yields an empty profile so flags can fill it in.
func LoadAgent(path string) (*AgentProfile, error) {
	var p AgentProfile

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent profile: %w", err)
	}

	if _, err := toml.Decode(expandEnvVars(string(data)), &p); err != nil {
		return nil, fmt.Errorf("parsing agent profile: %w", err)
	}

	if err := p.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing agent profile: %w", err)
	}

	return &p, nil
}

func (p *AgentProfile) parseDurations() error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"reconnect.initial_delay", p.Reconnect.InitialDelayRaw, &p.Reconnect.InitialDelay},
		{"reconnect.max_delay", p.Reconnect.MaxDelayRaw, &p.Reconnect.MaxDelay},
		{"reconnect.heartbeat_interval", p.Reconnect.HeartbeatIntervalRaw, &p.Reconnect.HeartbeatInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the fields needed to connect.
func (p *AgentProfile) Validate() error {
	if p.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(p.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.url must use ws or wss scheme")
	}
	if p.Agent.Name == "" && p.Agent.Token == "" {
		return fmt.Errorf("agent.name or agent.token is required")
	}
	return nil
}

// SaveToken stores the issued identity in the profile at path, creating the
// file if needed. Other fields are written back as they appear on disk,
// without environment expansion.
func SaveToken(path, agentID, token string) error {
	var p AgentProfile

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading agent profile: %w", err)
	default:
		if _, err := toml.Decode(string(data), &p); err != nil {
			return fmt.Errorf("parsing agent profile: %w", err)
		}
	}

	p.Agent.AgentID = agentID
	p.Agent.Token = token
	return writeAgentProfile(path, &p)
}

func writeAgentProfile(path string, p *AgentProfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating profile: %w", err)
	}

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing profile: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing profile: %w", err)
	}
	return nil
}
