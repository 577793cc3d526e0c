// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, validation and the agent profile

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

const minimalConfig = `
identity:
  path: "./identities.json"
database:
  path: "./ledger.db"
`

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9000"
  ws_path: "/collab"
  send_buffer: 64

identity:
  path: "./identities.json"
  inactivity_timeout: "2m"
  sweep_schedule: "*/5 * * * *"

database:
  path: "./ledger.db"

moderation:
  echo_window: "30s"
  require_evidence: ["decision", "proposal"]
  breaker_timeout: "1m"
  fail_open: false
  perspectives: ["red", "blue"]

orchestration:
  vote_quorum: 3

limits:
  messages_per_second: 5
  burst: 10

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9000" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.WSPath != "/collab" {
		t.Errorf("Server.WSPath = %q", cfg.Server.WSPath)
	}
	if cfg.Server.SendBuffer != 64 {
		t.Errorf("Server.SendBuffer = %d, want 64", cfg.Server.SendBuffer)
	}
	if cfg.Identity.InactivityTimeout != 2*time.Minute {
		t.Errorf("Identity.InactivityTimeout = %v, want 2m", cfg.Identity.InactivityTimeout)
	}
	if cfg.Moderation.EchoWindow != 30*time.Second {
		t.Errorf("Moderation.EchoWindow = %v, want 30s", cfg.Moderation.EchoWindow)
	}
	if cfg.Moderation.BreakerTimeout != time.Minute {
		t.Errorf("Moderation.BreakerTimeout = %v, want 1m", cfg.Moderation.BreakerTimeout)
	}
	if cfg.Moderation.FailOpen {
		t.Error("Moderation.FailOpen = true, want false")
	}
	if len(cfg.Moderation.RequireEvidence) != 2 {
		t.Errorf("Moderation.RequireEvidence = %v", cfg.Moderation.RequireEvidence)
	}
	if cfg.Orchestration.VoteQuorum != 3 {
		t.Errorf("Orchestration.VoteQuorum = %d, want 3", cfg.Orchestration.VoteQuorum)
	}
	if cfg.Limits.MessagesPerSecond != 5 || cfg.Limits.Burst != 10 {
		t.Errorf("Limits = %+v", cfg.Limits)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8765" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Server.WSPath != "/ws" {
		t.Errorf("Server.WSPath = %q, want /ws", cfg.Server.WSPath)
	}
	if cfg.Identity.InactivityTimeout != 5*time.Minute {
		t.Errorf("Identity.InactivityTimeout = %v, want 5m", cfg.Identity.InactivityTimeout)
	}
	if cfg.Identity.SweepSchedule != "@every 1m" {
		t.Errorf("Identity.SweepSchedule = %q", cfg.Identity.SweepSchedule)
	}
	if !cfg.Moderation.Enabled || !cfg.Moderation.FailOpen {
		t.Errorf("Moderation defaults = %+v", cfg.Moderation)
	}
	if !cfg.Features.AntiEcho || !cfg.Features.Orchestration {
		t.Errorf("Features defaults = %+v", cfg.Features)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_HARMONY_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_HARMONY_DB", "/tmp/harmony.db")

	cfg, err := Load(writeConfig(t, `
identity:
  path: "./identities.json"
database:
  path: "${TEST_HARMONY_DB}"
auth:
  jwt_secret: "${TEST_HARMONY_SECRET}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/harmony.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing identity path",
			content: "database:\n  path: x.db\n",
			wantErr: "identity.path is required",
		},
		{
			name:    "missing database path",
			content: "identity:\n  path: x.json\n",
			wantErr: "database.path is required",
		},
		{
			name:    "bad duration",
			content: minimalConfig + "moderation:\n  echo_window: soon\n",
			wantErr: "moderation.echo_window",
		},
		{
			name:    "bad sweep schedule",
			content: "identity:\n  path: x.json\n  sweep_schedule: \"every now and then\"\ndatabase:\n  path: x.db\n",
			wantErr: "identity.sweep_schedule",
		},
		{
			name:    "short jwt secret",
			content: minimalConfig + "auth:\n  jwt_secret: short\n",
			wantErr: "at least 32 bytes",
		},
		{
			name:    "tailscale without hostname",
			content: minimalConfig + "tailscale:\n  enabled: true\n  hostname: \"\"\n",
			wantErr: "tailscale.hostname is required",
		},
		{
			name:    "relative ws path",
			content: minimalConfig + "server:\n  ws_path: ws\n",
			wantErr: "server.ws_path",
		},
		{
			name:    "unknown log format",
			content: minimalConfig + "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "rate without burst",
			content: minimalConfig + "limits:\n  messages_per_second: 5\n  burst: 0\n",
			wantErr: "limits.burst",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail for a missing file")
	}
}

func TestLoadAgent_MissingFileIsEmpty(t *testing.T) {
	p, err := LoadAgent(filepath.Join(t.TempDir(), "agent.toml"))
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if p.Server.URL != "" || p.Agent.Name != "" {
		t.Errorf("expected empty profile, got %+v", p)
	}
}

func TestLoadAgent_ParsesProfile(t *testing.T) {
	t.Setenv("TEST_HARMONY_HOST", "gateway.local")

	path := filepath.Join(t.TempDir(), "agent.toml")
	content := `
[server]
url = "ws://${TEST_HARMONY_HOST}:8765/ws"

[agent]
name = "alice"
role = "researcher"

[reconnect]
max_attempts = 3
initial_delay = "250ms"
heartbeat_interval = "10s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if p.Server.URL != "ws://gateway.local:8765/ws" {
		t.Errorf("Server.URL = %q", p.Server.URL)
	}
	if p.Agent.Name != "alice" || p.Agent.Role != "researcher" {
		t.Errorf("Agent = %+v", p.Agent)
	}
	if p.Reconnect.MaxAttempts != 3 {
		t.Errorf("Reconnect.MaxAttempts = %d", p.Reconnect.MaxAttempts)
	}
	if p.Reconnect.InitialDelay != 250*time.Millisecond {
		t.Errorf("Reconnect.InitialDelay = %v", p.Reconnect.InitialDelay)
	}
	if p.Reconnect.HeartbeatInterval != 10*time.Second {
		t.Errorf("Reconnect.HeartbeatInterval = %v", p.Reconnect.HeartbeatInterval)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestAgentProfile_Validate(t *testing.T) {
	tests := []struct {
		name    string
		profile AgentProfile
		wantErr string
	}{
		{"missing url", AgentProfile{Agent: AgentIdentityConfig{Name: "a"}}, "server.url is required"},
		{"http scheme", AgentProfile{Server: AgentServerConfig{URL: "http://x/ws"}, Agent: AgentIdentityConfig{Name: "a"}}, "ws or wss"},
		{"no identity", AgentProfile{Server: AgentServerConfig{URL: "ws://x/ws"}}, "agent.name or agent.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.profile.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveToken_PreservesProfileWithoutExpansion(t *testing.T) {
	t.Setenv("TEST_HARMONY_HOST", "expanded.example")

	path := filepath.Join(t.TempDir(), "nested", "agent.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "[server]\nurl = \"ws://${TEST_HARMONY_HOST}/ws\"\n\n[agent]\nname = \"bob\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := SaveToken(path, "agent-0123456789abcdef", "secret-token"); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "${TEST_HARMONY_HOST}") {
		t.Errorf("env reference was expanded on save:\n%s", raw)
	}

	p, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if p.Agent.Token != "secret-token" || p.Agent.AgentID != "agent-0123456789abcdef" {
		t.Errorf("Agent = %+v", p.Agent)
	}
	if p.Agent.Name != "bob" {
		t.Errorf("Agent.Name = %q, want bob", p.Agent.Name)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("profile mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSaveToken_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harmony", "agent.toml")
	if err := SaveToken(path, "agent-1", "tok"); err != nil {
		t.Fatalf("SaveToken() error = %v", err)
	}
	p, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent() error = %v", err)
	}
	if p.Agent.Token != "tok" {
		t.Errorf("Agent.Token = %q", p.Agent.Token)
	}
}
