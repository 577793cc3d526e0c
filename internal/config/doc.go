// Package config handles configuration loading for harmony-gateway and
// harmony-agent.
//
// # Gateway Configuration
//
// The gateway reads YAML. Default location:
//
//  1. Path from HARMONY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/harmony/gateway.yaml (~/.config when unset)
//
// Load starts from Default() and overlays the file, so only non-default
// values need to appear.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${HARMONY_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	identity:
//	  inactivity_timeout: "5m"
//	moderation:
//	  echo_window: "10m"
//	  breaker_timeout: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8765"
//	  ws_path: "/ws"
//	  max_message_bytes: 1048576
//	  send_buffer: 256
//
//	identity:
//	  path: "~/.local/share/harmony/identities.json"
//	  inactivity_timeout: "5m"
//	  sweep_schedule: "@every 1m"   # cron schedule
//
//	database:
//	  path: "~/.local/share/harmony/ledger.db"
//
//	board:
//	  path: "~/.local/share/harmony/board.md"   # empty disables
//
//	moderation:
//	  enabled: true
//	  echo_window: "10m"
//	  require_evidence: ["decision"]
//	  fail_open: true
//
//	limits:
//	  messages_per_second: 20
//	  burst: 40
//
//	tailscale:
//	  enabled: false
//	  hostname: "harmony"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Agent Profile
//
// harmony-agent reads TOML from $XDG_CONFIG_HOME/harmony/agent.toml:
//
//	[server]
//	url = "ws://localhost:8765/ws"
//
//	[agent]
//	name = "alice"
//	role = "researcher"
//
//	[reconnect]
//	max_attempts = 10
//	initial_delay = "1s"
//
// SaveToken writes the issued agent ID and token back so later runs resume
// the same identity.
package config
