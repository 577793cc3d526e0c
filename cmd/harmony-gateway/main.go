// ABOUTME: Entry point for the harmony-gateway collaboration server
// ABOUTME: Subcommands serve, init, health, agents and token

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/harmony-gateway/internal/auth"
	"github.com/2389/harmony-gateway/internal/config"
	"github.com/2389/harmony-gateway/internal/gateway"
	"github.com/2389/harmony-gateway/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  _
 | |__   __ _ _ __ _ __ ___   ___  _ __  _   _
 | '_ \ / _' | '__| '_ ' _ \ / _ \| '_ \| | | |
 | | | | (_| | |  | | | | | | (_) | | | | |_| |
 |_| |_|\__,_|_|  |_| |_| |_|\___/|_| |_|\__, |
                                         |___/
`

// getConfigPath returns the gateway config path.
// Priority: HARMONY_CONFIG > XDG_CONFIG_HOME/harmony/gateway.yaml > ~/.config/harmony/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("HARMONY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "harmony", "gateway.yaml")
}

// getDataPath returns the harmony data directory.
// Priority: XDG_DATA_HOME/harmony > ~/.local/share/harmony
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "harmony")
}

func usage() {
	fmt.Println("Usage: harmony-gateway <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the gateway server")
	fmt.Println("  init                     Create a new config file interactively")
	fmt.Println("  health                   Check gateway readiness")
	fmt.Println("  agents [--online]        List known agents")
	fmt.Println("  token --subject NAME     Issue an admin API token")
	fmt.Println("  version                  Print the build and protocol versions")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx, os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Printf("harmony-gateway %s (protocol %s)\n", version, protocol.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s  protocol: %s\n\n", version, protocol.Version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr+cfg.Server.WSPath)
	line("Identity", cfg.Identity.Path)
	line("Ledger", cfg.Database.Path)
	if cfg.Board.Path != "" {
		line("Board", cfg.Board.Path)
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if !cfg.Moderation.Enabled {
		yellow.Println("    ! moderation gate disabled")
	}
	fmt.Println()

	logger.Info("starting harmony-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"ws_path", cfg.Server.WSPath,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

// getJSON fetches path from the configured gateway, attaching the saved admin
// token when one exists.
func getJSON(ctx context.Context, cfg *config.Config, path string, v any) error {
	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if token, err := os.ReadFile(tokenPath()); err == nil {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(token)))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	color.Green("healthy: %s", strings.TrimSpace(string(body)))
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("agents", pflag.ContinueOnError)
	online := flags.Bool("online", false, "only show agents with a live session")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	path := "/api/agents"
	if *online {
		path += "?online=true"
	}
	var agents []gateway.AgentResponse
	if err := getJSON(ctx, cfg, path, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("no agents")
		return nil
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, a := range agents {
		if a.Online {
			green.Print("● ")
		} else {
			gray.Print("○ ")
		}
		fmt.Printf("%-20s %-24s %-12s", a.DisplayName, a.AgentID, a.Role)
		if a.Perspective != "" {
			gray.Printf(" [%s]", a.Perspective)
		}
		gray.Printf("  sessions=%d messages=%d last_seen=%s\n",
			a.Stats.TotalSessions, a.Stats.TotalMessages, a.LastSeen)
	}
	return nil
}

func tokenPath() string {
	return filepath.Join(filepath.Dir(getConfigPath()), "token")
}

// runToken issues an HS256 admin token for the /api endpoints and saves it
// next to the config file.
func runToken(args []string) error {
	flags := pflag.NewFlagSet("token", pflag.ContinueOnError)
	subject := flags.StringP("subject", "s", "", "operator name recorded in the token")
	ttl := flags.Duration("ttl", 30*24*time.Hour, "token lifetime")
	printOnly := flags.Bool("print", false, "print the token instead of saving it")
	if err := flags.Parse(args); err != nil {
		return err
	}

	name := strings.TrimSpace(*subject)
	if name == "" {
		return fmt.Errorf("--subject is required")
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(name, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *printOnly {
		fmt.Println(token)
		return nil
	}

	path := tokenPath()
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Saved token: %s\n", path)
	fmt.Printf("  Subject: %s\n", name)
	fmt.Printf("  Expires: %s\n", time.Now().Add(*ttl).UTC().Format("Jan 02, 2006"))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("harmony-gateway configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	dataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8765")
	wsPath := prompt(reader, "WebSocket path", "/ws")

	fmt.Println("\n--- Storage ---")
	identityPath := prompt(reader, "Identity store path", filepath.Join(dataPath, "identities.json"))
	dbPath := prompt(reader, "Session ledger path", filepath.Join(dataPath, "ledger.db"))
	boardPath := prompt(reader, "Discussion board path (empty to disable)", filepath.Join(dataPath, "board.md"))

	fmt.Println("\n--- Collaboration ---")
	moderation := yes(prompt(reader, "Enable moderation gate?", "yes"))
	antiEcho := yes(prompt(reader, "Assign perspectives (anti-echo)?", "yes"))
	orchestration := yes(prompt(reader, "Enable orchestration (tasks, votes, spawn)?", "yes"))

	fmt.Println("\n--- Tailscale ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "harmony")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# harmony-gateway configuration\n")
	cfg.WriteString("# Generated by harmony-gateway init\n\n")

	fmt.Fprintf(&cfg, "server:\n  http_addr: %q\n  ws_path: %q\n\n", httpAddr, wsPath)
	fmt.Fprintf(&cfg, "identity:\n  path: %q\n  inactivity_timeout: \"5m\"\n  sweep_schedule: \"@every 1m\"\n\n", identityPath)
	fmt.Fprintf(&cfg, "database:\n  path: %q\n\n", dbPath)
	fmt.Fprintf(&cfg, "board:\n  path: %q\n\n", boardPath)
	fmt.Fprintf(&cfg, "moderation:\n  enabled: %t\n  echo_window: \"10m\"\n  require_evidence: [\"decision\"]\n\n", moderation)
	fmt.Fprintf(&cfg, "features:\n  anti_echo: %t\n  orchestration: %t\n\n", antiEcho, orchestration)
	cfg.WriteString("limits:\n  messages_per_second: 20\n  burst: 40\n\n")
	fmt.Fprintf(&cfg, "auth:\n  jwt_secret: %q\n\n", base64.StdEncoding.EncodeToString(secret))

	fmt.Fprintf(&cfg, "tailscale:\n  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n  funnel: %t\n", tsEphemeral, tsFunnel)
	}
	cfg.WriteString("\n")

	fmt.Fprintf(&cfg, "logging:\n  level: %q\n  format: %q\n\n", logLevel, logFormat)
	cfg.WriteString("metrics:\n  enabled: false\n  path: \"/metrics\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  harmony-gateway serve                 # start the gateway")
	fmt.Println("  harmony-gateway token --subject you   # issue an admin API token")
	return nil
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
