// ABOUTME: Entry point for harmony-agent, a minimal interactive protocol client
// ABOUTME: register obtains an identity; join authenticates and relays stdin as chat

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/2389/harmony-gateway/internal/client"
	"github.com/2389/harmony-gateway/internal/config"
	"github.com/2389/harmony-gateway/internal/protocol"
)

var version = "dev"

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: harmony-agent <command> [flags]

Commands:
  register   Register a new identity and save its token to the profile
  join       Connect, authenticate and chat from stdin

Run "harmony-agent <command> --help" for flags.`)
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
	case "register":
		err = runRegister(ctx, os.Args[2:])
	case "join":
		err = runJoin(ctx, os.Args[2:])
	case "version":
		fmt.Printf("harmony-agent %s (protocol %s)\n", version, protocol.Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

// profileFlags are shared by every subcommand. Flags override the profile.
type profileFlags struct {
	path        string
	url         string
	name        string
	role        string
	perspective string
}

func (p *profileFlags) register(flags *pflag.FlagSet) {
	flags.StringVarP(&p.path, "profile", "p", config.DefaultAgentPath(), "agent profile (TOML)")
	flags.StringVarP(&p.url, "url", "u", "", "gateway WebSocket URL, e.g. ws://localhost:8765/ws")
	flags.StringVarP(&p.name, "name", "n", "", "display name")
	flags.StringVarP(&p.role, "role", "r", "", "role to take")
	flags.StringVar(&p.perspective, "perspective", "", "perspective to argue from")
}

// load reads the profile and applies flag overrides.
func (p *profileFlags) load() (*config.AgentProfile, error) {
	profile, err := config.LoadAgent(p.path)
	if err != nil {
		return nil, err
	}
	if p.url != "" {
		profile.Server.URL = p.url
	}
	if p.name != "" {
		profile.Agent.Name = p.name
	}
	if p.role != "" {
		profile.Agent.Role = p.role
	}
	if p.perspective != "" {
		profile.Agent.Perspective = p.perspective
	}
	return profile, nil
}

func runRegister(ctx context.Context, args []string) error {
	var pf profileFlags
	flags := pflag.NewFlagSet("register", pflag.ContinueOnError)
	pf.register(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	profile, err := pf.load()
	if err != nil {
		return err
	}
	if profile.Agent.Name == "" {
		return fmt.Errorf("--name is required")
	}
	profile.Agent.Token = ""
	if err := profile.Validate(); err != nil {
		return err
	}

	ok, err := client.Register(ctx, profile.Server.URL, profile.Agent.Name, profile.Agent.Role)
	if err != nil {
		return err
	}
	if err := config.SaveToken(pf.path, ok.AgentID, ok.AuthToken); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	success.Printf("  ✓ Registered %s\n", ok.DisplayName)
	fmt.Printf("  Agent ID: %s\n", ok.AgentID)
	if ok.Role != "" {
		fmt.Printf("  Role:     %s\n", ok.Role)
	}
	fmt.Printf("  Profile:  %s\n", pf.path)
	if pf.url != "" {
		dim.Printf("  Join with: harmony-agent join --url %s\n", pf.url)
	}
	return nil
}

func runJoin(ctx context.Context, args []string) error {
	var pf profileFlags
	flags := pflag.NewFlagSet("join", pflag.ContinueOnError)
	pf.register(flags)
	verbose := flags.BoolP("verbose", "v", false, "log connection internals")
	if err := flags.Parse(args); err != nil {
		return err
	}

	profile, err := pf.load()
	if err != nil {
		return err
	}
	if err := profile.Validate(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	conn := client.DefaultConfig(profile.Server.URL)
	conn.Logger = logger
	applyReconnect(&conn, profile.Reconnect)

	agent := client.NewAgent(client.AgentConfig{
		Name:        profile.Agent.Name,
		Role:        profile.Agent.Role,
		Perspective: profile.Agent.Perspective,
		Credentials: client.Credentials{
			AgentID:   profile.Agent.AgentID,
			AuthToken: profile.Agent.Token,
		},
		Connection: conn,
	}, render, &terminal{})

	if err := agent.Connect(ctx); err != nil {
		return err
	}
	defer agent.Disconnect()

	authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ok, err := agent.WaitAuthenticated(authCtx)
	cancel()
	if err != nil {
		return err
	}
	announce(ok)

	if ok.AuthToken != profile.Agent.Token {
		if err := config.SaveToken(pf.path, ok.AgentID, ok.AuthToken); err != nil {
			warn.Printf("could not save token: %v\n", err)
		}
	}

	return chatLoop(ctx, agent, os.Stdin)
}

func applyReconnect(c *client.Config, r config.AgentReconnectConfig) {
	if r.MaxAttempts > 0 {
		c.MaxReconnectAttempts = r.MaxAttempts
	}
	if r.QueueCapacity > 0 {
		c.QueueCapacity = r.QueueCapacity
	}
	if r.InitialDelay > 0 {
		c.InitialDelay = r.InitialDelay
	}
	if r.MaxDelay > 0 {
		c.MaxDelay = r.MaxDelay
	}
	if r.HeartbeatInterval > 0 {
		c.HeartbeatInterval = r.HeartbeatInterval
	}
}

func printError(err error) {
	var te *client.TransportError
	if errors.As(err, &te) {
		failure.Fprintf(os.Stderr, "Error: %s\n", te.Message)
		if te.Remedy != "" {
			fmt.Fprintf(os.Stderr, "  %s\n", te.Remedy)
		}
		return
	}
	var re *client.RegistrationError
	if errors.As(err, &re) && len(re.Suggestions) > 0 {
		failure.Fprintf(os.Stderr, "Error: %s\n", re.Reason)
		fmt.Fprintf(os.Stderr, "  Try one of: %s\n", strings.Join(re.Suggestions, ", "))
		return
	}
	failure.Fprintf(os.Stderr, "Error: %v\n", err)
}
