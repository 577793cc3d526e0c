// ABOUTME: Gateway orchestrator that owns the HTTP server, WebSocket endpoint and collaborators
// ABOUTME: Wires identity, sessions, moderation, orchestration, ledger, board and metrics together

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/harmony-gateway/internal/auth"
	"github.com/2389/harmony-gateway/internal/board"
	"github.com/2389/harmony-gateway/internal/config"
	"github.com/2389/harmony-gateway/internal/identity"
	"github.com/2389/harmony-gateway/internal/metrics"
	"github.com/2389/harmony-gateway/internal/moderation"
	"github.com/2389/harmony-gateway/internal/orchestration"
	"github.com/2389/harmony-gateway/internal/protocol"
	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

// Gateway terminates agent WebSocket connections and serves the admin API.
type Gateway struct {
	config       *config.Config
	identities   *identity.Store
	sessions     *session.Registry
	store        store.Store
	moderator    *moderation.Breaker
	engine       *orchestration.Engine
	orchestrator orchestration.Orchestrator
	router       orchestration.Router
	board        *board.Board
	metrics      *metrics.Metrics
	verifier     *auth.JWTVerifier
	scheduler    *cron.Cron
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	clock        clock.Clock
	logger       *slog.Logger

	// serverVersion is advertised in auth-success
	serverVersion string

	connMu sync.Mutex
	conns  map[*conn]struct{}
	connWG sync.WaitGroup

	closing      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(g *Gateway) { g.clock = c }
}

// WithRouter replaces the relay used for message types without a handler.
func WithRouter(r orchestration.Router) Option {
	return func(g *Gateway) { g.router = r }
}

// initIdentityStore opens the identity store, honoring HARMONY_IDENTITY_PATH.
func initIdentityStore(cfg *config.Config, clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) (*identity.Store, error) {
	path := cfg.Identity.Path
	if envPath := os.Getenv("HARMONY_IDENTITY_PATH"); envPath != "" {
		path = envPath
	}

	ids, err := identity.Open(path, identity.Options{
		Clock:    clk,
		Logger:   logger,
		SaveHook: m.ObserveSave,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing identity store: %w", err)
	}
	if ids.Degraded() {
		logger.Warn("identity store started empty after unrecoverable load failure", "path", path)
	}
	return ids, nil
}

// initStore creates the session ledger, honoring HARMONY_DB_PATH.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("HARMONY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initModerator builds the default policy behind a circuit breaker.
func initModerator(cfg *config.Config, clk clock.Clock, logger *slog.Logger) *moderation.Breaker {
	modCfg := cfg.Moderation

	evidence := make([]protocol.Type, 0, len(modCfg.RequireEvidence))
	for _, t := range modCfg.RequireEvidence {
		evidence = append(evidence, protocol.Type(t))
	}

	policy := moderation.NewPolicy(moderation.PolicyConfig{
		EchoWindow:       modCfg.EchoWindow,
		EchoCapacity:     modCfg.EchoCapacity,
		MinEchoLength:    modCfg.MinEchoLength,
		EvidenceRequired: evidence,
		Perspectives:     modCfg.Perspectives,
		Clock:            clk,
		Logger:           logger.With("component", "moderation"),
	})

	return moderation.WithBreaker(policy, moderation.BreakerConfig{
		MaxFailures: modCfg.BreakerMaxFailures,
		Timeout:     modCfg.BreakerTimeout,
		FailOpen:    modCfg.FailOpen,
	}, logger.With("component", "moderation-breaker"))
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:        cfg,
		clock:         clock.New(),
		logger:        logger,
		metrics:       metrics.New(),
		conns:         make(map[*conn]struct{}),
		serverVersion: cfg.Server.Version,
	}
	for _, opt := range opts {
		opt(gw)
	}
	if gw.serverVersion == "" {
		gw.serverVersion = protocol.Version
	}

	ids, err := initIdentityStore(cfg, gw.clock, gw.metrics, logger)
	if err != nil {
		return nil, err
	}
	gw.identities = ids

	ledger, err := initStore(cfg)
	if err != nil {
		_ = ids.Close()
		return nil, err
	}
	gw.store = ledger

	// Sessions left open by a previous process can never end normally.
	if n, err := ledger.CloseOpenSessions(context.Background(), gw.clock.Now(), store.EndRestart); err != nil {
		logger.Warn("failed to close stale ledger sessions", "error", err)
	} else if n > 0 {
		logger.Info("closed stale ledger sessions", "count", n)
	}

	if cfg.Board.Path != "" {
		b, err := board.Open(cfg.Board.Path, logger.With("component", "board"))
		if err != nil {
			_ = ledger.Close()
			_ = ids.Close()
			return nil, fmt.Errorf("opening discussion board: %w", err)
		}
		gw.board = b
	}

	gw.sessions = session.NewRegistry(logger.With("component", "sessions"))
	gw.moderator = initModerator(cfg, gw.clock, logger)
	gw.engine = orchestration.NewEngine(orchestration.Config{
		VoteQuorum: cfg.Orchestration.VoteQuorum,
		MaxSpawn:   cfg.Orchestration.MaxSpawn,
		Clock:      gw.clock,
		Logger:     logger.With("component", "orchestration"),
	})
	gw.orchestrator = gw.engine
	if gw.router == nil {
		gw.router = orchestration.NewRelay(gw.sessions)
	}

	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	gw.scheduler = cron.New(cron.WithLogger(cronLogger{logger.With("component", "sweep")}))
	if _, err := gw.scheduler.AddFunc(cfg.Identity.SweepSchedule, gw.sweepInactive); err != nil {
		_ = ledger.Close()
		_ = ids.Close()
		return nil, fmt.Errorf("scheduling inactivity sweep: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.HandleFunc(cfg.Server.WSPath, gw.handleWebSocket)
	if err := gw.registerHTTPAPIRoutes(mux); err != nil {
		_ = ledger.Close()
		_ = ids.Close()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("gateway initialized",
		"identities", ids.Len(),
		"identity_path", ids.Path(),
		"ws_path", cfg.Server.WSPath,
		"moderation", cfg.Moderation.Enabled,
		"anti_echo", cfg.Features.AntiEcho,
		"orchestration", cfg.Features.Orchestration,
	)
	return gw, nil
}

// Handler returns the HTTP handler serving the WebSocket endpoint and the API.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the plain TCP listener for HTTP and WebSocket traffic.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddresses logs a warning if an HTTP address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled or the HTTP server fails, then shuts down.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.scheduler.Start()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "harmony-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeConnections sends every live connection a going-away close and waits
// for their cleanup to finish or ctx to expire.
func (g *Gateway) closeConnections(ctx context.Context) error {
	g.connMu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connMu.Unlock()

	for _, c := range conns {
		c.Close(session.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d connections: %w", len(conns), ctx.Err())
	}
}

// Shutdown stops accepting connections, closes every session and releases
// the stores. It is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")
		g.closing.Store(true)

		var errs []error
		<-g.scheduler.Stop().Done()
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		errs = appendCloseError(errs, "connection drain", g.closeConnections(ctx))

		if n, err := g.store.CloseOpenSessions(context.Background(), g.clock.Now(), store.EndShutdown); err != nil {
			errs = appendCloseError(errs, "ledger close sessions", err)
		} else if n > 0 {
			g.logger.Info("closed ledger sessions still open at shutdown", "count", n)
		}

		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "identity store close", g.identities.Close())
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return g.shutdownErr
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the identity store is loaded and the
// gateway is not shutting down.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}

	state := "ready"
	if g.identities.Degraded() {
		state = "ready, identity store degraded"
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "%s (%d identities, %d sessions)", state, g.identities.Len(), g.sessions.Count())
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
