// ABOUTME: Authenticated agent built on the connection Manager
// ABOUTME: Re-authenticates on every reconnect and remembers the issued agent ID and token

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/harmony-gateway/internal/protocol"
)

// ErrAuthFailed is returned by WaitAuthenticated when the gateway rejects the agent.
var ErrAuthFailed = errors.New("client: authentication failed")

// Credentials identify an agent across connections.
type Credentials struct {
	AgentID   string
	AuthToken string
}

// AgentConfig describes who the agent is and where it connects.
type AgentConfig struct {
	Name          string
	Role          string
	Perspective   string
	ClientVersion string
	Credentials   Credentials
	Connection    Config
}

// Handler receives every inbound frame with its type.
type Handler func(t protocol.Type, data []byte)

// Agent is a Manager that authenticates itself.
type Agent struct {
	cfg     AgentConfig
	handler Handler
	obs     Observer
	mgr     *Manager

	mu    sync.RWMutex
	creds Credentials
	last  *protocol.AuthSuccess
	// awaitingAuth is set when the greeting goes out and cleared by the
	// first auth reply on that connection.
	awaitingAuth bool

	authOnce sync.Once
	authDone chan struct{}
	authErr  error
}

// NewAgent creates an agent. handler and obs may be nil.
func NewAgent(cfg AgentConfig, handler Handler, obs Observer) *Agent {
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = protocol.Version
	}
	if obs == nil {
		obs = NopObserver{}
	}

	a := &Agent{
		cfg:      cfg,
		handler:  handler,
		obs:      obs,
		creds:    cfg.Credentials,
		authDone: make(chan struct{}),
	}

	conn := cfg.Connection
	conn.Greeting = a.greeting
	a.mgr = NewManager(conn, a)
	return a
}

func (a *Agent) greeting() ([]byte, error) {
	a.mu.Lock()
	token := a.creds.AuthToken
	a.awaitingAuth = true
	a.mu.Unlock()

	return protocol.EncodeInbound(&protocol.Auth{
		AgentName:     a.cfg.Name,
		AuthToken:     token,
		Role:          a.cfg.Role,
		Perspective:   a.cfg.Perspective,
		ClientVersion: a.cfg.ClientVersion,
	})
}

// Connect opens the connection. Authentication happens on the greeting;
// use WaitAuthenticated to block until the gateway answers.
func (a *Agent) Connect(ctx context.Context) error {
	return a.mgr.Connect(ctx)
}

// WaitAuthenticated blocks until the first auth-success or auth-failed.
func (a *Agent) WaitAuthenticated(ctx context.Context) (protocol.AuthSuccess, error) {
	select {
	case <-ctx.Done():
		return protocol.AuthSuccess{}, ctx.Err()
	case <-a.authDone:
	}
	if a.authErr != nil {
		return protocol.AuthSuccess{}, a.authErr
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return *a.last, nil
}

// Send encodes and sends a protocol message.
func (a *Agent) Send(m protocol.Inbound) error {
	data, err := protocol.EncodeInbound(m)
	if err != nil {
		return err
	}
	return a.mgr.Send(data)
}

// Say sends a chat message.
func (a *Agent) Say(text string, evidence ...string) error {
	return a.Send(&protocol.Chat{Text: text, Evidence: evidence})
}

// Credentials returns the latest issued identity.
func (a *Agent) Credentials() Credentials {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds
}

// Manager exposes the underlying connection.
func (a *Agent) Manager() *Manager {
	return a.mgr
}

// Disconnect closes the connection for good.
func (a *Agent) Disconnect() error {
	return a.mgr.Disconnect()
}

func (a *Agent) settle(err error) {
	a.authOnce.Do(func() {
		a.authErr = err
		close(a.authDone)
	})
}

func (a *Agent) OnMessage(data []byte) {
	t, err := protocol.PeekType(data)
	if err != nil {
		a.mgr.logger.Warn("ignoring malformed frame", "error", err)
		return
	}

	switch t {
	case protocol.TypeAuthSuccess, protocol.TypeAuthFailed:
		if !a.takeAuthReply() {
			a.mgr.logger.Warn("ignoring unsolicited auth reply", "type", t)
			return
		}
	}

	switch t {
	case protocol.TypeAuthSuccess:
		var ok protocol.AuthSuccess
		if err := json.Unmarshal(data, &ok); err != nil {
			a.mgr.logger.Warn("malformed auth-success", "error", err)
			break
		}
		a.mu.Lock()
		a.creds = Credentials{AgentID: ok.AgentID, AuthToken: ok.AuthToken}
		a.last = &ok
		a.mu.Unlock()
		a.settle(nil)
	case protocol.TypeAuthFailed:
		var failed protocol.AuthFailed
		_ = json.Unmarshal(data, &failed)
		a.settle(fmt.Errorf("%w: %s", ErrAuthFailed, failed.Reason))
		// Auth failures are terminal.
		_ = a.mgr.Disconnect()
	}

	a.obs.OnMessage(data)
	if a.handler != nil {
		a.handler(t, data)
	}
}

// takeAuthReply reports whether an auth reply answers the current
// connection's greeting, consuming that expectation.
func (a *Agent) takeAuthReply() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	awaiting := a.awaitingAuth
	a.awaitingAuth = false
	return awaiting
}

func (a *Agent) OnConnected(ev Connected)         { a.obs.OnConnected(ev) }
func (a *Agent) OnDisconnected(ev Disconnected)   { a.obs.OnDisconnected(ev) }
func (a *Agent) OnReconnecting(ev Reconnecting)   { a.obs.OnReconnecting(ev) }
func (a *Agent) OnError(err *TransportError)      { a.obs.OnError(err) }
func (a *Agent) OnHealthUpdate(ev HealthUpdate)   { a.obs.OnHealthUpdate(ev) }
func (a *Agent) OnMessageQueued(ev MessageQueued) { a.obs.OnMessageQueued(ev) }

func (a *Agent) OnReconnectFailed(ev ReconnectFailed) {
	a.settle(fmt.Errorf("%w: %s", ErrClosed, ev.LastError))
	a.obs.OnReconnectFailed(ev)
}

// RegistrationError is a register-failed reply.
type RegistrationError struct {
	Reason      string
	Suggestions []string
}

func (e *RegistrationError) Error() string {
	if len(e.Suggestions) == 0 {
		return "registration failed: " + e.Reason
	}
	return fmt.Sprintf("registration failed: %s (try %v)", e.Reason, e.Suggestions)
}

// Register opens a one-shot connection, asks for a new identity and closes.
func Register(ctx context.Context, url, name, role string) (protocol.RegisterSuccess, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectionTimeout)
	defer cancel()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return protocol.RegisterSuccess{}, Describe(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	req, err := protocol.EncodeInbound(&protocol.Register{AgentName: name, Role: role, ForceNew: true})
	if err != nil {
		return protocol.RegisterSuccess{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return protocol.RegisterSuccess{}, Describe(err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return protocol.RegisterSuccess{}, Describe(err)
		}
		t, err := protocol.PeekType(data)
		if err != nil {
			continue
		}

		switch t {
		case protocol.TypeRegisterSuccess:
			var ok protocol.RegisterSuccess
			if err := json.Unmarshal(data, &ok); err != nil {
				return protocol.RegisterSuccess{}, fmt.Errorf("decoding register-success: %w", err)
			}
			closeGracefully(conn)
			return ok, nil
		case protocol.TypeRegisterFailed:
			var failed protocol.RegisterFailed
			_ = json.Unmarshal(data, &failed)
			closeGracefully(conn)
			return protocol.RegisterSuccess{}, &RegistrationError{Reason: failed.Reason, Suggestions: failed.Suggestions}
		case protocol.TypeError:
			var perr protocol.Error
			_ = json.Unmarshal(data, &perr)
			return protocol.RegisterSuccess{}, fmt.Errorf("gateway error: %s", perr.Message)
		}
	}
}

func closeGracefully(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
