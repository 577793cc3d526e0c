// ABOUTME: Logical WebSocket connection that survives physical socket loss
// ABOUTME: Explicit state machine with one owned timer, backoff, heartbeat and a FIFO outbound queue

package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Manager owns one logical connection over a sequence of physical sockets.
//
// Exactly one timer is live at a time: the backoff timer while
// Reconnecting, the heartbeat/pong timer while Connected. Every transition
// bumps a generation counter so callbacks armed for an earlier socket
// become no-ops.
type Manager struct {
	cfg    Config
	obs    Observer
	dialer *websocket.Dialer
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	gen           uint64
	manual        bool
	autoReconnect bool
	everConnected bool

	conn       *websocket.Conn
	timer      *clock.Timer
	cancelDial context.CancelFunc

	attempts   int
	queue      [][]byte
	pingSentAt time.Time

	health             Health
	latency            time.Duration
	lastError          string
	lastConnectedAt    time.Time
	lastDisconnectedAt time.Time
}

type event func(Observer)

// NewManager creates a manager in the Idle state. Pass a nil observer to
// ignore events.
func NewManager(cfg Config, obs Observer) *Manager {
	cfg.applyDefaults()
	if obs == nil {
		obs = NopObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg,
		obs: obs,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.ConnectionTimeout,
		},
		clock:         cfg.Clock,
		logger:        cfg.Logger.With("component", "connection", "url", cfg.URL),
		ctx:           ctx,
		cancel:        cancel,
		autoReconnect: cfg.AutoReconnect,
		health:        HealthHealthy,
	}
}

func (m *Manager) fire(events []event) {
	for _, ev := range events {
		ev(m.obs)
	}
}

// Connect opens the first physical connection and blocks until that attempt
// finishes. A failed first attempt is returned and, with AutoReconnect,
// retried in the background.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateIdle && m.state != StateClosed {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.gen++
	m.attempts = 0
	m.autoReconnect = m.cfg.AutoReconnect
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	return m.dial(ctx, gen)
}

// dial performs one physical connection attempt for generation gen.
func (m *Manager) dial(ctx context.Context, gen uint64) error {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectionTimeout)
	defer cancel()

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return ErrInterrupted
	}
	m.cancelDial = cancel
	m.mu.Unlock()

	m.logger.Debug("dialing")
	conn, resp, err := m.dialer.DialContext(dctx, m.cfg.URL, m.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	m.cancelDial = nil
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrInterrupted
	}

	if err != nil {
		terr := Describe(err)
		m.lastError = terr.Message
		m.logger.Warn("connection attempt failed", "error", err, "attempts", m.attempts)
		events := []event{func(o Observer) { o.OnError(terr) }}
		events = append(events, m.scheduleReconnectLocked()...)
		m.mu.Unlock()
		m.fire(events)
		return terr
	}

	events := m.openLocked(conn, gen)
	m.mu.Unlock()
	m.fire(events)

	go m.readLoop(conn, gen)
	return nil
}

// openLocked installs a freshly dialed socket: resets backoff, writes the
// greeting, flushes the queue in FIFO order and arms the heartbeat.
func (m *Manager) openLocked(conn *websocket.Conn, gen uint64) []event {
	attempts := m.attempts
	reconnected := m.everConnected

	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.everConnected = true
	m.health = HealthHealthy
	m.latency = 0
	m.lastError = ""
	m.pingSentAt = time.Time{}
	m.lastConnectedAt = m.clock.Now()

	conn.SetPongHandler(func(string) error {
		m.handlePong(gen)
		return nil
	})

	m.logger.Info("connected", "reconnected", reconnected, "attempts", attempts)

	if m.cfg.Greeting != nil {
		greeting, err := m.cfg.Greeting()
		if err != nil {
			m.logger.Error("failed to build greeting", "error", err)
		} else if err := m.writeLocked(greeting); err != nil {
			m.logger.Warn("failed to write greeting", "error", err)
			conn.Close()
		}
	}

	m.flushLocked()
	m.armLocked(m.cfg.HeartbeatInterval, func() { m.heartbeat(gen) })

	return []event{func(o Observer) {
		o.OnConnected(Connected{Reconnected: reconnected, Attempts: attempts})
	}}
}

// flushLocked writes queued messages oldest first. A write failure leaves
// the failed message and everything after it queued and drops the socket so
// the read loop starts the reconnection path.
func (m *Manager) flushLocked() {
	for len(m.queue) > 0 {
		if err := m.writeLocked(m.queue[0]); err != nil {
			m.logger.Warn("flush interrupted", "error", err, "remaining", len(m.queue))
			m.conn.Close()
			return
		}
		m.queue[0] = nil
		m.queue = m.queue[1:]
	}
	m.queue = nil
}

func (m *Manager) writeLocked(data []byte) error {
	if err := m.conn.SetWriteDeadline(m.clock.Now().Add(writeWait)); err != nil {
		return err
	}
	return m.conn.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) armLocked(d time.Duration, f func()) {
	m.stopTimerLocked()
	m.timer = m.clock.AfterFunc(d, f)
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// scheduleReconnectLocked moves to Reconnecting with the next backoff delay,
// or to Idle/Closed when reconnection is off or exhausted.
func (m *Manager) scheduleReconnectLocked() []event {
	m.stopTimerLocked()

	if !m.autoReconnect {
		m.state = StateIdle
		return nil
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateClosed
		attempts, lastErr := m.attempts, m.lastError
		m.logger.Error("giving up reconnecting", "attempts", attempts, "last_error", lastErr)
		return []event{func(o Observer) {
			o.OnReconnectFailed(ReconnectFailed{Attempts: attempts, LastError: lastErr})
		}}
	}

	m.attempts++
	attempt := m.attempts
	delay := m.cfg.Backoff(attempt)
	m.state = StateReconnecting

	gen := m.gen
	m.armLocked(delay, func() { m.reconnect(gen) })

	m.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	maxAttempts := m.cfg.MaxReconnectAttempts
	return []event{func(o Observer) {
		o.OnReconnecting(Reconnecting{Attempt: attempt, Delay: delay, MaxAttempts: maxAttempts})
	}}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.state = StateConnecting
	m.mu.Unlock()

	_ = m.dial(m.ctx, gen)
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleLoss(conn, gen, err)
			return
		}
		m.obs.OnMessage(data)
	}
}

// handleLoss reacts to an unexpected socket close. A clean server close
// (1000) leaves the manager Idle; any other close starts reconnection.
func (m *Manager) handleLoss(conn *websocket.Conn, gen uint64, err error) {
	conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected || m.conn != conn {
		m.mu.Unlock()
		return
	}

	m.stopTimerLocked()
	m.conn = nil
	m.pingSentAt = time.Time{}
	m.lastDisconnectedAt = m.clock.Now()

	code, reason := closeInfo(err)
	wasClean := code == websocket.CloseNormalClosure

	m.logger.Info("disconnected", "code", code, "reason", reason, "clean", wasClean)

	events := []event{func(o Observer) {
		o.OnDisconnected(Disconnected{Code: code, Reason: reason, WasClean: wasClean})
	}}

	if wasClean {
		m.state = StateIdle
	} else {
		terr := Describe(err)
		m.lastError = terr.Message
		events = append(events, func(o Observer) { o.OnError(terr) })
		events = append(events, m.scheduleReconnectLocked()...)
	}
	m.mu.Unlock()
	m.fire(events)
}

// heartbeat fires on the Connected timer. With no ping outstanding it sends
// one and re-arms for the pong deadline; with a ping outstanding the pong is
// overdue, so the socket is marked unhealthy and torn down.
func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.timer = nil

	if !m.pingSentAt.IsZero() {
		m.health = HealthUnhealthy
		m.mu.Unlock()

		m.logger.Warn("heartbeat timed out, dropping connection", "timeout", m.cfg.PongTimeout)
		m.obs.OnHealthUpdate(HealthUpdate{Health: HealthUnhealthy})
		conn.Close()
		return
	}

	now := m.clock.Now()
	m.pingSentAt = now
	if err := conn.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
		m.mu.Unlock()
		m.logger.Warn("failed to send ping", "error", err)
		conn.Close()
		return
	}
	m.armLocked(m.cfg.PongTimeout, func() { m.heartbeat(gen) })
	m.mu.Unlock()
}

func (m *Manager) handlePong(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnected || m.pingSentAt.IsZero() {
		m.mu.Unlock()
		return
	}
	latency := m.clock.Since(m.pingSentAt)
	health := m.cfg.Classify(latency)
	m.pingSentAt = time.Time{}
	m.health = health
	m.latency = latency
	m.armLocked(m.cfg.HeartbeatInterval, func() { m.heartbeat(gen) })
	m.mu.Unlock()

	m.obs.OnHealthUpdate(HealthUpdate{Health: health, Latency: latency})
}

// Send transmits data now when connected with an empty queue; otherwise it
// queues data behind earlier messages. A failed write on an open socket
// also falls back to the queue.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return ErrClosed
	}

	if m.state == StateConnected && m.conn != nil && len(m.queue) == 0 {
		err := m.writeLocked(data)
		if err == nil {
			m.mu.Unlock()
			return nil
		}
		m.logger.Warn("send failed, queueing", "error", err)
		m.conn.Close()
	}

	ev, err := m.enqueueLocked(data)
	m.mu.Unlock()
	m.obs.OnMessageQueued(ev)
	return err
}

func (m *Manager) enqueueLocked(data []byte) (MessageQueued, error) {
	capacity := m.cfg.QueueCapacity
	if capacity > 0 && len(m.queue) >= capacity {
		if m.cfg.Overflow == DropNewest {
			return MessageQueued{QueueLength: len(m.queue), Dropped: 1}, ErrQueueFull
		}
		m.queue[0] = nil
		m.queue = append(m.queue[1:], data)
		return MessageQueued{QueueLength: len(m.queue), Dropped: 1}, nil
	}
	m.queue = append(m.queue, data)
	return MessageQueued{QueueLength: len(m.queue)}, nil
}

// Disconnect closes the connection for good: auto-reconnect is disabled,
// every timer and pending dial is cancelled and the socket gets a clean
// close frame.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return nil
	}
	m.manual = true
	m.autoReconnect = false
	m.gen++
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.cancel()

	conn := m.conn
	wasConnected := m.state == StateConnected
	m.conn = nil
	m.state = StateClosed
	if wasConnected {
		m.lastDisconnectedAt = m.clock.Now()
	}
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnect")
		if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			m.logger.Debug("failed to write close frame", "error", err)
		}
		conn.Close()
	}

	m.logger.Info("disconnected by client")
	if wasConnected {
		m.obs.OnDisconnected(Disconnected{
			Code:     websocket.CloseNormalClosure,
			Reason:   "Client disconnect",
			WasClean: true,
			Manual:   true,
		})
	}
	return nil
}

// ForceReconnect drops the current socket, resets the attempt counter,
// re-enables auto-reconnect and connects again.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.manual {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	m.stopTimerLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}

	conn := m.conn
	wasConnected := m.state == StateConnected
	m.conn = nil
	m.attempts = 0
	m.autoReconnect = true
	m.pingSentAt = time.Time{}
	m.state = StateConnecting
	if wasConnected {
		m.lastDisconnectedAt = m.clock.Now()
	}
	gen := m.gen
	m.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Reconnecting")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	if wasConnected {
		m.obs.OnDisconnected(Disconnected{
			Code:     websocket.CloseGoingAway,
			Reason:   "Reconnecting",
			WasClean: true,
			Manual:   true,
		})
	}

	m.logger.Info("forcing reconnect")
	return m.dial(ctx, gen)
}

// Snapshot returns the current connection state.
func (m *Manager) Snapshot() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		State:              m.state,
		Connected:          m.state == StateConnected,
		Reconnecting:       m.state == StateReconnecting,
		ReconnectAttempts:  m.attempts,
		Health:             m.health,
		Latency:            m.latency,
		LastError:          m.lastError,
		LastConnectedAt:    m.lastConnectedAt,
		LastDisconnectedAt: m.lastDisconnectedAt,
		QueueLength:        len(m.queue),
	}
}
