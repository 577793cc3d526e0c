// ABOUTME: Connection manager configuration, state enums and observer events
// ABOUTME: Backoff schedule and latency health bands live here

package client

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// Default connection tunables.
const (
	DefaultMaxReconnectAttempts = 10
	DefaultInitialDelay         = time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultMultiplier           = 1.5
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultPongTimeout          = 5 * time.Second
	DefaultConnectionTimeout    = 10 * time.Second
	DefaultHealthyLatency       = 100 * time.Millisecond
	DefaultDegradedLatency      = 500 * time.Millisecond
	DefaultQueueCapacity        = 1000

	writeWait = 10 * time.Second
)

// State is the logical connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Health classifies heartbeat round trips.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// OverflowPolicy decides what happens when the outbound queue is full.
type OverflowPolicy int

const (
	// DropOldest discards the oldest queued message to make room.
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the message being queued.
	DropNewest
)

// Config controls a Manager. Start from DefaultConfig and override fields.
type Config struct {
	URL    string
	Header http.Header

	AutoReconnect        bool
	MaxReconnectAttempts int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	Multiplier           float64

	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	ConnectionTimeout time.Duration
	HealthyLatency    time.Duration
	DegradedLatency   time.Duration

	// QueueCapacity bounds the outbound queue. Zero means unbounded.
	QueueCapacity int
	Overflow      OverflowPolicy

	// Greeting, when set, produces a frame written on every new physical
	// connection before queued messages are flushed. It is called with the
	// manager lock held and must not call back into the Manager.
	Greeting func() ([]byte, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// DefaultConfig returns the default tunables for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		AutoReconnect:        true,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		InitialDelay:         DefaultInitialDelay,
		MaxDelay:             DefaultMaxDelay,
		Multiplier:           DefaultMultiplier,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		PongTimeout:          DefaultPongTimeout,
		ConnectionTimeout:    DefaultConnectionTimeout,
		HealthyLatency:       DefaultHealthyLatency,
		DegradedLatency:      DefaultDegradedLatency,
		QueueCapacity:        DefaultQueueCapacity,
		Overflow:             DropOldest,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.HealthyLatency <= 0 {
		c.HealthyLatency = DefaultHealthyLatency
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = DefaultDegradedLatency
	}
	if c.QueueCapacity < 0 {
		c.QueueCapacity = 0
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Backoff returns the wait before reconnect attempt n (1-based):
// min(InitialDelay * Multiplier^(n-1), MaxDelay).
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if d >= float64(c.MaxDelay) || math.IsInf(d, 1) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Classify maps a ping round trip onto a health band.
func (c Config) Classify(latency time.Duration) Health {
	switch {
	case latency < c.HealthyLatency:
		return HealthHealthy
	case latency < c.DegradedLatency:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// ConnectionState is a point-in-time view of a Manager.
type ConnectionState struct {
	State              State         `json:"state"`
	Connected          bool          `json:"isConnected"`
	Reconnecting       bool          `json:"isReconnecting"`
	ReconnectAttempts  int           `json:"reconnectAttempts"`
	Health             Health        `json:"connectionHealth"`
	Latency            time.Duration `json:"latency"`
	LastError          string        `json:"lastError,omitempty"`
	LastConnectedAt    time.Time     `json:"lastConnectedAt,omitzero"`
	LastDisconnectedAt time.Time     `json:"lastDisconnectedAt,omitzero"`
	QueueLength        int           `json:"queueLength"`
}

// Connected is emitted when a physical connection opens.
type Connected struct {
	Reconnected bool
	Attempts    int
}

// Disconnected is emitted when a live connection closes.
type Disconnected struct {
	Code     int
	Reason   string
	WasClean bool
	Manual   bool
}

// Reconnecting is emitted when a reconnect attempt is scheduled.
type Reconnecting struct {
	Attempt     int
	Delay       time.Duration
	MaxAttempts int
}

// ReconnectFailed is emitted once the attempt budget is exhausted.
type ReconnectFailed struct {
	Attempts  int
	LastError string
}

// HealthUpdate is emitted after each heartbeat outcome.
type HealthUpdate struct {
	Health  Health
	Latency time.Duration
}

// MessageQueued is emitted when a send is deferred to the outbound queue.
type MessageQueued struct {
	QueueLength int
	Dropped     int
}

// Observer receives connection events. Calls are made without the manager
// lock held, from the goroutine that caused the event, and must not block
// for long.
type Observer interface {
	OnConnected(Connected)
	OnDisconnected(Disconnected)
	OnReconnecting(Reconnecting)
	OnReconnectFailed(ReconnectFailed)
	OnMessage(data []byte)
	OnError(err *TransportError)
	OnHealthUpdate(HealthUpdate)
	OnMessageQueued(MessageQueued)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnConnected(Connected)             {}
func (NopObserver) OnDisconnected(Disconnected)       {}
func (NopObserver) OnReconnecting(Reconnecting)       {}
func (NopObserver) OnReconnectFailed(ReconnectFailed) {}
func (NopObserver) OnMessage([]byte)                  {}
func (NopObserver) OnError(*TransportError)           {}
func (NopObserver) OnHealthUpdate(HealthUpdate)       {}
func (NopObserver) OnMessageQueued(MessageQueued)     {}
