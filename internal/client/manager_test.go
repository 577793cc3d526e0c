// ABOUTME: Tests for the connection Manager state machine
// ABOUTME: Drives real gorilla WebSocket servers via httptest to exercise reconnect, queue and heartbeat

package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newWSServer runs handle for every accepted connection.
func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// unreachableURL returns a ws URL on a port nothing listens on.
func unreachableURL(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ws://" + addr + "/ws"
}

func fastConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.MaxDelay = 20 * time.Millisecond
	cfg.ConnectionTimeout = time.Second
	return cfg
}

type recorder struct {
	NopObserver

	mu           sync.Mutex
	reconnecting []Reconnecting
	disconnects  []Disconnected
	queued       []MessageQueued
	errs         []*TransportError

	connected chan Connected
	failed    chan ReconnectFailed
	health    chan HealthUpdate
	messages  chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan Connected, 16),
		failed:    make(chan ReconnectFailed, 4),
		health:    make(chan HealthUpdate, 16),
		messages:  make(chan []byte, 64),
	}
}

func (r *recorder) OnConnected(ev Connected) { r.connected <- ev }

func (r *recorder) OnDisconnected(ev Disconnected) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, ev)
}

func (r *recorder) OnReconnecting(ev Reconnecting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnecting = append(r.reconnecting, ev)
}

func (r *recorder) OnReconnectFailed(ev ReconnectFailed) { r.failed <- ev }

func (r *recorder) OnError(err *TransportError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) OnHealthUpdate(ev HealthUpdate) {
	select {
	case r.health <- ev:
	default:
	}
}

func (r *recorder) OnMessage(data []byte) { r.messages <- data }

func (r *recorder) OnMessageQueued(ev MessageQueued) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, ev)
}

func (r *recorder) reconnects() []Reconnecting {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reconnecting(nil), r.reconnecting...)
}

func (r *recorder) disconnected() []Disconnected {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Disconnected(nil), r.disconnects...)
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig("ws://x")
	cfg.InitialDelay = 100 * time.Millisecond
	cfg.Multiplier = 2
	cfg.MaxDelay = time.Second

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, cfg.Backoff(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, cfg.InitialDelay, cfg.Backoff(0))
	assert.Equal(t, time.Second, cfg.Backoff(500))
}

func TestConfig_BackoffDefaults(t *testing.T) {
	cfg := DefaultConfig("ws://x")
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 1500*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 2250*time.Millisecond, cfg.Backoff(3))
	assert.Equal(t, 30*time.Second, cfg.Backoff(20))
}

func TestConfig_Classify(t *testing.T) {
	cfg := DefaultConfig("ws://x")
	assert.Equal(t, HealthHealthy, cfg.Classify(20*time.Millisecond))
	assert.Equal(t, HealthDegraded, cfg.Classify(200*time.Millisecond))
	assert.Equal(t, HealthUnhealthy, cfg.Classify(time.Second))
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{"refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, "Cannot connect to server"},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}, "Server address not found"},
		{"timeout", context.DeadlineExceeded, "Server is not responding"},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, "Connection was reset"},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, "Connection was reset"},
		{"handshake", websocket.ErrBadHandshake, "Server rejected the connection"},
		{"other", errors.New("boom"), "Connection error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Describe(tt.err)
			assert.Equal(t, tt.message, d.Message)
			assert.NotEmpty(t, d.Remedy)
			assert.ErrorIs(t, d, tt.err)
		})
	}
}

func TestManager_QueueFlushedInOrderOnConnect(t *testing.T) {
	received := make(chan string, 16)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	rec := newRecorder()
	cfg := fastConfig(url)
	cfg.Greeting = func() ([]byte, error) { return []byte("hello"), nil }
	m := NewManager(cfg, rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, m.Send([]byte(msg)))
	}
	assert.Equal(t, 3, m.Snapshot().QueueLength)

	require.NoError(t, m.Connect(t.Context()))
	require.NoError(t, m.Send([]byte("four")))

	var got []string
	for range 5 {
		got = append(got, waitFor(t, received))
	}
	assert.Equal(t, []string{"hello", "one", "two", "three", "four"}, got)

	snap := m.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, 0, snap.QueueLength)
	assert.Equal(t, HealthHealthy, snap.Health)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.queued, 3)
	assert.Equal(t, 3, rec.queued[2].QueueLength)
}

func TestManager_QueueOverflow(t *testing.T) {
	t.Run("drop oldest", func(t *testing.T) {
		cfg := fastConfig("ws://unused")
		cfg.QueueCapacity = 2
		rec := newRecorder()
		m := NewManager(cfg, rec)

		require.NoError(t, m.Send([]byte("a")))
		require.NoError(t, m.Send([]byte("b")))
		require.NoError(t, m.Send([]byte("c")))

		m.mu.Lock()
		queue := m.queue
		m.mu.Unlock()
		assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, queue)
		assert.Equal(t, 1, rec.queued[2].Dropped)
	})

	t.Run("drop newest", func(t *testing.T) {
		cfg := fastConfig("ws://unused")
		cfg.QueueCapacity = 2
		cfg.Overflow = DropNewest
		m := NewManager(cfg, nil)

		require.NoError(t, m.Send([]byte("a")))
		require.NoError(t, m.Send([]byte("b")))
		assert.ErrorIs(t, m.Send([]byte("c")), ErrQueueFull)

		m.mu.Lock()
		queue := m.queue
		m.mu.Unlock()
		assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, queue)
	})

	t.Run("unbounded", func(t *testing.T) {
		cfg := fastConfig("ws://unused")
		cfg.QueueCapacity = 0
		m := NewManager(cfg, nil)
		for range 2000 {
			require.NoError(t, m.Send([]byte("x")))
		}
		assert.Equal(t, 2000, m.Snapshot().QueueLength)
	})
}

func TestManager_ReconnectBudgetExhausted(t *testing.T) {
	rec := newRecorder()
	cfg := fastConfig(unreachableURL(t))
	cfg.MaxReconnectAttempts = 3
	m := NewManager(cfg, rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	err := m.Connect(t.Context())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "Cannot connect to server", terr.Message)

	failed := waitFor(t, rec.failed)
	assert.Equal(t, 3, failed.Attempts)
	assert.Equal(t, "Cannot connect to server", failed.LastError)

	// Nothing further is scheduled.
	time.Sleep(100 * time.Millisecond)
	attempts := rec.reconnects()
	require.Len(t, attempts, 3)
	for i, ev := range attempts {
		assert.Equal(t, i+1, ev.Attempt)
		assert.Equal(t, 3, ev.MaxAttempts)
		assert.Equal(t, cfg.Backoff(i+1), ev.Delay)
	}
	assert.Empty(t, rec.failed)
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestManager_ReconnectsAfterAbnormalClose(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			// Drop the TCP connection without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	m := NewManager(fastConfig(url), rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	first := waitFor(t, rec.connected)
	assert.False(t, first.Reconnected)

	second := waitFor(t, rec.connected)
	assert.True(t, second.Reconnected)
	assert.Equal(t, 1, second.Attempts)

	disc := rec.disconnected()
	require.NotEmpty(t, disc)
	assert.Equal(t, websocket.CloseAbnormalClosure, disc[0].Code)
	assert.False(t, disc[0].WasClean)

	snap := m.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, 0, snap.ReconnectAttempts)
}

func TestManager_SuccessfulConnectResetsBackoff(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		mu.Unlock()

		// Requests 2 and 3 fail the handshake so the backoff grows.
		if n == 2 || n == 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n <= 4 {
			conn.UnderlyingConn().Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := fastConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	rec := newRecorder()
	m := NewManager(cfg, rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	waitFor(t, rec.connected)
	waitFor(t, rec.connected)
	last := waitFor(t, rec.connected)
	assert.True(t, last.Reconnected)

	got := rec.reconnects()
	require.Len(t, got, 4)
	for i, want := range []int{1, 2, 3, 1} {
		assert.Equal(t, want, got[i].Attempt, "reconnect %d", i)
		assert.Equal(t, cfg.Backoff(want), got[i].Delay, "reconnect %d", i)
	}
	assert.Greater(t, got[2].Delay, got[0].Delay)
	assert.Equal(t, cfg.InitialDelay, got[3].Delay)
}

func TestManager_CleanServerCloseDoesNotReconnect(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})

	rec := newRecorder()
	m := NewManager(fastConfig(url), rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	waitFor(t, rec.connected)

	require.Eventually(t, func() bool { return m.Snapshot().State == StateIdle }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.reconnects())

	disc := rec.disconnected()
	require.Len(t, disc, 1)
	assert.True(t, disc[0].WasClean)
	assert.Equal(t, "bye", disc[0].Reason)
}

func TestManager_DisconnectIsTerminal(t *testing.T) {
	closed := make(chan *websocket.CloseError, 1)
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			closed <- ce
		}
	})

	rec := newRecorder()
	m := NewManager(fastConfig(url), rec)
	require.NoError(t, m.Connect(t.Context()))
	waitFor(t, rec.connected)

	require.NoError(t, m.Disconnect())
	require.NoError(t, m.Disconnect())

	ce := waitFor(t, closed)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "Client disconnect", ce.Text)

	assert.ErrorIs(t, m.Send([]byte("late")), ErrClosed)
	assert.ErrorIs(t, m.Connect(t.Context()), ErrClosed)
	assert.ErrorIs(t, m.ForceReconnect(t.Context()), ErrClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.reconnects())

	disc := rec.disconnected()
	require.Len(t, disc, 1)
	assert.True(t, disc[0].Manual)
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	rec := newRecorder()
	cfg := fastConfig(unreachableURL(t))
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	m := NewManager(cfg, rec)

	require.Error(t, m.Connect(t.Context()))
	assert.Equal(t, StateReconnecting, m.Snapshot().State)

	require.NoError(t, m.Disconnect())

	m.mu.Lock()
	assert.Nil(t, m.timer)
	m.mu.Unlock()
	assert.Equal(t, StateClosed, m.Snapshot().State)
}

func TestManager_HeartbeatHealthy(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	cfg := fastConfig(url)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PongTimeout = time.Second
	m := NewManager(cfg, rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	ev := waitFor(t, rec.health)
	assert.NotEqual(t, HealthUnhealthy, ev.Health)
	assert.Positive(t, ev.Latency)
}

func TestManager_MissedPongForcesReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := 0
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		mu.Lock()
		conns++
		n := conns
		mu.Unlock()

		if n == 1 {
			conn.SetPingHandler(func(string) error { return nil })
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	cfg := fastConfig(url)
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.PongTimeout = 20 * time.Millisecond
	m := NewManager(cfg, rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	waitFor(t, rec.connected)

	ev := waitFor(t, rec.health)
	assert.Equal(t, HealthUnhealthy, ev.Health)

	again := waitFor(t, rec.connected)
	assert.True(t, again.Reconnected)
}

func TestManager_ForceReconnect(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	m := NewManager(fastConfig(url), rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	waitFor(t, rec.connected)

	require.NoError(t, m.ForceReconnect(t.Context()))
	ev := waitFor(t, rec.connected)
	assert.True(t, ev.Reconnected)
	assert.True(t, m.Snapshot().Connected)

	disc := rec.disconnected()
	require.Len(t, disc, 1)
	assert.True(t, disc[0].Manual)
}

func TestManager_ConnectTwice(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	m := NewManager(fastConfig(url), nil)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	assert.ErrorIs(t, m.Connect(t.Context()), ErrAlreadyStarted)
}

func TestManager_DeliversInboundFrames(t *testing.T) {
	_, url := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat","text":"hi"}`))
		_, _, _ = conn.ReadMessage()
	})

	rec := newRecorder()
	m := NewManager(fastConfig(url), rec)
	t.Cleanup(func() { _ = m.Disconnect() })

	require.NoError(t, m.Connect(t.Context()))
	assert.JSONEq(t, `{"type":"chat","text":"hi"}`, string(waitFor(t, rec.messages)))
}
