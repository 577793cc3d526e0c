// ABOUTME: WebSocket connection with read/write pumps, keepalive and per-connection rate limit
// ABOUTME: Implements session.Transport so the registry can deliver and close without blocking

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/harmony-gateway/internal/session"
	"github.com/2389/harmony-gateway/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the peer to answer a close frame.
	closeGrace = time.Second
)

type closeRequest struct {
	code   int
	reason string
}

// conn is one agent WebSocket connection.
type conn struct {
	gw      *Gateway
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	remote  string
	logger  *slog.Logger

	closeOnce sync.Once
	closeCh   chan struct{}
	closeReq  closeRequest
	done      chan struct{}

	mu        sync.Mutex
	sess      *session.Session
	endReason string
}

var _ session.Transport = (*conn)(nil)

func newConn(g *Gateway, ws *websocket.Conn, remote string) *conn {
	c := &conn{
		gw:        g,
		ws:        ws,
		send:      make(chan []byte, g.config.Server.SendBuffer),
		remote:    remote,
		logger:    g.logger.With("remote", remote),
		closeCh:   make(chan struct{}),
		done:      make(chan struct{}),
		endReason: store.EndDisconnect,
	}
	if limits := g.config.Limits; limits.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(limits.MessagesPerSecond), limits.Burst)
	}
	return c
}

// handleWebSocket upgrades the request and starts the connection pumps.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(g, ws, r.RemoteAddr)
	if !g.track(c) {
		_ = ws.Close()
		return
	}
	c.logger.Debug("connection opened")

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) track(c *conn) bool {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.closing.Load() {
		return false
	}
	g.conns[c] = struct{}{}
	g.connWG.Add(1)
	return true
}

func (g *Gateway) untrack(c *conn) {
	g.connMu.Lock()
	delete(g.conns, c)
	g.connMu.Unlock()
	g.connWG.Done()
}

// Send queues data without blocking. It returns false once the connection is
// closing or when the outbound buffer is full.
func (c *conn) Send(data []byte) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close flushes queued frames, sends a close frame and tears the connection down.
func (c *conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		switch code {
		case session.CloseSuperseded:
			c.endReason = store.EndSuperseded
		case session.CloseInactive:
			c.endReason = store.EndInactive
		case session.CloseGoingAway:
			c.endReason = store.EndShutdown
		}
		c.mu.Unlock()

		c.closeReq = closeRequest{code: code, reason: reason}
		close(c.closeCh)
	})
}

func (c *conn) closing() bool {
	select {
	case <-c.closeCh:
		return true
	default:
		return false
	}
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *conn) touch() {
	if s := c.session(); s != nil {
		c.gw.identities.Touch(s.AgentID)
	}
}

// readPump reads frames until the connection fails, then runs disconnect
// cleanup. Frames are handled one at a time in arrival order.
func (c *conn) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		close(c.done)
		c.gw.disconnect(c)
		_ = c.ws.Close()
		c.gw.untrack(c)
	}()

	c.ws.SetReadLimit(c.gw.config.Server.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.ws.SetPingHandler(func(appData string) error {
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.closing() {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		if c.closing() {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(ctx, data)
	}
}

// writePump owns all data writes to the socket. It never touches read state.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "error", err)
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-c.closeCh:
			c.flush()
			msg := websocket.FormatCloseMessage(c.closeReq.code, c.closeReq.reason)
			if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				_ = c.ws.Close()
				return
			}
			// readPump owns the read deadline. Close is safe from this goroutine
			// and unblocks a peer that never echoes the close frame.
			grace := time.NewTimer(closeGrace)
			defer grace.Stop()
			select {
			case <-c.done:
			case <-grace.C:
				c.logger.Debug("close not acknowledged", "code", c.closeReq.code)
				_ = c.ws.Close()
			}
			return
		case <-c.done:
			return
		}
	}
}

// flush writes frames queued before Close was called.
func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}
