// ABOUTME: Transport error type with human-readable cause and remedy
// ABOUTME: Describe classifies dial and read failures for display in the agent CLI

package client

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrClosed is returned after Disconnect.
	ErrClosed = errors.New("client: connection closed")
	// ErrAlreadyStarted is returned by Connect when the manager is already running.
	ErrAlreadyStarted = errors.New("client: already connecting or connected")
	// ErrInterrupted is returned when a connect attempt is abandoned by Disconnect or ForceReconnect.
	ErrInterrupted = errors.New("client: connection attempt interrupted")
	// ErrQueueFull is returned by Send when the queue is full under DropNewest.
	ErrQueueFull = errors.New("client: outbound queue full")
)

// TransportError is a socket failure. It never stops the manager; the
// reconnection policy decides what happens next.
type TransportError struct {
	Err     error
	Message string
	Remedy  string
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Describe wraps err with a cause and a suggested remedy.
func Describe(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}

	out := &TransportError{Err: err}

	var dnsErr *net.DNSError
	var netErr net.Error
	var closeErr *websocket.CloseError

	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		out.Message = "Cannot connect to server"
		out.Remedy = "Start the server and try again"
	case errors.As(err, &dnsErr):
		out.Message = "Server address not found"
		out.Remedy = "Check your server URL or network connection"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		out.Message = "Server is not responding"
		out.Remedy = "The server might be overloaded or down"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF):
		out.Message = "Connection was reset"
		out.Remedy = "The server closed the connection unexpectedly; it will be retried"
	case errors.As(err, &closeErr) && closeErr.Code == websocket.CloseAbnormalClosure:
		out.Message = "Connection was reset"
		out.Remedy = "The server closed the connection unexpectedly; it will be retried"
	case errors.Is(err, websocket.ErrBadHandshake):
		out.Message = "Server rejected the connection"
		out.Remedy = "Check that the URL points at the gateway WebSocket path"
	case errors.As(err, &closeErr):
		out.Message = "Server closed the connection"
		out.Remedy = "It will be retried"
	default:
		out.Message = "Connection error"
		out.Remedy = "Check your network connection"
	}
	return out
}

// closeInfo extracts the close code and reason from a read error. Anything
// other than a close frame counts as an abnormal closure.
func closeInfo(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, ""
}
