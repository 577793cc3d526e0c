// Package client implements the agent side of the gateway protocol.
//
// # Connection Manager
//
// A Manager owns one logical connection that lives across many physical
// WebSocket connections:
//
//	Idle -> Connecting -> Connected
//	Connected -> Reconnecting -> Connecting    (unexpected close)
//	Reconnecting -> Closed                     (attempt budget exhausted)
//	any -> Closed                              (Disconnect, terminal)
//
// Reconnect attempt n waits min(InitialDelay*Multiplier^(n-1), MaxDelay).
// A successful connect resets the attempt counter. A clean close (1000)
// from the server leaves the manager Idle instead of reconnecting.
//
// While Connected a heartbeat pings the gateway every HeartbeatInterval.
// A missing pong after PongTimeout marks the connection unhealthy and
// drops the socket, which takes the same path as a network failure.
//
// Messages sent while disconnected are queued and flushed oldest first
// as soon as the next socket opens, after the Greeting frame and before
// any message sent later. The queue is bounded by QueueCapacity; the
// Overflow policy drops either the oldest queued message or the new one.
//
// # Events
//
// Every state change is reported to an Observer:
//
//	OnConnected, OnDisconnected, OnReconnecting, OnReconnectFailed,
//	OnMessage, OnError, OnHealthUpdate, OnMessageQueued
//
// Embed NopObserver to handle only some of them.
//
// # Agents
//
// Agent wraps a Manager, sends an auth frame on every new socket using
// the most recently issued token, and records the agent ID and token from
// auth-success. Register performs the one-shot registration handshake.
//
//	a := client.NewAgent(client.AgentConfig{
//		Name:       "alice",
//		Role:       "researcher",
//		Connection: client.DefaultConfig("ws://localhost:8765/ws"),
//	}, handler, nil)
//	if err := a.Connect(ctx); err != nil { ... }
//	info, err := a.WaitAuthenticated(ctx)
package client
