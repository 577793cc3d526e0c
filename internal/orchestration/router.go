// ABOUTME: Extension point for message types the dispatcher has no handler for
// ABOUTME: The default Relay re-broadcasts the raw payload tagged with its sender

package orchestration

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/harmony-gateway/internal/protocol"
)

// Origin identifies who sent a routed message.
type Origin struct {
	SessionID string
	AgentID   string
}

// Router handles message types without a dedicated handler.
type Router interface {
	Route(ctx context.Context, from Origin, msg *protocol.Generic) error
}

// Broadcaster fans a frame out to every session except exclude.
type Broadcaster interface {
	Broadcast(data []byte, exclude string) int
}

// Relay forwards unknown messages to all peers.
type Relay struct {
	peers Broadcaster
}

var _ Router = (*Relay)(nil)

// NewRelay creates a Relay over peers.
func NewRelay(peers Broadcaster) *Relay {
	return &Relay{peers: peers}
}

// Route re-broadcasts msg with sessionId and agentId set, excluding the sender.
// Gateway-only types are refused.
func (r *Relay) Route(_ context.Context, from Origin, msg *protocol.Generic) error {
	if protocol.IsServerType(msg.Type) {
		return fmt.Errorf("relay %s: %w", msg.Type, protocol.ErrReservedType)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(msg.Raw, &fields); err != nil {
		return fmt.Errorf("relay %s: %w", msg.Type, err)
	}

	var err error
	if fields["sessionId"], err = json.Marshal(from.SessionID); err != nil {
		return err
	}
	if fields["agentId"], err = json.Marshal(from.AgentID); err != nil {
		return err
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("relay %s: %w", msg.Type, err)
	}
	r.peers.Broadcast(data, from.SessionID)
	return nil
}
