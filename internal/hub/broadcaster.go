// ABOUTME: The single write path from the hub to peers: direct sends and fan-out.
// ABOUTME: Skips closed channels without retrying; the reconciler cleans them up.

package hub

import (
	"log/slog"

	"github.com/2389/relay-hub/internal/metrics"
	"github.com/2389/relay-hub/internal/protocol"
)

// Broadcaster writes frames to connections. Nothing else in the hub calls
// Peer.Send.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Relay
}

// NewBroadcaster creates a broadcaster over a registry. Pass nil logger for
// default and nil metrics to disable them.
func NewBroadcaster(registry *Registry, logger *slog.Logger, m *metrics.Relay) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		metrics:  m,
	}
}

// Send writes one frame to c. It returns false, without error, when c is nil
// or its channel is not open.
func (b *Broadcaster) Send(c *Conn, msg any) bool {
	if c == nil || !c.Open() {
		b.metrics.RoutingMiss()
		return false
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("dropping unencodable frame", "conn", c.ID, "error", err)
		return false
	}
	return b.write(c, data)
}

// ToRole sends msg to every open connection registered under role and
// returns how many received it.
func (b *Broadcaster) ToRole(role Role, msg any) int {
	return b.ToRoleWhere(role, msg, nil)
}

// ToSubscribers sends msg to every open connection of role subscribed to target.
func (b *Broadcaster) ToSubscribers(role Role, target string, msg any) int {
	return b.ToRoleWhere(role, msg, func(c *Conn) bool { return c.target == target })
}

// ToRoleWhere sends msg to the open connections of role accepted by keep.
// A nil keep accepts every connection.
func (b *Broadcaster) ToRoleWhere(role Role, msg any, keep func(*Conn) bool) int {
	var data []byte
	sent := 0
	for _, c := range b.registry.AllOf(role) {
		if keep != nil && !keep(c) {
			continue
		}
		if !c.Open() {
			continue
		}
		if data == nil {
			var err error
			if data, err = protocol.Encode(msg); err != nil {
				b.logger.Error("dropping unencodable broadcast", "role", role, "error", err)
				return 0
			}
		}
		if b.write(c, data) {
			sent++
		}
	}
	return sent
}

func (b *Broadcaster) write(c *Conn, data []byte) bool {
	if err := c.peer.Send(data); err != nil {
		b.logger.Debug("send failed", "conn", c.ID, "identity", c.identity, "error", err)
		return false
	}
	b.metrics.FrameSent()
	return true
}
