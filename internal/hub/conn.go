// ABOUTME: Connection envelope: one transport channel plus its session attributes.
// ABOUTME: Fields are owned by the hub goroutine; the envelope itself holds no logic.

package hub

import (
	"github.com/google/uuid"
)

// Role partitions the registry (streamer/viewer, agent/observer).
type Role string

// Peer is the transport seam. Implementations must make Send non-blocking:
// it queues the frame on the channel's own outbound buffer and returns.
type Peer interface {
	Send(data []byte) error
	Open() bool
	Ping() error
	Terminate() error
	RemoteAddr() string
}

// Conn wraps one peer with the attributes derived from its messages.
// A Conn is not safe for concurrent use; only the hub goroutine touches it.
type Conn struct {
	// ID is a per-channel session id used in logs.
	ID string

	peer Peer

	role     Role
	identity string
	target   string
	alive    bool
	closed   bool
	state    any
	profile  any
}

// NewConn wraps a freshly accepted peer. It starts alive and unregistered.
func NewConn(peer Peer) *Conn {
	return &Conn{
		ID:    uuid.New().String(),
		peer:  peer,
		alive: true,
	}
}

// Role returns the registered role, or "" before registration.
func (c *Conn) Role() Role { return c.role }

// Identity returns the registered identity, or "" before registration.
func (c *Conn) Identity() string { return c.identity }

// Registered reports whether the connection ever registered.
func (c *Conn) Registered() bool { return c.identity != "" }

// Target returns the identity this connection is subscribed to.
func (c *Conn) Target() string { return c.target }

// SetTarget changes the subscription. An empty target unsubscribes.
func (c *Conn) SetTarget(identity string) { c.target = identity }

// State returns the last known state reported by a producer.
func (c *Conn) State() any { return c.state }

// SetState records a producer's last known state.
func (c *Conn) SetState(v any) { c.state = v }

// Profile returns role-specific details attached by a router.
func (c *Conn) Profile() any { return c.profile }

// SetProfile attaches role-specific details.
func (c *Conn) SetProfile(v any) { c.profile = v }

// RemoteAddr is the peer's network address.
func (c *Conn) RemoteAddr() string { return c.peer.RemoteAddr() }

// Open reports whether the underlying channel still accepts frames.
func (c *Conn) Open() bool { return !c.closed && c.peer.Open() }

// Alive reports whether the peer answered the last liveness probe.
func (c *Conn) Alive() bool { return c.alive }
