// ABOUTME: Signaling relay rules: pairs streamers with viewers and relays WebRTC negotiation.
// ABOUTME: Runs on the hub goroutine as the hub's Handler.

package signaling

import (
	"log/slog"
	"net"

	"github.com/2389/relay-hub/internal/hub"
	"github.com/2389/relay-hub/internal/protocol"
)

// Registry partitions of the signaling relay.
const (
	RoleStreamer hub.Role = "streamer"
	RoleViewer   hub.Role = "viewer"
)

// Router implements hub.Handler and hub.Greeter for the signaling relay.
type Router struct {
	registry *hub.Registry
	out      *hub.Broadcaster
	logger   *slog.Logger
}

// NewRouter creates a signaling router over h. Install it with h.Handle.
func NewRouter(h *hub.Hub, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: h.Registry(),
		out:      h.Broadcaster(),
		logger:   logger.With("component", "signaling"),
	}
}

// Vocabulary returns the signaling message kinds.
func (r *Router) Vocabulary() protocol.Vocabulary {
	return protocol.Signaling
}

// HandleConnect sends the streamer list to a freshly attached connection.
func (r *Router) HandleConnect(c *hub.Conn) {
	r.out.Send(c, protocol.NewActiveStreamers(r.registry.Identities(RoleStreamer)))
}

// HandleMessage applies the relay rule for one message.
func (r *Router) HandleMessage(c *hub.Conn, msg protocol.Message) {
	// A superseded connection is unroutable; only registration can revive it.
	if c.Registered() && !r.registry.Current(c) {
		switch msg.(type) {
		case *protocol.StreamerRegister, *protocol.ViewerRegister:
		default:
			r.logger.Debug("ignoring message from superseded connection",
				"conn", c.ID, "kind", msg.Kind(), "identity", c.Identity())
			return
		}
	}

	switch m := msg.(type) {
	case *protocol.StreamerRegister:
		r.registerStreamer(c, m)
	case *protocol.ViewerRegister:
		r.registerViewer(c, m)
	case *protocol.Watch:
		r.watch(c, m.AdminID.String())
	case *protocol.Offer:
		r.relayOffer(c, m)
	case *protocol.Answer:
		r.relayAnswer(c, m)
	case *protocol.Candidate:
		r.relayCandidate(c, m)
	case *protocol.GetActiveStreamers:
		r.out.Send(c, protocol.NewActiveStreamers(r.registry.Identities(RoleStreamer)))
	}
}

// HandleDeparture tells viewers that a streamer went away. Viewer departures
// need no announcement.
func (r *Router) HandleDeparture(c *hub.Conn) {
	if c.Role() != RoleStreamer {
		r.logger.Info("viewer disconnected", "viewer_id", c.Identity(), "watching", c.Target())
		return
	}
	r.streamerGone(c.Identity())
}

func (r *Router) streamerGone(adminID string) {
	notified := r.out.ToSubscribers(RoleViewer, adminID, protocol.NewStreamerDisconnected(adminID))
	r.logger.Info("streamer disconnected", "admin_id", adminID, "viewers_notified", notified)
	r.broadcastActiveStreamers()
}

// previousStreamer returns the streamer identity c holds before it
// re-registers, or "" when it holds none.
func (r *Router) previousStreamer(c *hub.Conn) string {
	if r.isCurrent(c, RoleStreamer) {
		return c.Identity()
	}
	return ""
}

func (r *Router) registerStreamer(c *hub.Conn, m *protocol.StreamerRegister) {
	adminID := m.AdminID.String()
	previous := r.previousStreamer(c)
	r.registry.Register(RoleStreamer, adminID, c)
	r.logger.Info("streamer registered", "admin_id", adminID, "remote_addr", c.RemoteAddr())

	r.out.Send(c, protocol.NewRegistered(string(RoleStreamer), adminID))
	if previous != "" && previous != adminID {
		r.streamerGone(previous)
	}

	// Viewers that subscribed while the streamer was away can negotiate now.
	for _, v := range r.registry.AllOf(RoleViewer) {
		if v.Target() == adminID && v.Open() {
			r.out.Send(c, protocol.NewNewViewer(v.Identity(), hostOf(v.RemoteAddr())))
		}
	}
	r.broadcastActiveStreamers()
}

func (r *Router) registerViewer(c *hub.Conn, m *protocol.ViewerRegister) {
	viewerID := m.ViewerID.String()
	previous := r.previousStreamer(c)
	r.registry.Register(RoleViewer, viewerID, c)
	r.logger.Info("viewer registered", "viewer_id", viewerID, "remote_addr", c.RemoteAddr())

	r.out.Send(c, protocol.NewRegistered(string(RoleViewer), viewerID))
	if previous != "" {
		// The departure broadcast already carries the list to c.
		r.streamerGone(previous)
	} else {
		r.out.Send(c, protocol.NewActiveStreamers(r.registry.Identities(RoleStreamer)))
	}

	if m.AdminID != "" {
		r.watch(c, m.AdminID.String())
	}
}

func (r *Router) watch(c *hub.Conn, adminID string) {
	if c.Role() != RoleViewer || !r.registry.Current(c) {
		r.logger.Debug("watch from unregistered viewer", "conn", c.ID, "admin_id", adminID)
		return
	}
	c.SetTarget(adminID)

	streamer, ok := r.registry.Lookup(RoleStreamer, adminID)
	if !ok || !streamer.Open() {
		r.logger.Info("requested streamer unavailable", "viewer_id", c.Identity(), "admin_id", adminID)
		r.out.Send(c, protocol.NewStreamerUnavailable(adminID))
		return
	}

	r.logger.Info("viewer watching streamer", "viewer_id", c.Identity(), "admin_id", adminID)
	r.out.Send(streamer, protocol.NewNewViewer(c.Identity(), hostOf(c.RemoteAddr())))
}

// relayOffer forwards a streamer's offer to one of its viewers.
func (r *Router) relayOffer(c *hub.Conn, m *protocol.Offer) {
	if !r.isCurrent(c, RoleStreamer) {
		r.logger.Debug("offer from non-streamer dropped", "conn", c.ID)
		return
	}
	viewer := r.viewerOf(c.Identity(), m.ViewerID.String())
	if viewer == nil {
		r.logger.Debug("offer target not found", "admin_id", c.Identity(), "viewer_id", m.ViewerID)
		return
	}
	r.out.Send(viewer, protocol.NewRelayedOffer(m, c.Identity()))
}

// relayAnswer forwards a viewer's answer to the streamer it watches.
func (r *Router) relayAnswer(c *hub.Conn, m *protocol.Answer) {
	if !r.isCurrent(c, RoleViewer) || m.ViewerID.String() != c.Identity() {
		r.logger.Debug("answer from mismatched viewer dropped", "conn", c.ID, "viewer_id", m.ViewerID)
		return
	}
	streamer := r.streamerOf(c)
	if streamer == nil {
		r.logger.Debug("answer target not found", "viewer_id", c.Identity(), "admin_id", c.Target())
		return
	}
	r.out.Send(streamer, protocol.NewRelayedAnswer(m, c.Target()))
}

// relayCandidate forwards an ICE candidate in the direction named by target.
func (r *Router) relayCandidate(c *hub.Conn, m *protocol.Candidate) {
	switch m.Target {
	case protocol.TargetViewer:
		if !r.isCurrent(c, RoleStreamer) {
			r.logger.Debug("viewer candidate from non-streamer dropped", "conn", c.ID)
			return
		}
		viewer := r.viewerOf(c.Identity(), m.ViewerID.String())
		if viewer == nil {
			r.logger.Debug("candidate target not found", "admin_id", c.Identity(), "viewer_id", m.ViewerID)
			return
		}
		r.out.Send(viewer, protocol.NewRelayedCandidate(m, c.Identity()))

	case protocol.TargetStreamer:
		if !r.isCurrent(c, RoleViewer) || m.ViewerID.String() != c.Identity() {
			r.logger.Debug("streamer candidate from mismatched viewer dropped", "conn", c.ID, "viewer_id", m.ViewerID)
			return
		}
		streamer := r.streamerOf(c)
		if streamer == nil {
			r.logger.Debug("candidate target not found", "viewer_id", c.Identity(), "admin_id", c.Target())
			return
		}
		r.out.Send(streamer, protocol.NewRelayedCandidate(m, c.Target()))
	}
}

func (r *Router) isCurrent(c *hub.Conn, role hub.Role) bool {
	return c.Role() == role && r.registry.Current(c)
}

// viewerOf returns viewerID when it is watching adminID.
func (r *Router) viewerOf(adminID, viewerID string) *hub.Conn {
	v, ok := r.registry.Lookup(RoleViewer, viewerID)
	if !ok || v.Target() != adminID {
		return nil
	}
	return v
}

// streamerOf returns the streamer a viewer is watching.
func (r *Router) streamerOf(viewer *hub.Conn) *hub.Conn {
	if viewer.Target() == "" {
		return nil
	}
	s, ok := r.registry.Lookup(RoleStreamer, viewer.Target())
	if !ok {
		return nil
	}
	return s
}

func (r *Router) broadcastActiveStreamers() {
	ids := r.registry.Identities(RoleStreamer)
	n := r.out.ToRole(RoleViewer, protocol.NewActiveStreamers(ids))
	r.logger.Debug("active streamers broadcast", "streamers", ids, "viewers", n)
}

// hostOf strips the port from a remote address.
func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
