// ABOUTME: Reconciler: removes closed channels from the registry and runs departure rules.
// ABOUTME: Reached from transport close, liveness termination and the periodic sweep.

package hub

const (
	reasonClosed   = "closed"
	reasonError    = "error"
	reasonLiveness = "liveness"
	reasonSweep    = "sweep"
	reasonShutdown = "shutdown"
)

// detach is idempotent: a connection is reconciled at most once no matter how
// many paths observe its closure.
func (h *Hub) detach(c *Conn, reason string, cause error) {
	if c.closed {
		return
	}
	c.closed = true
	if _, tracked := h.conns[c]; tracked {
		delete(h.conns, c)
		h.metrics.ConnectionClosed(reason)
	}

	attrs := []any{
		"conn", c.ID,
		"reason", reason,
		"role", c.role,
		"identity", c.identity,
		"remaining_connections", len(h.conns),
	}
	if cause != nil {
		attrs = append(attrs, "error", cause)
	}
	h.logger.Info("connection closed", attrs...)

	// A superseded connection leaves its replacement's entry and its
	// subscribers untouched.
	if !h.registry.RemoveConn(c) {
		return
	}
	h.handler.HandleDeparture(c)
	h.publishRegistryGauges()
}

// sweep reconciles registry entries whose channel is no longer open. It
// catches closures the transport never reported.
func (h *Hub) sweep() {
	var stale []*Conn
	for _, role := range h.registry.Roles() {
		for _, c := range h.registry.AllOf(role) {
			if !c.Open() {
				stale = append(stale, c)
			}
		}
	}
	if len(stale) == 0 {
		return
	}
	h.logger.Info("sweeping stale registry entries", "count", len(stale))
	for _, c := range stale {
		if c.closed {
			// Closed but still registered; run the departure it missed.
			if h.registry.RemoveConn(c) {
				h.handler.HandleDeparture(c)
			}
			continue
		}
		h.detach(c, reasonSweep, nil)
	}
	h.publishRegistryGauges()
}
