// ABOUTME: Liveness monitor: ping every connection per tick, terminate the silent ones.
// ABOUTME: A connection that missed the previous tick's probe is dropped at the next tick.

package hub

import (
	"log/slog"
)

// Monitor tracks the answered-since-last-tick flag of each connection.
//
//	ALIVE --tick--> PENDING_PONG --pong--> ALIVE
//	                PENDING_PONG --tick--> TERMINATED
type Monitor struct {
	logger *slog.Logger
}

// NewMonitor creates a monitor. Pass nil logger for default.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger}
}

// Tick probes every connection and returns the ones it terminated because
// they did not answer the previous probe or were already closed.
func (m *Monitor) Tick(conns []*Conn) []*Conn {
	var dead []*Conn
	for _, c := range conns {
		if !c.alive || !c.Open() {
			m.logger.Info("terminating unresponsive connection",
				"conn", c.ID,
				"role", c.role,
				"identity", c.identity,
				"remote_addr", c.RemoteAddr(),
			)
			if err := c.peer.Terminate(); err != nil {
				m.logger.Debug("terminate failed", "conn", c.ID, "error", err)
			}
			dead = append(dead, c)
			continue
		}
		c.alive = false
		if err := c.peer.Ping(); err != nil {
			m.logger.Debug("ping failed", "conn", c.ID, "error", err)
		}
	}
	return dead
}

// Pong marks c as having answered.
func (m *Monitor) Pong(c *Conn) {
	c.alive = true
}
