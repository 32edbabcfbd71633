// ABOUTME: Tracking relay rules: couriers publish positions, observers follow them, orders get assigned.
// ABOUTME: Runs on the hub goroutine; order state lives in the order store.

package tracking

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/2389/relay-hub/internal/hub"
	"github.com/2389/relay-hub/internal/protocol"
	"github.com/2389/relay-hub/internal/store"
)

// Registry partitions of the tracking relay.
const (
	RoleAgent    hub.Role = "agent"
	RoleObserver hub.Role = "observer"
)

// Agent availability.
const (
	StatusAvailable  = "available"
	StatusDelivering = "delivering"
)

// DefaultReconnectGrace is how long a departed agent keeps its order.
const DefaultReconnectGrace = 5 * time.Minute

const storeTimeout = 5 * time.Second

// Order rejection reasons.
const (
	ReasonNotFound        = "order not found"
	ReasonDuplicate       = "order already exists"
	ReasonAlreadyAssigned = "order already assigned"
	ReasonAgentBusy       = "agent already has an active order"
	ReasonNotPermitted    = "not permitted"
	ReasonUnknownStatus   = "unknown status"
	ReasonInvalidStatus   = "invalid status transition"
	ReasonStoreFailure    = "order store unavailable"
)

// Config holds tracking router settings.
type Config struct {
	Store store.OrderStore

	// ReconnectGrace is how long an order stays with a departed agent before
	// it is re-queued. Zero re-queues immediately.
	ReconnectGrace time.Duration

	Logger *slog.Logger
}

// agentProfile is the per-agent session data kept on the connection.
type agentProfile struct {
	Name    string
	Vehicle string
	Status  string
	Order   string
}

// free reports whether the agent can be offered an order.
func (p *agentProfile) free() bool {
	return p.Status == StatusAvailable && p.Order == ""
}

// Router implements hub.Handler for the tracking relay.
type Router struct {
	hub      *hub.Hub
	registry *hub.Registry
	out      *hub.Broadcaster
	orders   store.OrderStore
	grace    time.Duration
	logger   *slog.Logger

	// last reported position per agent; outlives the agent's connection
	positions map[string]protocol.Position

	// pending requeue timers keyed by agent id
	timers map[string]*requeueTimer
}

type requeueTimer struct {
	orderID string
	stop    func() bool
}

// NewRouter creates a tracking router over h. Install it with h.Handle.
func NewRouter(h *hub.Hub, cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectGrace < 0 {
		cfg.ReconnectGrace = 0
	}
	return &Router{
		hub:       h,
		registry:  h.Registry(),
		out:       h.Broadcaster(),
		orders:    cfg.Store,
		grace:     cfg.ReconnectGrace,
		logger:    logger.With("component", "tracking"),
		positions: make(map[string]protocol.Position),
		timers:    make(map[string]*requeueTimer),
	}
}

// Vocabulary returns the tracking message kinds.
func (r *Router) Vocabulary() protocol.Vocabulary {
	return protocol.Tracking
}

// HandleMessage applies the relay rule for one message.
func (r *Router) HandleMessage(c *hub.Conn, msg protocol.Message) {
	if c.Registered() && !r.registry.Current(c) {
		switch msg.(type) {
		case *protocol.AgentLogin, *protocol.ObserverLogin:
		default:
			r.logger.Debug("ignoring message from superseded connection",
				"conn", c.ID, "kind", msg.Kind(), "identity", c.Identity())
			return
		}
	}

	switch m := msg.(type) {
	case *protocol.AgentLogin:
		r.agentLogin(c, m)
	case *protocol.AgentPosition:
		r.agentPosition(c, m)
	case *protocol.AgentStatus:
		r.agentStatus(c, m)
	case *protocol.ObserverLogin:
		r.observerLogin(c, m)
	case *protocol.TrackAgent:
		r.trackAgent(c, m)
	case *protocol.NewOrder:
		r.newOrder(c, m)
	case *protocol.AcceptOrder:
		r.acceptOrder(c, m)
	case *protocol.OrderStatus:
		r.orderStatus(c, m)
	case *protocol.AdminGetAgents:
		r.out.Send(c, protocol.NewAgentsData(r.agentDetails()))
	}
}

// HandleDeparture announces a departed agent and starts the grace period for
// its order.
func (r *Router) HandleDeparture(c *hub.Conn) {
	if c.Role() != RoleAgent {
		r.logger.Info("observer disconnected", "observer_id", c.Identity(), "tracking", c.Target())
		return
	}
	r.agentGone(c.Identity(), profileOf(c))
}

func (r *Router) agentGone(agentID string, p *agentProfile) {
	r.logger.Info("agent disconnected", "agent_id", agentID, "name", p.Name, "order_id", p.Order)
	r.out.ToRole(RoleObserver, protocol.NewAgentDisconnected(agentID))

	if p.Order == "" {
		return
	}
	orderID := p.Order
	r.cancelRequeue(agentID)
	if r.grace == 0 {
		r.requeue(agentID, orderID)
		return
	}
	t := &requeueTimer{orderID: orderID}
	t.stop = r.hub.After(r.grace, func() {
		// A timer stopped too late may still run; only the registered one acts.
		if r.timers[agentID] != t {
			return
		}
		delete(r.timers, agentID)
		r.requeue(agentID, orderID)
	})
	r.timers[agentID] = t
	r.logger.Info("holding order for departed agent", "agent_id", agentID, "order_id", orderID, "grace", r.grace)
}

func (r *Router) cancelRequeue(agentID string) {
	if t, ok := r.timers[agentID]; ok {
		t.stop()
		delete(r.timers, agentID)
	}
}

// requeue returns an abandoned order to pending and offers it again.
func (r *Router) requeue(agentID, orderID string) {
	ctx, cancel := r.storeContext()
	defer cancel()

	order, err := r.orders.RequeueOrder(ctx, orderID, agentID)
	if err != nil {
		r.logger.Info("order not requeued", "order_id", orderID, "agent_id", agentID, "error", err)
		return
	}
	r.logger.Info("order requeued after agent departure", "order_id", orderID, "agent_id", agentID)

	if observer, ok := r.registry.Lookup(RoleObserver, order.ObserverID); ok {
		r.out.Send(observer, protocol.NewOrderStatusChanged(order.ID, string(order.Status)))
	}
	r.offer(order)
}

func (r *Router) agentLogin(c *hub.Conn, m *protocol.AgentLogin) {
	agentID := m.AgentID.String()

	if prevID, prev := r.currentAgent(c); prevID != "" && prevID != agentID {
		r.registry.Remove(RoleAgent, prevID)
		r.agentGone(prevID, prev)
	}

	r.registry.Register(RoleAgent, agentID, c)
	r.cancelRequeue(agentID)
	if pos, ok := r.positions[agentID]; ok {
		c.SetState(&pos)
	}

	p := &agentProfile{Name: m.Name, Vehicle: m.Vehicle, Status: StatusAvailable}
	c.SetProfile(p)

	ctx, cancel := r.storeContext()
	defer cancel()
	if order, err := r.orders.ActiveOrderForAgent(ctx, agentID); err == nil {
		p.Order = order.ID
		p.Status = StatusDelivering
		r.logger.Info("restored active order", "agent_id", agentID, "order_id", order.ID)
	} else if !errors.Is(err, store.ErrOrderNotFound) {
		r.logger.Error("looking up active order", "agent_id", agentID, "error", err)
	}

	r.logger.Info("agent logged in",
		"agent_id", agentID,
		"name", m.Name,
		"vehicle", m.Vehicle,
		"remote_addr", c.RemoteAddr(),
	)
	r.out.Send(c, protocol.NewLoginSuccess(agentID))

	if p.Order != "" {
		r.out.ToRole(RoleObserver, protocol.NewAgentBusy(agentID))
		return
	}
	r.out.ToRole(RoleObserver, protocol.NewAgentAvailable(agentID, p.Name, p.Vehicle))
}

func (r *Router) agentPosition(c *hub.Conn, m *protocol.AgentPosition) {
	if !r.isCurrent(c, RoleAgent) {
		r.logger.Debug("position from unregistered agent dropped", "conn", c.ID)
		return
	}
	pos := m.Position()
	c.SetState(&pos)
	r.positions[c.Identity()] = pos

	n := r.out.ToSubscribers(RoleObserver, c.Identity(), protocol.NewPositionUpdate(c.Identity(), pos))
	if p := profileOf(c); p.Order != "" {
		r.logger.Debug("delivery progress",
			"order_id", p.Order,
			"agent_id", c.Identity(),
			"latitude", pos.Latitude,
			"longitude", pos.Longitude,
			"observers", n,
		)
	}
}

func (r *Router) agentStatus(c *hub.Conn, m *protocol.AgentStatus) {
	if !r.isCurrent(c, RoleAgent) {
		r.logger.Debug("status from unregistered agent dropped", "conn", c.ID)
		return
	}
	p := profileOf(c)
	if p.Order != "" {
		// The order decides the status until it reaches a terminal state.
		r.logger.Info("status change ignored during delivery", "agent_id", c.Identity(), "status", m.Status, "order_id", p.Order)
		return
	}
	p.Status = m.Status
	r.logger.Info("agent status changed", "agent_id", c.Identity(), "status", m.Status)
	r.out.ToRole(RoleObserver, protocol.NewAgentStatusChanged(c.Identity(), m.Status))
}

func (r *Router) observerLogin(c *hub.Conn, m *protocol.ObserverLogin) {
	if prevID, prev := r.currentAgent(c); prevID != "" {
		r.registry.Remove(RoleAgent, prevID)
		r.agentGone(prevID, prev)
	}

	observerID := m.ObserverID.String()
	r.registry.Register(RoleObserver, observerID, c)
	r.logger.Info("observer logged in", "observer_id", observerID, "remote_addr", c.RemoteAddr())

	r.out.Send(c, protocol.NewAvailableAgents(r.availableAgents()))
	if m.AgentID != "" {
		r.track(c, m.AgentID.String())
	}
}

func (r *Router) trackAgent(c *hub.Conn, m *protocol.TrackAgent) {
	if !r.isCurrent(c, RoleObserver) {
		r.logger.Debug("track from unregistered observer dropped", "conn", c.ID)
		return
	}
	if m.ObserverID != "" && m.ObserverID.String() != c.Identity() {
		r.logger.Debug("track for another observer dropped", "conn", c.ID, "observer_id", m.ObserverID)
		return
	}
	r.track(c, m.AgentID.String())
}

// track subscribes c to agentID. It sends the last known position when one
// was ever reported, and agent_unavailable when the agent is not connected.
func (r *Router) track(c *hub.Conn, agentID string) {
	c.SetTarget(agentID)
	r.logger.Info("observer tracking agent", "observer_id", c.Identity(), "agent_id", agentID)

	if pos, ok := r.positions[agentID]; ok {
		r.out.Send(c, protocol.NewPositionUpdate(agentID, pos))
	}
	agent, ok := r.registry.Lookup(RoleAgent, agentID)
	if !ok || !agent.Open() {
		r.out.Send(c, protocol.NewAgentUnavailable(agentID))
	}
}

func (r *Router) newOrder(c *hub.Conn, m *protocol.NewOrder) {
	order := &store.Order{
		ID:          m.OrderID.String(),
		ObserverID:  m.ObserverID.String(),
		Origin:      m.Origin,
		Destination: m.Destination,
		Items:       m.Items,
	}

	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.orders.CreateOrder(ctx, order); err != nil {
		reason := ReasonStoreFailure
		if errors.Is(err, store.ErrDuplicateOrder) {
			reason = ReasonDuplicate
		} else {
			r.logger.Error("creating order", "order_id", order.ID, "error", err)
		}
		r.out.Send(c, protocol.NewOrderRejected(order.ID, reason))
		return
	}

	r.logger.Info("order created",
		"order_id", order.ID,
		"observer_id", order.ObserverID,
		"origin", order.Origin,
		"destination", order.Destination,
	)
	r.offer(order)
}

// offer announces a pending order to every agent free to take it.
func (r *Router) offer(order *store.Order) {
	n := r.out.ToRoleWhere(RoleAgent,
		protocol.NewOrderOffer(order.ID, order.Origin, order.Destination, order.Items),
		func(a *hub.Conn) bool {
			return profileOf(a).free()
		})
	r.logger.Debug("order offered", "order_id", order.ID, "agents", n)
}

func (r *Router) acceptOrder(c *hub.Conn, m *protocol.AcceptOrder) {
	orderID := m.OrderID.String()
	if !r.isCurrent(c, RoleAgent) {
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonNotPermitted))
		return
	}
	agentID := c.Identity()
	p := profileOf(c)
	if p.Order != "" {
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonAgentBusy))
		return
	}

	ctx, cancel := r.storeContext()
	defer cancel()
	order, err := r.orders.AssignOrder(ctx, orderID, agentID)
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonNotFound))
		return
	case errors.Is(err, store.ErrAlreadyAssigned):
		r.logger.Info("order accept rejected", "order_id", orderID, "agent_id", agentID)
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonAlreadyAssigned))
		return
	case err != nil:
		r.logger.Error("assigning order", "order_id", orderID, "agent_id", agentID, "error", err)
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonStoreFailure))
		return
	}

	p.Order = order.ID
	p.Status = StatusDelivering
	r.logger.Info("order accepted", "order_id", order.ID, "agent_id", agentID)

	if observer, ok := r.registry.Lookup(RoleObserver, order.ObserverID); ok {
		r.out.Send(observer, protocol.NewOrderAccepted(order.ID, agentID, p.Name, positionOf(c)))
	}
	r.out.Send(c, protocol.NewOrderConfirmed(orderDetail(order)))
	r.out.ToRole(RoleObserver, protocol.NewAgentBusy(agentID))
}

func (r *Router) orderStatus(c *hub.Conn, m *protocol.OrderStatus) {
	orderID := m.OrderID.String()
	status, err := store.ParseStatus(m.Status)
	if err != nil {
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonUnknownStatus))
		return
	}

	ctx, cancel := r.storeContext()
	defer cancel()
	current, err := r.orders.GetOrder(ctx, orderID)
	if err != nil {
		reason := ReasonStoreFailure
		if errors.Is(err, store.ErrOrderNotFound) {
			reason = ReasonNotFound
		}
		r.out.Send(c, protocol.NewOrderRejected(orderID, reason))
		return
	}

	byAgent := current.AgentID != "" && r.isCurrent(c, RoleAgent) && c.Identity() == current.AgentID
	byObserver := r.isCurrent(c, RoleObserver) && c.Identity() == current.ObserverID
	// Observers may only cancel their own orders.
	if !byAgent && (!byObserver || status != store.StatusCancelled) {
		r.out.Send(c, protocol.NewOrderRejected(orderID, ReasonNotPermitted))
		return
	}

	order, err := r.orders.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		reason := ReasonStoreFailure
		if errors.Is(err, store.ErrInvalidTransition) {
			reason = ReasonInvalidStatus
		}
		r.logger.Info("order status rejected", "order_id", orderID, "status", status, "error", err)
		r.out.Send(c, protocol.NewOrderRejected(orderID, reason))
		return
	}
	r.logger.Info("order status changed", "order_id", orderID, "status", order.Status)

	notice := protocol.NewOrderStatusChanged(order.ID, string(order.Status))
	if observer, ok := r.registry.Lookup(RoleObserver, order.ObserverID); ok {
		r.out.Send(observer, notice)
	}

	agent, ok := r.registry.Lookup(RoleAgent, order.AgentID)
	if order.AgentID == "" || !ok {
		return
	}
	if !byAgent {
		r.out.Send(agent, notice)
	}
	if order.Status.Terminal() {
		p := profileOf(agent)
		if p.Order == order.ID {
			p.Order = ""
			p.Status = StatusAvailable
			r.out.ToRole(RoleObserver, protocol.NewAgentAvailable(agent.Identity(), p.Name, p.Vehicle))
		}
	}
}

func (r *Router) availableAgents() []protocol.AgentSummary {
	var agents []protocol.AgentSummary
	for _, a := range r.registry.AllOf(RoleAgent) {
		p := profileOf(a)
		if !p.free() {
			continue
		}
		agents = append(agents, protocol.AgentSummary{
			AgentID:  a.Identity(),
			Name:     p.Name,
			Vehicle:  p.Vehicle,
			Position: positionOf(a),
		})
	}
	return agents
}

func (r *Router) agentDetails() []protocol.AgentDetail {
	var agents []protocol.AgentDetail
	for _, a := range r.registry.AllOf(RoleAgent) {
		p := profileOf(a)
		agents = append(agents, protocol.AgentDetail{
			AgentID:      a.Identity(),
			Name:         p.Name,
			Vehicle:      p.Vehicle,
			RemoteAddr:   hostOf(a.RemoteAddr()),
			Status:       p.Status,
			Position:     positionOf(a),
			CurrentOrder: p.Order,
		})
	}
	return agents
}

func (r *Router) isCurrent(c *hub.Conn, role hub.Role) bool {
	return c.Role() == role && r.registry.Current(c)
}

// currentAgent returns the agent identity c holds, if any.
func (r *Router) currentAgent(c *hub.Conn) (string, *agentProfile) {
	if !r.isCurrent(c, RoleAgent) {
		return "", nil
	}
	return c.Identity(), profileOf(c)
}

func (r *Router) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), storeTimeout)
}

func profileOf(c *hub.Conn) *agentProfile {
	if p, ok := c.Profile().(*agentProfile); ok {
		return p
	}
	p := &agentProfile{Status: StatusAvailable}
	c.SetProfile(p)
	return p
}

func positionOf(c *hub.Conn) *protocol.Position {
	pos, _ := c.State().(*protocol.Position)
	return pos
}

func orderDetail(o *store.Order) protocol.OrderDetail {
	return protocol.OrderDetail{
		OrderID:     o.ID,
		ObserverID:  o.ObserverID,
		Origin:      o.Origin,
		Destination: o.Destination,
		Items:       o.Items,
		Status:      string(o.Status),
		AgentID:     o.AgentID,
		CreatedAt:   o.CreatedAt.UTC().Format(protocol.TimestampLayout),
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
