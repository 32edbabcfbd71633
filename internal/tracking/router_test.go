// ABOUTME: Tests for the tracking relay rules driven through a running hub and an in-memory store.
// ABOUTME: Covers position fan-out, subscriptions, order assignment and agent departure.

package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-hub/internal/hub"
	"github.com/2389/relay-hub/internal/hub/hubtest"
	"github.com/2389/relay-hub/internal/store"
)

type relay struct {
	t      *testing.T
	hub    *hub.Hub
	orders *store.SQLiteStore
	ctx    context.Context
}

type relayOptions struct {
	grace     time.Duration
	heartbeat time.Duration
}

func startRelay(t *testing.T, opts relayOptions) *relay {
	t.Helper()
	if opts.heartbeat == 0 {
		opts.heartbeat = time.Hour
	}
	if opts.grace == 0 {
		opts.grace = time.Hour
	}

	orders, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { orders.Close() })

	h := hub.New(hub.Config{
		Name:              "tracking",
		HeartbeatInterval: opts.heartbeat,
		CleanupInterval:   time.Hour,
	})
	h.Handle(NewRouter(h, Config{Store: orders, ReconnectGrace: opts.grace}))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &relay{t: t, hub: h, orders: orders, ctx: ctx}
}

func (r *relay) settle() {
	r.t.Helper()
	require.NoError(r.t, r.hub.Do(r.ctx, func() {}))
}

func (r *relay) connect(addr string) (*hub.Conn, *hubtest.Peer) {
	r.t.Helper()
	p := hubtest.NewPeer(addr)
	c := hub.NewConn(p)
	r.hub.Attach(c)
	r.settle()
	return c, p
}

func (r *relay) send(c *hub.Conn, frame string) {
	r.t.Helper()
	r.hub.Deliver(c, []byte(frame))
	r.settle()
}

func (r *relay) disconnect(c *hub.Conn, p *hubtest.Peer) {
	r.t.Helper()
	p.Close()
	r.hub.Detach(c, nil)
	r.settle()
}

func (r *relay) agent(id, name string) (*hub.Conn, *hubtest.Peer) {
	r.t.Helper()
	c, p := r.connect("10.1.0." + id + ":7000")
	r.send(c, `{"type":"agent_login","agentId":"`+id+`","name":"`+name+`","vehicle":"bike"}`)
	p.Reset()
	return c, p
}

func (r *relay) observer(id, tracking string) (*hub.Conn, *hubtest.Peer) {
	r.t.Helper()
	c, p := r.connect("10.2.0." + id + ":7000")
	frame := `{"type":"observer_login","observerId":"` + id + `"`
	if tracking != "" {
		frame += `,"agentId":"` + tracking + `"`
	}
	r.send(c, frame+`}`)
	p.Reset()
	return c, p
}

func TestPositionReachesOnlySubscribers(t *testing.T) {
	r := startRelay(t, relayOptions{})
	p1, _ := r.agent("P1", "Ada")
	c1, c1p := r.observer("C1", "")
	_, c2p := r.observer("C2", "")

	r.send(c1, `{"type":"track_agent","observerId":"C1","agentId":"P1"}`)
	r.send(p1, `{"type":"agent_position","latitude":10,"longitude":20}`)

	require.Equal(t, []string{"agent_position"}, c1p.Kinds())
	pos := c1p.Messages()[0]
	assert.Equal(t, "P1", pos["agentId"])
	assert.Equal(t, float64(10), pos["latitude"])
	assert.Equal(t, float64(20), pos["longitude"])
	assert.NotEmpty(t, pos["timestamp"], "missing timestamps are stamped")
	assert.Empty(t, c2p.Frames())
}

func TestPositionFanOutByTarget(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, _ := r.agent("A", "Ada")
	b, _ := r.agent("B", "Bo")
	_, o1 := r.observer("O1", "A")
	_, o2 := r.observer("O2", "B")

	r.send(a, `{"type":"agent_position","latitude":1,"longitude":2}`)

	assert.Equal(t, []string{"agent_position"}, o1.Kinds())
	assert.Empty(t, o2.Frames())

	r.send(b, `{"type":"agent_position","latitude":3,"longitude":4}`)
	assert.Len(t, o1.Frames(), 1)
	assert.Equal(t, []string{"agent_position"}, o2.Kinds())
}

func TestSubscribeYieldsLastKnownPosition(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, ap := r.agent("A", "Ada")
	r.send(a, `{"type":"agent_position","latitude":48.85,"longitude":2.35,"timestamp":"2026-10-15T10:00:00Z"}`)

	o, op := r.observer("O1", "")
	r.send(o, `{"type":"track_agent","observerId":"O1","agentId":"A"}`)

	require.Equal(t, []string{"agent_position"}, op.Kinds())
	snap := op.Messages()[0]
	assert.Equal(t, 48.85, snap["latitude"])
	assert.Equal(t, "2026-10-15T10:00:00Z", snap["timestamp"])

	// The record outlives the connection; the observer also learns it is gone.
	r.disconnect(a, ap)
	late, lp := r.observer("O2", "")
	r.send(late, `{"type":"track_agent","agentId":"A"}`)
	assert.Equal(t, []string{"agent_position", "agent_unavailable"}, lp.Kinds())
}

func TestSubscribeToUnknownAgentIsExplicit(t *testing.T) {
	r := startRelay(t, relayOptions{})
	o, op := r.observer("O1", "")

	r.send(o, `{"type":"track_agent","agentId":"ghost"}`)

	require.Equal(t, []string{"agent_unavailable"}, op.Kinds())
	assert.Equal(t, "ghost", op.Messages()[0]["agentId"])
}

func TestObserverLoginSnapshot(t *testing.T) {
	r := startRelay(t, relayOptions{})
	_, _ = r.agent("A", "Ada")
	_, _ = r.agent("B", "Bo")

	c, p := r.connect("10.2.0.9:7000")
	r.send(c, `{"type":"observer_login","observerId":"O1"}`)

	snap := p.Last("available_agents")
	require.NotNil(t, snap)
	agents := snap["agents"].([]any)
	require.Len(t, agents, 2)
	assert.Equal(t, "A", agents[0].(map[string]any)["agentId"])
	assert.Equal(t, "Ada", agents[0].(map[string]any)["name"])
}

func TestAgentLoginAnnouncesAvailability(t *testing.T) {
	r := startRelay(t, relayOptions{})
	_, op := r.observer("O1", "")

	c, p := r.connect("10.1.0.1:7000")
	r.send(c, `{"type":"agent_login","agentId":"A","name":"Ada","vehicle":"van"}`)

	assert.Equal(t, "A", p.Last("login_success")["agentId"])
	avail := op.Last("agent_available")
	require.NotNil(t, avail)
	assert.Equal(t, "Ada", avail["name"])
	assert.Equal(t, "van", avail["vehicle"])
}

func TestAgentStatusBroadcast(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, _ := r.agent("A", "Ada")
	_, op := r.observer("O1", "")

	r.send(a, `{"type":"agent_status","status":"on_break"}`)

	st := op.Last("agent_status")
	require.NotNil(t, st)
	assert.Equal(t, "A", st["agentId"])
	assert.Equal(t, "on_break", st["status"])
}

func TestOrderAssignmentSingleWinner(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a1, a1p := r.agent("A1", "Ada")
	a2, a2p := r.agent("A2", "Bo")
	o, op := r.observer("C1", "")

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1","origin":"Bakery","destination":"Dock 4","items":["bread"]}`)

	offer := a1p.Last("new_order")
	require.NotNil(t, offer)
	assert.Equal(t, "ORD1", offer["orderId"])
	assert.Equal(t, "Bakery", offer["origin"])
	assert.Equal(t, []any{"bread"}, offer["items"])
	assert.NotNil(t, a2p.Last("new_order"))

	r.send(a1, `{"type":"accept_order","orderId":"ORD1"}`)
	r.send(a2, `{"type":"accept_order","orderId":"ORD1"}`)

	accepted := op.Last("order_accepted")
	require.NotNil(t, accepted)
	assert.Equal(t, "A1", accepted["agentId"])
	assert.Equal(t, "Ada", accepted["agentName"])

	confirmed := a1p.Last("order_confirmed")
	require.NotNil(t, confirmed)
	assert.Equal(t, "assigned", confirmed["order"].(map[string]any)["status"])

	busy := op.Last("agent_busy")
	require.NotNil(t, busy)
	assert.Equal(t, "A1", busy["agentId"])

	rejected := a2p.Last("order_rejected")
	require.NotNil(t, rejected)
	assert.Equal(t, "ORD1", rejected["orderId"])
	assert.Equal(t, ReasonAlreadyAssigned, rejected["reason"])
	assert.Nil(t, a2p.Last("order_confirmed"))

	stored, err := r.orders.GetOrder(t.Context(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, "A1", stored.AgentID)
}

func TestBusyAgentIsNotOfferedOrders(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a1, a1p := r.agent("A1", "Ada")
	_, a2p := r.agent("A2", "Bo")
	o, _ := r.observer("C1", "")

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a1, `{"type":"accept_order","orderId":"ORD1"}`)
	a1p.Reset()
	a2p.Reset()

	r.send(o, `{"type":"new_order","orderId":"ORD2","observerId":"C1"}`)
	assert.Nil(t, a1p.Last("new_order"))
	assert.NotNil(t, a2p.Last("new_order"))

	r.send(a1, `{"type":"accept_order","orderId":"ORD2"}`)
	assert.Equal(t, ReasonAgentBusy, a1p.Last("order_rejected")["reason"])
}

func TestDeliveringAgentStaysBusy(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a1, _ := r.agent("A1", "Ada")
	_, _ = r.agent("A2", "Bo")
	o, op := r.observer("C1", "")

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a1, `{"type":"accept_order","orderId":"ORD1"}`)
	op.Reset()

	r.send(a1, `{"type":"agent_status","status":"available"}`)
	assert.Nil(t, op.Last("agent_status"))

	c2, c2p := r.connect("10.2.0.2:7000")
	r.send(c2, `{"type":"observer_login","observerId":"C2"}`)

	snap := c2p.Last("available_agents")
	require.NotNil(t, snap)
	agents := snap["agents"].([]any)
	require.Len(t, agents, 1)
	assert.Equal(t, "A2", agents[0].(map[string]any)["agentId"])

	r.send(c2, `{"type":"admin_get_agents"}`)
	data := c2p.Last("agents_data")
	require.NotNil(t, data)
	a1Detail := data["agents"].([]any)[0].(map[string]any)
	assert.Equal(t, "A1", a1Detail["agentId"])
	assert.Equal(t, StatusDelivering, a1Detail["status"])
}

func TestOrderLifecycleFreesAgent(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, ap := r.agent("A1", "Ada")
	o, op := r.observer("C1", "")

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a, `{"type":"accept_order","orderId":"ORD1"}`)
	op.Reset()

	r.send(a, `{"type":"order_status","orderId":"ORD1","status":"picked_up"}`)
	assert.Equal(t, "picked_up", op.Last("order_status")["status"])

	r.send(a, `{"type":"order_status","orderId":"ORD1","status":"assigned"}`)
	assert.Equal(t, ReasonInvalidStatus, ap.Last("order_rejected")["reason"])

	r.send(a, `{"type":"order_status","orderId":"ORD1","status":"delivered"}`)
	assert.Equal(t, "delivered", op.Last("order_status")["status"])
	avail := op.Last("agent_available")
	require.NotNil(t, avail)
	assert.Equal(t, "A1", avail["agentId"])

	// Free again: the next order can be accepted.
	r.send(o, `{"type":"new_order","orderId":"ORD2","observerId":"C1"}`)
	assert.NotNil(t, ap.Last("new_order"))
	r.send(a, `{"type":"accept_order","orderId":"ORD2"}`)
	assert.NotNil(t, ap.Last("order_confirmed"))
}

func TestOrderStatusPermissions(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, ap := r.agent("A1", "Ada")
	other, otherp := r.agent("A2", "Bo")
	o, op := r.observer("C1", "")

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a, `{"type":"accept_order","orderId":"ORD1"}`)

	r.send(other, `{"type":"order_status","orderId":"ORD1","status":"delivered"}`)
	assert.Equal(t, ReasonNotPermitted, otherp.Last("order_rejected")["reason"])

	r.send(o, `{"type":"order_status","orderId":"ORD1","status":"delivered"}`)
	assert.Equal(t, ReasonNotPermitted, op.Last("order_rejected")["reason"])

	r.send(o, `{"type":"order_status","orderId":"ORD1","status":"teleported"}`)
	assert.Equal(t, ReasonUnknownStatus, op.Last("order_rejected")["reason"])

	ap.Reset()
	r.send(o, `{"type":"order_status","orderId":"ORD1","status":"cancelled"}`)
	assert.Equal(t, "cancelled", op.Last("order_status")["status"])
	assert.Equal(t, "cancelled", ap.Last("order_status")["status"], "agent learns about the cancellation")
	assert.NotNil(t, op.Last("agent_available"))
}

func TestUnknownAndDuplicateOrders(t *testing.T) {
	r := startRelay(t, relayOptions{})
	a, ap := r.agent("A1", "Ada")
	o, op := r.observer("C1", "")

	r.send(a, `{"type":"accept_order","orderId":"nope"}`)
	assert.Equal(t, ReasonNotFound, ap.Last("order_rejected")["reason"])

	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	assert.Equal(t, ReasonDuplicate, op.Last("order_rejected")["reason"])
}

func TestAgentDepartureRequeuesAfterGrace(t *testing.T) {
	r := startRelay(t, relayOptions{grace: 20 * time.Millisecond})
	a1, a1p := r.agent("A1", "Ada")
	o, op := r.observer("C1", "")
	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a1, `{"type":"accept_order","orderId":"ORD1"}`)
	_, a2p := r.agent("A2", "Bo")
	op.Reset()

	r.disconnect(a1, a1p)
	assert.Equal(t, "A1", op.Last("agent_disconnected")["agentId"])

	require.Eventually(t, func() bool {
		return op.Last("order_status") != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "pending", op.Last("order_status")["status"])
	require.Eventually(t, func() bool {
		return a2p.Last("new_order") != nil
	}, time.Second, 5*time.Millisecond)

	stored, err := r.orders.GetOrder(t.Context(), "ORD1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Empty(t, stored.AgentID)
}

func TestAgentReconnectWithinGraceKeepsOrder(t *testing.T) {
	r := startRelay(t, relayOptions{grace: time.Hour})
	a1, a1p := r.agent("A1", "Ada")
	o, op := r.observer("C1", "")
	r.send(o, `{"type":"new_order","orderId":"ORD1","observerId":"C1"}`)
	r.send(a1, `{"type":"accept_order","orderId":"ORD1"}`)
	r.disconnect(a1, a1p)
	op.Reset()

	back, backp := r.connect("10.1.0.1:7001")
	r.send(back, `{"type":"agent_login","agentId":"A1","name":"Ada","vehicle":"bike"}`)

	assert.NotNil(t, op.Last("agent_busy"))
	assert.Nil(t, op.Last("agent_available"))

	admin, adminp := r.connect("10.3.0.1:7000")
	r.send(admin, `{"type":"admin_get_agents"}`)
	data := adminp.Last("agents_data")
	require.NotNil(t, data)
	agents := data["agents"].([]any)
	require.Len(t, agents, 1)
	detail := agents[0].(map[string]any)
	assert.Equal(t, "ORD1", detail["currentOrder"])
	assert.Equal(t, StatusDelivering, detail["status"])
	assert.Equal(t, "10.1.0.1", detail["remoteAddr"])

	r.send(back, `{"type":"order_status","orderId":"ORD1","status":"delivered"}`)
	assert.Equal(t, "delivered", op.Last("order_status")["status"])
	assert.NotNil(t, backp.Last("login_success"))
}

func TestSilentAgentIsRemovedAndAnnounced(t *testing.T) {
	r := startRelay(t, relayOptions{heartbeat: 10 * time.Millisecond})

	// The observer answers every probe; the agent never does.
	o, op := r.observer("O1", "")
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				r.hub.Pong(o)
			}
		}
	}()
	_, ap := r.agent("A1", "Ada")

	require.Eventually(t, func() bool {
		return op.Last("agent_disconnected") != nil
	}, time.Second, 5*time.Millisecond)
	assert.True(t, ap.Terminated())
	assert.False(t, op.Terminated())
}

func TestSupersededAgentCannotPublish(t *testing.T) {
	r := startRelay(t, relayOptions{})
	old, oldp := r.agent("A1", "Ada")
	fresh, _ := r.agent("A1", "Ada")
	_, op := r.observer("O1", "A1")

	r.send(old, `{"type":"agent_position","latitude":1,"longitude":1}`)
	assert.Nil(t, op.Last("agent_position"))

	r.disconnect(old, oldp)
	assert.Nil(t, op.Last("agent_disconnected"))

	r.send(fresh, `{"type":"agent_position","latitude":2,"longitude":2}`)
	assert.Equal(t, float64(2), op.Last("agent_position")["latitude"])
}
