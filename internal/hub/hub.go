// ABOUTME: Hub event loop: one goroutine owns the registry and processes every event.
// ABOUTME: Transport callbacks, heartbeat ticks and timers are serialized through a mailbox.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/2389/relay-hub/internal/metrics"
	"github.com/2389/relay-hub/internal/protocol"
)

const (
	// DefaultHeartbeatInterval is the liveness probe period.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultCleanupInterval is the period of the closed-channel sweep.
	DefaultCleanupInterval = 60 * time.Second

	defaultMailboxSize = 1024
)

// ErrNoHandler is returned by Run when no handler was installed.
var ErrNoHandler = errors.New("hub has no handler")

// ErrStopped is returned by Do once the hub has stopped.
var ErrStopped = errors.New("hub stopped")

// Handler implements the message rules of one relay pattern. Every method is
// called on the hub goroutine.
type Handler interface {
	// Vocabulary decodes inbound frames for this relay.
	Vocabulary() protocol.Vocabulary

	// HandleMessage processes one decoded, recognized message.
	HandleMessage(c *Conn, msg protocol.Message)

	// HandleDeparture runs after c's registry entry was removed.
	HandleDeparture(c *Conn)
}

// Greeter is optionally implemented by handlers that greet new connections.
type Greeter interface {
	HandleConnect(c *Conn)
}

// Config holds hub settings.
type Config struct {
	Name              string
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	MailboxSize       int
	Logger            *slog.Logger
	Metrics           *metrics.Relay
}

// Hub serializes all registry access on one goroutine.
type Hub struct {
	name        string
	registry    *Registry
	broadcaster *Broadcaster
	monitor     *Monitor
	handler     Handler

	conns map[*Conn]struct{}
	// roles that ever had entries, so emptied roles report zero
	gaugeRoles map[Role]struct{}

	events chan func()
	done   chan struct{}

	heartbeat time.Duration
	cleanup   time.Duration

	logger  *slog.Logger
	metrics *metrics.Relay
}

// New creates a hub. Install a handler with Handle before calling Run.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name != "" {
		logger = logger.With("relay", cfg.Name)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}

	registry := NewRegistry(logger.With("component", "registry"))
	return &Hub{
		name:        cfg.Name,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, logger.With("component", "broadcaster"), cfg.Metrics),
		monitor:     NewMonitor(logger.With("component", "monitor")),
		conns:       make(map[*Conn]struct{}),
		gaugeRoles:  make(map[Role]struct{}),
		events:      make(chan func(), cfg.MailboxSize),
		done:        make(chan struct{}),
		heartbeat:   cfg.HeartbeatInterval,
		cleanup:     cfg.CleanupInterval,
		logger:      logger,
		metrics:     cfg.Metrics,
	}
}

// Name returns the relay name.
func (h *Hub) Name() string { return h.name }

// Registry returns the hub's registry. Only use it from handler callbacks or Do.
func (h *Hub) Registry() *Registry { return h.registry }

// Broadcaster returns the hub's broadcaster. Only use it from handler callbacks or Do.
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }

// Handle installs the handler. It must be called before Run.
func (h *Hub) Handle(handler Handler) {
	h.handler = handler
}

// Run processes events until ctx is canceled, then terminates every
// connection. Returns nil on cancellation.
func (h *Hub) Run(ctx context.Context) error {
	if h.handler == nil {
		return ErrNoHandler
	}
	defer close(h.done)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	cleanup := time.NewTicker(h.cleanup)
	defer cleanup.Stop()

	h.logger.Info("hub started", "heartbeat_interval", h.heartbeat, "cleanup_interval", h.cleanup)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case fn := <-h.events:
			h.dispatch(fn)
		case <-heartbeat.C:
			h.dispatch(h.tick)
		case <-cleanup.C:
			h.dispatch(h.sweep)
		}
	}
}

// dispatch runs one event. A panicking handler must not take the relay down.
func (h *Hub) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// enqueue posts fn to the mailbox. It reports false once the hub stopped.
func (h *Hub) enqueue(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.events <- fn:
		return true
	case <-h.done:
		return false
	}
}

// Attach starts tracking a new connection.
func (h *Hub) Attach(c *Conn) {
	h.enqueue(func() { h.attach(c) })
}

// Deliver queues one inbound frame from c.
func (h *Hub) Deliver(c *Conn, data []byte) {
	h.enqueue(func() { h.deliver(c, data) })
}

// Pong records a liveness answer from c.
func (h *Hub) Pong(c *Conn) {
	h.enqueue(func() {
		if !c.closed {
			h.monitor.Pong(c)
		}
	})
}

// Detach reconciles a closed channel. cause is nil for a clean close.
func (h *Hub) Detach(c *Conn, cause error) {
	h.enqueue(func() {
		reason := reasonClosed
		if cause != nil {
			reason = reasonError
		}
		h.detach(c, reason, cause)
	})
}

// After runs fn on the hub goroutine once d elapses. The returned function
// cancels the timer and reports whether it stopped it before it fired.
func (h *Hub) After(d time.Duration, fn func()) (cancel func() bool) {
	t := time.AfterFunc(d, func() { h.enqueue(fn) })
	return t.Stop
}

// Do runs fn on the hub goroutine and waits for it. Use it to read hub state
// from other goroutines.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	queued := make(chan bool, 1)
	go func() {
		queued <- h.enqueue(func() {
			fn()
			close(finished)
		})
	}()

	select {
	case ok := <-queued:
		if !ok {
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int
	Registered  map[Role]int
}

// Stats returns connection and registry counts.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	result := make(chan Stats, 1)
	err := h.Do(ctx, func() {
		s := Stats{Connections: len(h.conns), Registered: make(map[Role]int)}
		for _, role := range h.registry.Roles() {
			s.Registered[role] = h.registry.Count(role)
		}
		result <- s
	})
	if err != nil {
		return Stats{}, err
	}
	return <-result, nil
}

func (h *Hub) attach(c *Conn) {
	if c.closed {
		return
	}
	h.conns[c] = struct{}{}
	h.metrics.ConnectionOpened()
	h.logger.Info("connection opened",
		"conn", c.ID,
		"remote_addr", c.RemoteAddr(),
		"total_connections", len(h.conns),
	)
	if g, ok := h.handler.(Greeter); ok {
		g.HandleConnect(c)
	}
}

func (h *Hub) deliver(c *Conn, data []byte) {
	if c.closed {
		return
	}
	msg, err := h.handler.Vocabulary().Decode(data)
	if err != nil {
		h.metrics.Malformed()
		h.logger.Warn("malformed message",
			"conn", c.ID,
			"remote_addr", c.RemoteAddr(),
			"error", err,
		)
		return
	}
	if _, ok := msg.(*protocol.Unknown); ok {
		h.logger.Debug("ignoring unknown message kind", "conn", c.ID, "kind", msg.Kind())
		return
	}

	h.metrics.MessageReceived(msg.Kind())
	h.logger.Debug("message received",
		"conn", c.ID,
		"kind", msg.Kind(),
		"role", c.role,
		"identity", c.identity,
	)
	h.handler.HandleMessage(c, msg)
	h.publishRegistryGauges()
}

func (h *Hub) tick() {
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	for _, c := range h.monitor.Tick(conns) {
		h.detach(c, reasonLiveness, nil)
	}
}

func (h *Hub) shutdown() {
	h.logger.Info("hub stopping", "connections", len(h.conns))
	for c := range h.conns {
		c.closed = true
		_ = c.peer.Terminate()
		h.metrics.ConnectionClosed(reasonShutdown)
		delete(h.conns, c)
	}
}

func (h *Hub) publishRegistryGauges() {
	if h.metrics == nil {
		return
	}
	for _, role := range h.registry.Roles() {
		h.gaugeRoles[role] = struct{}{}
	}
	for role := range h.gaugeRoles {
		h.metrics.SetRegistered(string(role), h.registry.Count(role))
	}
}
