// ABOUTME: WebSocket transport binding gorilla/websocket connections to a relay hub.
// ABOUTME: One reader and one writer goroutine per connection; sends never block the hub.

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/relay-hub/internal/hub"
)

const (
	// DefaultOutboundBuffer is the per-connection queue of pending frames.
	DefaultOutboundBuffer = 256

	// DefaultWriteWait bounds a single frame write.
	DefaultWriteWait = 10 * time.Second

	// DefaultMaxMessageSize caps inbound frames.
	DefaultMaxMessageSize = 1 << 20
)

var (
	// ErrClosed is returned by Send after the connection was terminated.
	ErrClosed = errors.New("connection closed")

	// ErrBufferFull is returned by Send when the outbound queue overflowed.
	// The connection is terminated.
	ErrBufferFull = errors.New("outbound buffer full")
)

// Config holds transport settings for one relay endpoint.
type Config struct {
	Hub            *hub.Hub
	OutboundBuffer int
	WriteWait      time.Duration
	MaxMessageSize int64
	// AllowedOrigins restricts browser origins. Empty or "*" allows any.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Handler upgrades HTTP requests and feeds the resulting connections to a hub.
type Handler struct {
	hub        *hub.Hub
	upgrader   websocket.Upgrader
	buffer     int
	writeWait  time.Duration
	maxMessage int64
	logger     *slog.Logger
}

// NewHandler creates a WebSocket endpoint for cfg.Hub.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = DefaultOutboundBuffer
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = DefaultWriteWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Handler{
		hub:        cfg.Hub,
		upgrader:   makeUpgrader(cfg.AllowedOrigins),
		buffer:     cfg.OutboundBuffer,
		writeWait:  cfg.WriteWait,
		maxMessage: cfg.MaxMessageSize,
		logger:     logger.With("component", "transport", "relay", cfg.Hub.Name()),
	}
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the channel closes. Plain HTTP requests get a short text response.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "%s relay: connect with a WebSocket client\n", h.hub.Name())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	p := newPeer(ws, r.RemoteAddr, h.buffer, h.writeWait, h.logger)
	c := hub.NewConn(p)
	go p.writeLoop()

	h.hub.Attach(c)
	h.readLoop(c, p)
}

func (h *Handler) readLoop(c *hub.Conn, p *peer) {
	p.ws.SetReadLimit(h.maxMessage)
	p.ws.SetPongHandler(func(string) error {
		h.hub.Pong(c)
		return nil
	})

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			var cause error
			if !p.terminated() && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				cause = err
			}
			_ = p.Terminate()
			h.hub.Detach(c, cause)
			return
		}
		h.hub.Deliver(c, data)
	}
}

// peer implements hub.Peer over a gorilla connection.
type peer struct {
	ws        *websocket.Conn
	addr      string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writeWait time.Duration
	logger    *slog.Logger
}

var _ hub.Peer = (*peer)(nil)

func newPeer(ws *websocket.Conn, addr string, buffer int, writeWait time.Duration, logger *slog.Logger) *peer {
	return &peer{
		ws:        ws,
		addr:      addr,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
		writeWait: writeWait,
		logger:    logger,
	}
}

// Send queues data for the writer. A full queue terminates the connection.
func (p *peer) Send(data []byte) error {
	if p.terminated() {
		return ErrClosed
	}
	select {
	case p.send <- data:
		return nil
	default:
		p.logger.Warn("outbound buffer full, dropping connection", "remote_addr", p.addr)
		_ = p.Terminate()
		return ErrBufferFull
	}
}

func (p *peer) Open() bool { return !p.terminated() }

// Ping sends a protocol-level ping. gorilla allows control frames
// concurrently with the writer goroutine.
func (p *peer) Ping() error {
	if p.terminated() {
		return ErrClosed
	}
	return p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeWait))
}

// Terminate closes the socket immediately. Safe to call more than once.
func (p *peer) Terminate() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.ws.Close()
	})
	return err
}

func (p *peer) RemoteAddr() string { return p.addr }

func (p *peer) terminated() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.ws.SetWriteDeadline(time.Now().Add(p.writeWait))
			if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("write failed", "remote_addr", p.addr, "error", err)
				_ = p.Terminate()
				return
			}
		}
	}
}
