// ABOUTME: Server orchestrator that runs the relay hubs behind one HTTP server
// ABOUTME: Manages hubs, order store, listeners (TCP, TLS, Tailscale) and shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/relay-hub/internal/config"
	"github.com/2389/relay-hub/internal/hub"
	"github.com/2389/relay-hub/internal/metrics"
	"github.com/2389/relay-hub/internal/signaling"
	"github.com/2389/relay-hub/internal/store"
	"github.com/2389/relay-hub/internal/tracking"
	"github.com/2389/relay-hub/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// relay is one hub exposed over WebSocket.
type relay struct {
	name    string
	path    string
	addr    string
	hub     *hub.Hub
	handler http.Handler
}

// Server owns the relays and the listeners in front of them.
type Server struct {
	config      *config.Config
	store       store.OrderStore
	metrics     *metrics.Collectors
	relays      []*relay
	mux         *http.ServeMux
	httpServer  *http.Server
	relayServer []*http.Server
	tsnetServer *tsnet.Server
	useTLS      bool
	logger      *slog.Logger

	hubsDone sync.WaitGroup
	stopHubs context.CancelFunc
}

// initStore opens the order store. An empty path keeps orders in memory.
func initStore(cfg *config.Config) (store.OrderStore, error) {
	path := cfg.Database.Path
	if path == "" {
		path = store.MemoryPath
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening order store: %w", err)
	}
	return s, nil
}

// New builds the hubs, routers and HTTP routes described by cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		metrics: metrics.New(),
		mux:     http.NewServeMux(),
		logger:  logger.With("component", "server"),
	}

	if cfg.Relays.Signaling.On() {
		h := s.newHub("signaling", logger)
		h.Handle(signaling.NewRouter(h, logger.With("relay", "signaling")))
		s.addRelay(h, cfg.Relays.Signaling, logger)
	}

	if cfg.Relays.Tracking.On() {
		orders, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		s.store = orders

		h := s.newHub("tracking", logger)
		h.Handle(tracking.NewRouter(h, tracking.Config{
			Store:          orders,
			ReconnectGrace: cfg.Relays.ReconnectGracePeriod,
			Logger:         logger.With("relay", "tracking"),
		}))
		s.addRelay(h, cfg.Relays.Tracking, logger)
		s.mux.HandleFunc("/api/orders", s.handleListOrders)
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/ready", s.handleReady)
	if cfg.Metrics.Enabled {
		s.mux.Handle(cfg.Metrics.Path, s.metrics.Handler())
		s.logger.Info("metrics enabled", "path", cfg.Metrics.Path)
	}

	s.useTLS = s.tlsAvailable()
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) newHub(name string, logger *slog.Logger) *hub.Hub {
	return hub.New(hub.Config{
		Name:              name,
		HeartbeatInterval: s.config.Relays.HeartbeatInterval,
		CleanupInterval:   s.config.Relays.CleanupInterval,
		Logger:            logger,
		Metrics:           s.metrics.Relay(name),
	})
}

func (s *Server) addRelay(h *hub.Hub, rc config.RelayConfig, logger *slog.Logger) {
	handler := transport.NewHandler(transport.Config{
		Hub:            h,
		OutboundBuffer: s.config.Relays.OutboundBuffer,
		AllowedOrigins: s.config.Server.AllowedOrigins,
		Logger:         logger,
	})
	r := &relay{
		name:    h.Name(),
		path:    rc.Path,
		addr:    rc.Addr,
		hub:     h,
		handler: handler,
	}
	s.relays = append(s.relays, r)
	s.mux.Handle(rc.Path, handler)

	if rc.Addr != "" && !s.config.Tailscale.Enabled {
		s.relayServer = append(s.relayServer, &http.Server{
			Addr:              rc.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
}

// Handler returns the main HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// tlsAvailable reports whether the configured certificate pair exists.
func (s *Server) tlsAvailable() bool {
	err := s.config.Server.CheckTLSFiles()
	if err != nil && !errors.Is(err, config.ErrNoTLS) {
		s.logger.Warn("certificate not found, falling back to plain HTTP", "error", err)
	}
	return err == nil
}

// startHubs runs every hub until stopHubs is called.
func (s *Server) startHubs() {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopHubs = cancel
	for _, r := range s.relays {
		s.hubsDone.Add(1)
		go func(r *relay) {
			defer s.hubsDone.Done()
			if err := r.hub.Run(ctx); err != nil {
				s.logger.Error("hub stopped", "relay", r.name, "error", err)
			}
		}(r)
	}
}

// setupListeners creates the main listener based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		s.warnIgnoredAddresses()
		return s.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.config.Server.Addr, err)
	}
	if !s.useTLS {
		s.logger.Warn("serving without TLS; browsers may refuse media capture over plain HTTP")
	}
	return ln, nil
}

// warnIgnoredAddresses logs a warning if TCP addresses are configured but Tailscale is enabled.
func (s *Server) warnIgnoredAddresses() {
	if s.config.Server.Addr != "" {
		s.logger.Warn("server.addr is ignored when tailscale is enabled", "addr", s.config.Server.Addr)
	}
	for _, r := range s.relays {
		if r.addr != "" {
			s.logger.Warn("relay addr is ignored when tailscale is enabled", "relay", r.name, "addr", r.addr)
		}
	}
}

// serve starts srv on ln, reporting failures on errCh.
func (s *Server) serve(srv *http.Server, ln net.Listener, tlsOK bool, errCh chan<- error) {
	var err error
	if tlsOK {
		err = srv.ServeTLS(ln, s.config.Server.CertFile, s.config.Server.KeyFile)
	} else {
		err = srv.Serve(ln)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP server %s: %w", ln.Addr(), err)
	}
}

// startServers starts the main and per-relay servers, returning an error channel.
func (s *Server) startServers(mainLn net.Listener) (chan error, error) {
	errCh := make(chan error, 1+len(s.relayServer))

	listeners := make([]net.Listener, 0, len(s.relayServer))
	for _, srv := range s.relayServer {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				_ = open.Close()
			}
			_ = mainLn.Close()
			return nil, fmt.Errorf("listening on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	// Tailscale listeners are already TLS-wrapped where needed.
	mainTLS := s.useTLS && s.tsnetServer == nil
	go func() {
		s.logger.Info("HTTP server listening", "addr", mainLn.Addr().String(), "tls", mainTLS)
		s.serve(s.httpServer, mainLn, mainTLS, errCh)
	}()
	for i, srv := range s.relayServer {
		ln := listeners[i]
		go func(srv *http.Server) {
			s.logger.Info("relay listener started", "addr", ln.Addr().String(), "tls", s.useTLS)
			s.serve(srv, ln, s.useTLS, errCh)
		}(srv)
	}

	return errCh, nil
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the hubs and servers and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if a server fails.
func (s *Server) Run(ctx context.Context) error {
	s.startHubs()

	ln, err := s.setupListeners(ctx)
	if err != nil {
		s.stopRelays()
		s.closeStore()
		return err
	}

	errCh, err := s.startServers(ln)
	if err != nil {
		s.stopRelays()
		s.closeStore()
		return err
	}

	for _, r := range s.relays {
		s.logger.Info("relay ready", "relay", r.name, "path", r.path)
	}

	serverErr := s.waitForShutdownSignal(ctx, errCh)
	shutdownErr := s.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// stopRelays stops every hub; each one terminates its open connections.
func (s *Server) stopRelays() {
	if s.stopHubs != nil {
		s.stopHubs()
	}
	s.hubsDone.Wait()
}

func (s *Server) closeStore() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Shutdown stops accepting connections, closes the relays and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay-hub")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	for _, srv := range s.relayServer {
		errs = appendCloseError(errs, "relay listener shutdown", srv.Shutdown(ctx))
	}

	// Upgraded connections are hijacked, so http.Server.Shutdown does not
	// wait for them; stopping the hubs closes them.
	s.stopRelays()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.closeStore())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
