// ABOUTME: Joins the tailnet with tsnet and opens the listener the relays are served on.
// ABOUTME: Plain HTTP on :80, HTTPS with tailnet certificates, or public Funnel on :443.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-hub/internal/config"
)

var errNoAuthKey = errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")

// tailnetNode builds the tsnet node for cfg. The state directory defaults to
// ~/.local/share/relay-hub/tailscale and the auth key falls back to TS_AUTHKEY.
func tailnetNode(cfg config.TailscaleConfig) (*tsnet.Server, error) {
	dir := cfg.StateDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "relay-hub", "tailscale")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	key := cfg.AuthKey
	if key == "" {
		key = os.Getenv("TS_AUTHKEY")
	}
	if key == "" {
		return nil, errNoAuthKey
	}

	return &tsnet.Server{
		Hostname:  cfg.Hostname,
		Dir:       dir,
		Ephemeral: cfg.Ephemeral,
		AuthKey:   key,
	}, nil
}

// setupTailscaleListener brings the node up and returns the listener for the
// configured mode. On failure the node is closed and s.tsnetServer stays nil.
func (s *Server) setupTailscaleListener(ctx context.Context) (ln net.Listener, err error) {
	cfg := s.config.Tailscale
	node, err := tailnetNode(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = node.Close()
		}
	}()

	log := s.logger.With("hostname", cfg.Hostname)
	log.Info("joining tailnet", "state_dir", node.Dir, "ephemeral", cfg.Ephemeral)
	status, err := node.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	logNodeStatus(log, status)

	switch {
	case cfg.Funnel:
		log.Info("serving relays publicly through funnel", "port", 443)
		ln, err = node.ListenFunnel("tcp", ":443")
	case cfg.HTTPS:
		log.Info("serving relays over tailnet HTTPS", "port", 443)
		ln, err = tailnetTLS(node)
	default:
		log.Info("serving relays over tailnet HTTP", "port", 80)
		ln, err = node.Listen("tcp", ":80")
	}
	if err != nil {
		return nil, fmt.Errorf("tailscale listener: %w", err)
	}
	s.tsnetServer = node
	return ln, nil
}

func logNodeStatus(log *slog.Logger, status *ipnstate.Status) {
	var ip, dns string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dns = status.Self.DNSName
	}
	log.Info("tailnet node ready", "tailscale_ip", ip, "dns_name", dns)
}

// tailnetTLS wraps :443 with certificates provisioned by the tailnet.
func tailnetTLS(node *tsnet.Server) (net.Listener, error) {
	lc, err := node.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("tailscale local client: %w", err)
	}
	ln, err := node.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
