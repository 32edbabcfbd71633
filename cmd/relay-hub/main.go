// ABOUTME: Entry point for relay-hub, the real-time signaling and tracking relay
// ABOUTME: Provides serve, init, health, peers and orders commands

package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/relay-hub/internal/config"
	"github.com/2389/relay-hub/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
          _                  _           _
 _ __ ___| | __ _ _   _     | |__  _   _| |__
| '__/ _ \ |/ _' | | | |____| '_ \| | | | '_ \
| | |  __/ | (_| | |_| |____| | | | |_| | |_) |
|_|  \___|_|\__,_|\__, |    |_| |_|\__,_|_.__/
                  |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the relay server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check server health")
		fmt.Println("  peers     Show connection and registry counts per relay")
		fmt.Println("  orders    List delivery orders (optional status argument)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "peers":
		err = runGet(ctx, "/health/ready")
	case "orders":
		path := "/api/orders"
		if len(os.Args) > 2 {
			path += "?status=" + url.QueryEscape(os.Args[2])
		}
		err = runGet(ctx, path)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or uses defaults when none exists.
func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) && os.Getenv("RELAY_HUB_CONFIG") == "" {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	scheme := "ws"
	if cfg.Server.CheckTLSFiles() == nil {
		scheme = "wss"
	}

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	if !cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Listen:    %s\n", cfg.Server.Addr)
	}
	if cfg.Relays.Signaling.On() {
		green.Print("    ▶ ")
		fmt.Printf("Signaling: %s\n", cfg.Relays.Signaling.Path)
	}
	if cfg.Relays.Tracking.On() {
		green.Print("    ▶ ")
		fmt.Printf("Tracking:  %s\n", cfg.Relays.Tracking.Path)
		green.Print("    ▶ ")
		db := cfg.Database.Path
		if db == "" {
			db = "in-memory"
		}
		fmt.Printf("Orders:    %s\n", db)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		_, port, _ := net.SplitHostPort(cfg.Server.Addr)
		for _, ip := range lanAddresses() {
			green.Print("    ▶ ")
			fmt.Printf("Network:   %s://%s\n", scheme, net.JoinHostPort(ip, port))
		}
	}

	fmt.Println()

	logger.Info("starting relay-hub", "config", configPath, "addr", cfg.Server.Addr)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// lanAddresses returns the host's non-loopback IPv4 addresses.
func lanAddresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	return ips
}

// baseURL returns the local URL of the main listener.
func baseURL(cfg *config.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return "http://" + cfg.Server.Addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	scheme := "http"
	if cfg.Server.CheckTLSFiles() == nil {
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

// localClient talks to the local server. The certificate is usually issued
// for the LAN address, not 127.0.0.1, so it is not verified.
func localClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // loopback probe
		},
	}
}

func fetch(ctx context.Context, path string) (int, []byte, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := localClient().Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(ctx context.Context) error {
	status, _, err := fetch(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", status)
	}

	fmt.Println("healthy")
	return nil
}

func runGet(ctx context.Context, path string) error {
	status, body, err := fetch(ctx, path)
	if err != nil {
		return err
	}
	fmt.Println(strings.TrimSpace(string(body)))
	if status != http.StatusOK {
		return fmt.Errorf("status %d", status)
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("relay-hub configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	addr := prompt(reader, "Listen address", config.DefaultAddr)
	certFile := prompt(reader, "TLS certificate file (leave empty for plain HTTP)", "")
	var keyFile string
	if certFile != "" {
		keyFile = prompt(reader, "TLS key file", "")
	}

	fmt.Println("\n--- Relays ---")
	signalingOn := yes(prompt(reader, "Enable signaling relay?", "yes"))
	trackingOn := yes(prompt(reader, "Enable tracking relay?", "yes"))
	var dbPath, grace string
	if trackingOn {
		dbPath = prompt(reader, "Order database path (leave empty for in-memory)", "")
		grace = prompt(reader, "Reconnect grace period", config.DefaultReconnectGracePeriod.String())
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "relay-hub")
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# relay-hub configuration\n")
	cfg.WriteString("# Generated by relay-hub init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  addr: %q\n", addr))
	if certFile != "" {
		cfg.WriteString(fmt.Sprintf("  cert_file: %q\n", certFile))
		cfg.WriteString(fmt.Sprintf("  key_file: %q\n", keyFile))
	}
	cfg.WriteString("\n")

	if dbPath != "" {
		cfg.WriteString("database:\n")
		cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))
	}

	cfg.WriteString("relays:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval.String()))
	cfg.WriteString(fmt.Sprintf("  cleanup_interval: %q\n", config.DefaultCleanupInterval.String()))
	if grace != "" {
		cfg.WriteString(fmt.Sprintf("  reconnect_grace_period: %q\n", grace))
	}
	cfg.WriteString("  signaling:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", signalingOn))
	cfg.WriteString(fmt.Sprintf("    path: %q\n", config.DefaultSignalingPath))
	cfg.WriteString("  tracking:\n")
	cfg.WriteString(fmt.Sprintf("    enabled: %t\n", trackingOn))
	cfg.WriteString(fmt.Sprintf("    path: %q\n", config.DefaultTrackingPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", tailscaleEnabled))
	if tailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", tsHostname))
		cfg.WriteString("  auth_key: \"${TS_AUTHKEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", tsFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	// Reject a config the server would refuse to start with.
	if _, err := config.Parse([]byte(cfg.String()), false); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  relay-hub serve\n")

	return nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
