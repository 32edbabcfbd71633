// Package config handles configuration loading for relay-hub.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Every field has a default, so an empty file starts both relays on
// 0.0.0.0:9090.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RELAY_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/relay-hub/config.yaml
//  3. ~/.config/relay-hub/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	tailscale:
//	  auth_key: "${TS_AUTHKEY}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relays:
//	  heartbeat_interval: "30s"
//	  cleanup_interval: "60s"
//	  reconnect_grace_period: "5m"
//
// A reconnect grace period of "0s" returns an orphaned order to pending as
// soon as its agent disconnects.
//
// # Configuration Sections
//
// Server settings. TLS is used when both files exist:
//
//	server:
//	  addr: "0.0.0.0:9090"
//	  cert_file: "./cert.pem"
//	  key_file: "./key.pem"
//	  allowed_origins: ["https://app.example"]
//
// Relays. Both are enabled unless switched off. A relay with its own addr
// also gets a dedicated listener, matching clients that expect one port per
// relay:
//
//	relays:
//	  outbound_buffer: 256
//	  signaling:
//	    path: "/signal"
//	  tracking:
//	    enabled: true
//	    path: "/track"
//	    addr: "0.0.0.0:9091"
//
// Order store. Empty keeps orders in memory for the life of the process:
//
//	database:
//	  path: "/var/lib/relay-hub/orders.db"
//
// Tailscale (optional):
//
//	tailscale:
//	  enabled: true
//	  hostname: "relay-hub"
//	  ephemeral: false
//	  https: true
//	  funnel: false
//
// Logging and metrics:
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text or json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
