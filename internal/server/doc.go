// Package server runs the relay hubs behind an HTTP server.
//
// # Endpoints
//
//	/signal        signaling relay (WebSocket)
//	/track         tracking relay (WebSocket)
//	/health        liveness, always "OK"
//	/health/ready  per-relay connection and registry counts (JSON)
//	/api/orders    read-only order listing, ?status= filter
//	/metrics       Prometheus metrics, when enabled
//
// Relay paths are configurable, and a relay may also get a listener of its
// own. TLS is used when the configured certificate pair exists; otherwise the
// server falls back to plain HTTP with a warning. With Tailscale enabled the
// main server listens on the tailnet instead, optionally over HTTPS or
// Funnel.
//
// Shutdown stops the listeners, then the hubs (which close every open
// connection), then the order store.
package server
