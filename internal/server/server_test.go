// ABOUTME: Tests for the relay-hub server: routes, readiness, orders and lifecycle.
// ABOUTME: Drives the relays over real WebSocket connections.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-hub/internal/config"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// freeAddr finds an available local port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Addr = freeAddr(t)
	cfg.Metrics.Enabled = true
	return cfg
}

// startHandler runs the hubs and serves the main handler from httptest.
func startHandler(t *testing.T, cfg *config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	s.startHubs()

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.stopRelays()
		_ = s.closeStore()
	})
	return s, ts
}

func dialPath(t *testing.T, base, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readType(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg.Type
}

func getReady(t *testing.T, base string) (int, ReadyResponse) {
	t.Helper()
	resp, err := http.Get(base + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	var ready ReadyResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ready))
	return resp.StatusCode, ready
}

func TestHealth(t *testing.T) {
	_, ts := startHandler(t, testConfig(t))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestReadyReportsRelayCounts(t *testing.T) {
	_, ts := startHandler(t, testConfig(t))

	streamer := dialPath(t, ts.URL, config.DefaultSignalingPath)
	assert.Equal(t, "activeStreamers", readType(t, streamer))
	require.NoError(t, streamer.WriteMessage(websocket.TextMessage, []byte(`{"type":"streamer","adminId":"S1"}`)))
	assert.Equal(t, "registered", readType(t, streamer))

	code, ready := getReady(t, ts.URL)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", ready.Status)
	require.Contains(t, ready.Relays, "signaling")
	require.Contains(t, ready.Relays, "tracking")
	assert.Equal(t, 1, ready.Relays["signaling"].Connections)
	assert.Equal(t, 1, ready.Relays["signaling"].Registered["streamer"])
	assert.Equal(t, config.DefaultTrackingPath, ready.Relays["tracking"].Path)
	assert.Equal(t, 0, ready.Relays["tracking"].Connections)
}

func TestReadyUnavailableWhenHubsStopped(t *testing.T) {
	s, ts := startHandler(t, testConfig(t))
	s.stopRelays()

	code, ready := getReady(t, ts.URL)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", ready.Status)
}

func TestDisabledRelayIsNotRouted(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Relays.Tracking.Enabled = &off
	s, ts := startHandler(t, cfg)

	assert.Len(t, s.relays, 1)
	assert.Nil(t, s.store)

	resp, err := http.Get(ts.URL + config.DefaultTrackingPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlainRequestToRelayPath(t *testing.T) {
	_, ts := startHandler(t, testConfig(t))

	resp, err := http.Get(ts.URL + config.DefaultTrackingPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "tracking relay")
}

func TestOrdersEndpoint(t *testing.T) {
	_, ts := startHandler(t, testConfig(t))

	observer := dialPath(t, ts.URL, config.DefaultTrackingPath)
	require.NoError(t, observer.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"new_order","orderId":"ORD1","observerId":"C1","origin":"Bakery","destination":"Dock 4","items":["bread"]}`)))

	var orders []OrderResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/orders?status=pending")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		orders = nil
		return json.NewDecoder(resp.Body).Decode(&orders) == nil && len(orders) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "ORD1", orders[0].ID)
	assert.Equal(t, "C1", orders[0].ObserverID)
	assert.Equal(t, "pending", orders[0].Status)
	assert.JSONEq(t, `["bread"]`, string(orders[0].Items))

	resp, err := http.Get(ts.URL + "/api/orders?status=delivered")
	require.NoError(t, err)
	var none []OrderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&none))
	resp.Body.Close()
	assert.Empty(t, none)

	resp, err = http.Get(ts.URL + "/api/orders?status=lost")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/orders", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := startHandler(t, testConfig(t))

	conn := dialPath(t, ts.URL, config.DefaultSignalingPath)
	readType(t, conn)

	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + config.DefaultMetricsPath)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(body), `relay_hub_connections_open{relay="signaling"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTLSFallsBackWhenCertificateMissing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.CertFile = "/nonexistent/cert.pem"
	cfg.Server.KeyFile = "/nonexistent/key.pem"

	s, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer s.closeStore()

	assert.False(t, s.useTLS)
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	relayAddr := freeAddr(t)
	cfg.Relays.Tracking.Addr = relayAddr

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	base := "http://" + cfg.Server.Addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	// The dedicated listener serves the tracking relay on any path.
	agent := dialPath(t, "http://"+relayAddr, "/")
	require.NoError(t, agent.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"agent_login","agentId":"A1","name":"Ana","vehicle":"bike"}`)))
	assert.Equal(t, "login_success", readType(t, agent))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Stopping the hubs closed the open connection.
	require.NoError(t, agent.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := agent.ReadMessage(); err != nil {
			var netErr net.Error
			if assert.Error(t, err) && errors.As(err, &netErr) {
				assert.False(t, netErr.Timeout())
			}
			break
		}
	}
}
