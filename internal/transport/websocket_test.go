// ABOUTME: Tests for the WebSocket transport against a live signaling hub.
// ABOUTME: Uses httptest servers and the gorilla dialer as the client side.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-hub/internal/hub"
	"github.com/2389/relay-hub/internal/signaling"
)

func startServer(t *testing.T, heartbeat time.Duration) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.New(hub.Config{
		Name:              "signaling",
		HeartbeatInterval: heartbeat,
		CleanupInterval:   time.Hour,
	})
	h.Handle(signaling.NewRouter(h, nil))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	srv := httptest.NewServer(NewHandler(Config{Hub: h}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, h
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func write(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func connections(t *testing.T, h *hub.Hub) int {
	stats, err := h.Stats(t.Context())
	if err != nil {
		return -1
	}
	return stats.Connections
}

func TestPlainRequestGetsTextResponse(t *testing.T) {
	srv, _ := startServer(t, time.Hour)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "signaling relay")
}

func TestRelayOverWebSocket(t *testing.T) {
	srv, _ := startServer(t, time.Hour)

	streamer := dial(t, srv)
	assert.Equal(t, "activeStreamers", readMessage(t, streamer)["type"])
	write(t, streamer, `{"type":"streamer","adminId":"S1"}`)
	reg := readMessage(t, streamer)
	assert.Equal(t, "registered", reg["type"])
	assert.Equal(t, "S1", reg["id"])

	viewer := dial(t, srv)
	welcome := readMessage(t, viewer)
	assert.Equal(t, "activeStreamers", welcome["type"])
	assert.Equal(t, []any{"S1"}, welcome["streamers"])

	write(t, viewer, `{"type":"viewer","viewerId":"V1","adminId":"S1"}`)
	assert.Equal(t, "registered", readMessage(t, viewer)["type"])
	assert.Equal(t, "activeStreamers", readMessage(t, viewer)["type"])

	nv := readMessage(t, streamer)
	assert.Equal(t, "newViewer", nv["type"])
	assert.Equal(t, "V1", nv["viewerId"])
	assert.Equal(t, "127.0.0.1", nv["viewerIP"])

	write(t, streamer, `{"type":"offer","viewerId":"V1","offer":{"sdp":"x"}}`)
	offer := readMessage(t, viewer)
	assert.Equal(t, "offer", offer["type"])
	assert.Equal(t, map[string]any{"sdp": "x"}, offer["offer"])
}

func TestClientCloseDetaches(t *testing.T) {
	srv, h := startServer(t, time.Hour)

	streamer := dial(t, srv)
	readMessage(t, streamer)
	write(t, streamer, `{"type":"streamer","adminId":"S1"}`)
	readMessage(t, streamer)

	viewer := dial(t, srv)
	readMessage(t, viewer)
	write(t, viewer, `{"type":"viewer","viewerId":"V1","adminId":"S1"}`)
	readMessage(t, viewer)
	readMessage(t, viewer)

	require.NoError(t, streamer.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = streamer.Close()

	gone := readMessage(t, viewer)
	assert.Equal(t, "streamerDisconnected", gone["type"])
	assert.Equal(t, "S1", gone["adminId"])
	assert.Equal(t, "activeStreamers", readMessage(t, viewer)["type"])

	require.Eventually(t, func() bool { return connections(t, h) == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestUnresponsivePeerIsTerminated(t *testing.T) {
	srv, h := startServer(t, 50*time.Millisecond)

	// gorilla answers pings only while reading.
	responsive := dial(t, srv)
	go func() {
		for {
			if _, _, err := responsive.ReadMessage(); err != nil {
				return
			}
		}
	}()
	silent := dial(t, srv)
	time.Sleep(20 * time.Millisecond)

	require.Eventually(t, func() bool { return connections(t, h) == 1 },
		2*time.Second, 10*time.Millisecond)

	// The silent client finds its socket closed once it reads.
	require.NoError(t, silent.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		_, _, err = silent.ReadMessage()
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "silent client should be disconnected, not timed out")
	}

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, connections(t, h))
}

func TestFullBufferTerminates(t *testing.T) {
	peers := make(chan *peer, 1)
	upgrader := makeUpgrader(nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// No writer goroutine, so the queue never drains.
		peers <- newPeer(ws, r.RemoteAddr, 1, time.Second, discardLogger())
	}))
	defer srv.Close()

	dial(t, srv)
	p := <-peers

	require.NoError(t, p.Send([]byte(`{}`)))
	assert.ErrorIs(t, p.Send([]byte(`{}`)), ErrBufferFull)
	assert.False(t, p.Open())
	assert.ErrorIs(t, p.Send([]byte(`{}`)), ErrClosed)
	assert.ErrorIs(t, p.Ping(), ErrClosed)
	assert.NoError(t, p.Terminate())
}

func TestOriginCheck(t *testing.T) {
	up := makeUpgrader([]string{"https://ok.example"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, up.CheckOrigin(req), "non-browser clients send no origin")

	req.Header.Set("Origin", "https://ok.example")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(req))

	assert.True(t, makeUpgrader([]string{"*"}).CheckOrigin(req))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
