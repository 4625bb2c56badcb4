package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatbroker/internal/broker"
)

func newTestServer(t *testing.T, origins []string) (*httptest.Server, *broker.Broker) {
	t.Helper()
	log := zap.NewNop().Sugar()

	b := broker.New(log)
	go b.Run()
	t.Cleanup(func() { _ = b.Shutdown(time.Second) })

	cfg := Config{
		Env:               "dev",
		AllowedOrigins:    origins,
		MaxMessageSize:    512,
		RateLimitBurst:    100,
		RateLimitInterval: time.Second,
		HeartbeatInterval: time.Second,
		ClientTimeout:     5 * time.Second,
	}
	srv := New(context.Background(), cfg, b, log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, b
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{ts.URL}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(payload)
}

func TestWebSocket_ChatBetweenTwoClients(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	first := dial(t, ts)
	req.Equal("Total visitors 1", readLine(t, first))

	second := dial(t, ts)
	req.Equal("Someone joined", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, second))

	req.NoError(second.WriteMessage(websocket.TextMessage, []byte("/name bob")))
	req.NoError(second.WriteMessage(websocket.TextMessage, []byte("hello")))
	req.Equal("bob: hello", readLine(t, first))
}

func TestWebSocket_JoinLeavesOldRoom(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	first := dial(t, ts)
	req.Equal("Total visitors 1", readLine(t, first))

	second := dial(t, ts)
	req.Equal("Someone joined", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, second))

	req.NoError(second.WriteMessage(websocket.TextMessage, []byte("/join lobby")))
	req.Equal("joined", readLine(t, second))
	req.Equal("Someone disconnected", readLine(t, first))

	req.NoError(second.WriteMessage(websocket.TextMessage, []byte("/list")))
	listed := map[string]bool{}
	listed[readLine(t, second)] = true
	listed[readLine(t, second)] = true
	req.True(listed["main"], "room list missing main: %v", listed)
	req.True(listed["lobby"], "room list missing lobby: %v", listed)
}

func TestWebSocket_DisconnectNotifiesRoom(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	first := dial(t, ts)
	req.Equal("Total visitors 1", readLine(t, first))

	second := dial(t, ts)
	req.Equal("Someone joined", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, first))
	req.Equal("Total visitors 2", readLine(t, second))

	req.NoError(second.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	req.Equal("Someone disconnected", readLine(t, first))
}

func TestWebSocket_RejectsDisallowedOrigin(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"http://allowed.example.com"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	req.Error(err)
	req.Nil(conn)
	if resp != nil {
		req.Equal(http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()
	}
}

func TestCountEndpoint_ReportsVisitors(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	body := get(t, ts.URL+"/count")
	req.Equal("Visitors: 0", body)

	conn := dial(t, ts)
	req.Equal("Total visitors 1", readLine(t, conn))

	body = get(t, ts.URL+"/count")
	req.Equal("Visitors: 1", body)
}

func TestHealthEndpoint(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	resp, err := http.Get(ts.URL + "/health")
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/plain", resp.Header.Get("Content-Type"))
}

func TestIndexServesChatPage(t *testing.T) {
	req := require.New(t)
	ts, _ := newTestServer(t, []string{"*"})

	body := get(t, ts.URL+"/")
	req.Contains(body, "<title>Chat</title>")
	req.Contains(body, "/ws")

	resp, err := http.Get(ts.URL + "/no-such-page")
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
