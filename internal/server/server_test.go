package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func TestWebsocketWelcome(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	frame := readFrame(t, conn)

	assert.Equal(t, "welcome", frame["type"])
	assert.Equal(t, "Connected to QuantAxis MarketData Server", frame["message"])
	assert.NotEmpty(t, frame["session_id"])
	assert.Equal(t, true, frame["ctp_connected"])
	assert.Greater(t, frame["timestamp"].(float64), 0.0)
}

func TestTickFanOutToAllSubscribers(t *testing.T) {
	srv, upstreamConn := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c1 := dialTestServer(t, ts)
	c2 := dialTestServer(t, ts)
	readFrame(t, c1) // welcome
	readFrame(t, c2)

	sub := []byte(`{"action":"subscribe","instruments":["rb2410"]}`)
	require.NoError(t, c1.WriteMessage(websocket.TextMessage, sub))
	require.Equal(t, "subscribe_response", readFrame(t, c1)["type"])
	require.NoError(t, c2.WriteMessage(websocket.TextMessage, sub))
	require.Equal(t, "subscribe_response", readFrame(t, c2)["type"])

	assert.Equal(t, 1, upstreamConn.subscribeCount("rb2410"), "one upstream subscribe for two downstream subscribers")

	srv.BroadcastTick("rb2410", []byte(`{"type":"market_data","instrument_id":"rb2410","last_price":3412.0}`))

	for _, conn := range []*websocket.Conn{c1, c2} {
		frame := readFrame(t, conn)
		assert.Equal(t, "market_data", frame["type"])
		assert.Equal(t, "rb2410", frame["instrument_id"])
	}
}

func TestTickNotDeliveredToOtherInstruments(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","instruments":["cu2412"]}`)))
	require.Equal(t, "subscribe_response", readFrame(t, conn)["type"])

	srv.BroadcastTick("rb2410", []byte(`{"type":"market_data","instrument_id":"rb2410"}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "no frame expected for an instrument this session never subscribed")
}

func TestUnsubscribeLastClearsUpstream(t *testing.T) {
	srv, upstreamConn := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","instruments":["rb2410"]}`)))
	readFrame(t, conn)
	require.Equal(t, 1, upstreamConn.subscribeCount("rb2410"))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"unsubscribe","instruments":["rb2410"]}`)))
	readFrame(t, conn)

	assert.Equal(t, 0, upstreamConn.subscribeCount("rb2410"))

	srv.BroadcastTick("rb2410", []byte(`{"type":"market_data"}`))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "unsubscribed session must not receive the tick")
}

func TestClientDisconnectReleasesSubscriptions(t *testing.T) {
	srv, upstreamConn := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","instruments":["rb2410","cu2412"]}`)))
	readFrame(t, conn)
	require.Equal(t, 1, srv.SessionCount())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return upstreamConn.SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "disconnect must release every upstream subscription")
}

func TestListInstrumentsOverWebsocket(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"list_instruments"}`)))
	frame := readFrame(t, conn)

	assert.Equal(t, "instrument_list", frame["type"])
	assert.Equal(t, []any{"cu2412", "rb2410", "rb2501"}, frame["instruments"])
	assert.Equal(t, 3.0, frame["count"])
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialTestServer(t, ts)
	readFrame(t, conn)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status            string   `json:"status"`
		ActiveConnections int      `json:"active_connections"`
		Connections       []string `json:"connections"`
		Sessions          int      `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.ActiveConnections)
	require.Len(t, body.Connections, 1)
	assert.Contains(t, body.Connections[0], "LOGGED_IN")
	assert.Equal(t, 1, body.Sessions)
}

func TestReadyEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
