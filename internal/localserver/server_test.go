package localserver

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestServerWebSocketPingRoundTrip(t *testing.T) {
	deps := newTestDeps(t)
	srv, err := New(deps)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "id": "1"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	require.Equal(t, "ping-response", resp["type"])
	require.Equal(t, "1", resp["id"])
}

func TestServerHealthzReportsOK(t *testing.T) {
	deps := newTestDeps(t)
	srv, err := New(deps)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}
