package hubbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"edgeruntime/internal/localserver"
)

var upgrader = websocket.Upgrader{}

// newFakeHub starts an httptest server that upgrades to a WebSocket and
// hands the caller the resulting server-side connection over a channel,
// standing in for the fleet hub's own endpoint.
func newFakeHub(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conns <- c
	}))
	return ts, conns
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/"
}

func newTestDispatcher(t *testing.T) *localserver.Dispatcher {
	t.Helper()
	d := localserver.NewDispatcher()
	require.NoError(t, d.Register("ping", "", func(ctx context.Context, reqCtx localserver.RequestContext, id string, raw json.RawMessage) (map[string]any, error) {
		return map[string]any{"timestamp": "now"}, nil
	}))
	return d
}

func TestBridgeSendsRegisterKitOnConnect(t *testing.T) {
	ts, conns := newFakeHub(t)
	defer ts.Close()

	b := New(wsURL(ts.URL), "rt-1", newTestDispatcher(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	var hubConn *websocket.Conn
	select {
	case hubConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge to connect")
	}
	defer hubConn.Close()

	_ = hubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	require.NoError(t, hubConn.ReadJSON(&frame))
	require.Equal(t, "register_kit", frame["type"])
	require.Equal(t, "rt-1", frame["kit_id"])
}

func TestBridgeDispatchesMessageToKitAndWrapsReply(t *testing.T) {
	ts, conns := newFakeHub(t)
	defer ts.Close()

	b := New(wsURL(ts.URL), "rt-1", newTestDispatcher(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	var hubConn *websocket.Conn
	select {
	case hubConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bridge to connect")
	}
	defer hubConn.Close()

	_ = hubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var registerFrame map[string]any
	require.NoError(t, hubConn.ReadJSON(&registerFrame))

	payload, err := json.Marshal(map[string]any{"type": "ping", "id": "42"})
	require.NoError(t, err)
	require.NoError(t, hubConn.WriteJSON(map[string]any{
		"type":         "messageToKit",
		"request_from": "client-abc",
		"payload":      json.RawMessage(payload),
	}))

	_ = hubConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]any
	require.NoError(t, hubConn.ReadJSON(&reply))
	require.Equal(t, "messageToKit-kitReply", reply["type"])
	require.Equal(t, "client-abc", reply["request_from"])

	inner, ok := reply["payload"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ping-response", inner["type"])
	require.Equal(t, "42", inner["id"])
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	d1 := backoffDelay(1)
	require.InDelta(t, float64(backoffInitial), float64(d1), float64(backoffInitial)*jitterFraction+1)

	d5 := backoffDelay(5)
	require.LessOrEqual(t, d5, backoffMax+time.Duration(float64(backoffMax)*jitterFraction))

	d20 := backoffDelay(20)
	require.LessOrEqual(t, d20, backoffMax+time.Duration(float64(backoffMax)*jitterFraction))
}
