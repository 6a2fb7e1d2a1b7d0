package hubbridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const sendBufferSize = 64

// wsConn adapts the bridge's single outbound websocket connection to
// localserver.Conn, so handlers dispatched through the bridge can push
// app_output frames back out the same connection a direct WebSocket
// client would use.
type wsConn struct {
	ws   *websocket.Conn
	outq chan any
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, outq: make(chan any, sendBufferSize), done: make(chan struct{})}
}

// Send implements localserver.Conn.
func (c *wsConn) Send(ctx context.Context, frame any) error {
	return c.send(frame)
}

func (c *wsConn) send(frame any) error {
	select {
	case c.outq <- frame:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) writeLoop() {
	defer c.ws.Close()
	for {
		select {
		case frame, ok := <-c.outq:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
