package localserver

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"edgeruntime/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	sendBufferSize = 64
)

// wsConn adapts a gorilla websocket connection to the Conn interface,
// serializing concurrent writes through a single writer goroutine.
type wsConn struct {
	ws   *websocket.Conn
	send chan any
	done chan struct{}
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws, send: make(chan any, sendBufferSize), done: make(chan struct{})}
}

func (c *wsConn) Send(ctx context.Context, frame any) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop owns the websocket's write side: every outbound frame and the
// periodic keep-alive ping pass through here.
func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop owns the websocket's read side, feeding every inbound frame
// through the Dispatcher. A frame that fails to parse as JSON is dropped
// silently; the connection stays open (spec.md §4.8).
func (c *wsConn) readLoop(ctx context.Context, d *Dispatcher, requestFrom string) {
	defer close(c.done)

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	reqCtx := RequestContext{Conn: c, RequestFrom: requestFrom}
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		resp, ok := d.Dispatch(ctx, reqCtx, raw)
		if !ok {
			logger.GetLogger(ctx).Sugar().Debugw("localserver: dropping unparsable frame", "raw", string(raw))
			continue
		}
		select {
		case c.send <- resp:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) close() {
	select {
	case <-c.done:
	default:
		close(c.send)
	}
}
