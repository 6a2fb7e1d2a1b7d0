// Package hubbridge implements the Hub Bridge (C9): a persistent outbound
// WebSocket client connecting this runtime to the fleet hub, forwarding
// remote-client requests into the Local Server's Dispatcher and streaming
// responses (including app_output pushes) back out wrapped for hub
// routing. The bridge never interprets application semantics beyond
// framing (spec.md §4.9).
package hubbridge

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"edgeruntime/internal/localserver"
	"edgeruntime/internal/logger"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// messageToKit is the envelope the hub forwards a remote client's request
// in; requestFrom threads the reply back to the right remote client.
type messageToKit struct {
	Type        string          `json:"type"`
	RequestFrom string          `json:"request_from"`
	Payload     json.RawMessage `json:"payload"`
}

// Bridge maintains the outbound hub connection and dispatches inbound
// messageToKit frames through disp.
type Bridge struct {
	hubURL    string
	runtimeID string
	disp      *localserver.Dispatcher

	mu   sync.Mutex
	conn *wsConn
}

// New constructs a Bridge that will dial hubURL and dispatch requests
// through disp, identifying itself as runtimeID in register_kit frames.
func New(hubURL, runtimeID string, disp *localserver.Dispatcher) *Bridge {
	return &Bridge{hubURL: hubURL, runtimeID: runtimeID, disp: disp}
}

// Run dials the hub and keeps the connection alive with a jittered
// exponential backoff reconnect loop until ctx is done. On every connect
// it sends register_kit and re-enters the read loop.
func (b *Bridge) Run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, b.hubURL, nil)
		if err != nil {
			attempt++
			delay := backoffDelay(attempt)
			logger.GetLogger(ctx).Sugar().Warnw("hubbridge: dial failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		attempt = 0

		conn := newWSConn(ws)
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		go conn.writeLoop()
		if err := conn.send(registerKitFrame(b.runtimeID)); err != nil {
			logger.GetLogger(ctx).Sugar().Warnw("hubbridge: sending register_kit failed", "error", err)
		}

		b.readLoop(ctx, conn)

		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		conn.close()

		if ctx.Err() != nil {
			return
		}
	}
}

func registerKitFrame(runtimeID string) map[string]any {
	return map[string]any{"type": "register_kit", "kit_id": runtimeID}
}

// readLoop reads inbound frames until the connection breaks, unwrapping
// every messageToKit frame and dispatching its payload through disp.
func (b *Bridge) readLoop(ctx context.Context, conn *wsConn) {
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame messageToKit
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type != "messageToKit" {
			continue
		}

		reqCtx := localserver.RequestContext{Conn: conn, RequestFrom: frame.RequestFrom}
		resp, ok := b.disp.Dispatch(ctx, reqCtx, frame.Payload)
		if !ok {
			continue
		}
		_ = conn.send(wrapKitReply(frame.RequestFrom, resp))
	}
}

// wrapKitReply wraps a dispatcher response (or a pushed app_output frame)
// for hub routing back to the remote client that originated request_from.
func wrapKitReply(requestFrom string, payload map[string]any) map[string]any {
	return map[string]any{
		"type":         "messageToKit-kitReply",
		"request_from": requestFrom,
		"payload":      payload,
	}
}

func backoffDelay(attempt int) time.Duration {
	d := float64(backoffInitial)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= float64(backoffMax) {
			d = float64(backoffMax)
			break
		}
	}
	jitter := d * jitterFraction * (rand.Float64()*2 - 1)
	delay := time.Duration(d + jitter)
	if delay < 0 {
		delay = backoffInitial
	}
	return delay
}
