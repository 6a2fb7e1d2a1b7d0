// Package localserver implements the Local Server (C8): the bidirectional
// JSON-envelope message endpoint first-party clients connect to over
// WebSocket, plus /healthz and /metrics.
package localserver

import "context"

// Conn abstracts the transport a request arrived on, so the same
// Dispatcher serves both directly-attached WebSocket clients and requests
// the Hub Bridge forwards from a remote client.
type Conn interface {
	Send(ctx context.Context, frame any) error
}

// RequestContext carries per-request routing metadata through a Handler.
type RequestContext struct {
	Conn Conn
	// RequestFrom is the opaque hub token threading a remote client's
	// request through the Hub Bridge; empty for directly-attached local
	// clients (spec.md §4.9).
	RequestFrom string
}
