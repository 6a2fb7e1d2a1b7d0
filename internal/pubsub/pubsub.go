// Package pubsub fans out the runtime's internal events — app_status,
// log_line, signal_update, threshold_breach, hub_connection (spec.md
// §4.9-4.11) — from the component that observed them to whatever is
// currently listening: a Local Server WebSocket client's subscription, the
// Log Hub's own ingest path, or a Signal Gateway cache invalidation.
package pubsub

import "context"

// bufferPerSubscriber bounds how many unconsumed messages a single
// subscriber channel holds before Publish starts dropping for it. A slow
// or stalled WebSocket client must never back-pressure the component that
// published the event.
const bufferPerSubscriber = 100

// PubSub is the narrow fan-out surface every event producer and consumer
// in this runtime depends on, so Log Hub/Signal Gateway/Resource Monitor
// never need to know whether delivery happens over Go channels or a wire
// protocol.
type PubSub interface {
	// Publish marshals payload to JSON and delivers it to every current
	// subscriber of topic. A subscriber whose buffer is full is skipped
	// rather than blocking the publisher.
	Publish(ctx context.Context, topic string, payload interface{}) error

	// Subscribe registers interest in topic and returns a channel of raw
	// JSON message bodies plus a cleanup func. Cleanup is safe to call more
	// than once and is also triggered automatically when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func())

	// Close tears down every live subscription and releases the
	// implementation's resources.
	Close() error
}
