package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"edgeruntime/internal/logger"
)

// MemoryPubSub is the single-process PubSub every component in this
// runtime actually uses: one edge runtime owns every one of its topics
// (per-app log lines, per-app resource alarms, the vehicle signal cache),
// so there is never a second process to fan events out to over the wire.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	closed      bool
}

// NewMemoryPubSub constructs an empty in-process PubSub.
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subscribers: make(map[string][]chan []byte)}
}

// Subscribe registers ch under topic and arranges for it to be
// unregistered and closed either when cleanup is called or ctx ends,
// whichever comes first.
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, bufferPerSubscriber)

	ps.mu.Lock()
	ps.subscribers[topic] = append(ps.subscribers[topic], ch)
	ps.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { ps.unregister(topic, ch) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return ch, cleanup
}

func (ps *MemoryPubSub) unregister(topic string, ch chan []byte) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	// Close already ran and already closed every channel; closing again
	// here would panic.
	if ps.closed {
		return
	}
	remaining := ps.subscribers[topic]
	for i, c := range remaining {
		if c == ch {
			ps.subscribers[topic] = append(remaining[:i], remaining[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish marshals payload and hands it to every subscriber currently
// registered under topic. A subscriber that hasn't drained its buffer
// gets the message dropped rather than stalling the caller — the Resource
// Monitor's sampling loop, say, must never block on a stuck WebSocket
// client.
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return nil
	}

	for _, ch := range ps.subscribers[topic] {
		select {
		case ch <- data:
		default:
			logger.GetLogger(ctx).Sugar().Warnw("pubsub: subscriber buffer full, dropping event", "topic", topic)
		}
	}
	return nil
}

// Close marks the bus closed and closes every subscriber channel still
// registered, waking any Subscribe caller blocked on a read.
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	for _, chs := range ps.subscribers {
		for _, ch := range chs {
			close(ch)
		}
	}
	ps.subscribers = nil
	return nil
}
