// Package loghub implements the Log Hub (C2): bounded ring buffers per app,
// rotating file sinks, and pub/sub fan-out to subscribers. A subscriber
// whose buffer is full does not receive the new line; lines already queued
// for it are kept, and no "lines dropped" marker is sent.
package loghub

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"edgeruntime/internal/enum"
	"edgeruntime/internal/model"
	"edgeruntime/internal/pubsub"
)

const (
	ringCapacity       = 1000
	subscriberBuffer   = 256
	fileRotateBytes    = 16 * 1024 * 1024
	rotatedFileMaxAge  = 7 * 24 * time.Hour
	idleFlushInterval  = 100 * time.Millisecond
)

// Hub fans out log lines captured from running app containers to
// subscribers, keeps a bounded in-memory ring per app, and persists to a
// rotating file sink under logsDir.
type Hub struct {
	mu      sync.Mutex
	logsDir string
	ps      pubsub.PubSub
	rings   map[string]*ring
	sinks   map[string]*fileSink
	accs    map[string]*lineAccumulator
}

// New creates a Log Hub writing rotated files under logsDir and fanning out
// log_line events over ps.
func New(logsDir string, ps pubsub.PubSub) (*Hub, error) {
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("loghub: creating logs dir: %w", err)
	}

	h := &Hub{
		logsDir: logsDir,
		ps:      ps,
		rings:   make(map[string]*ring),
		sinks:   make(map[string]*fileSink),
		accs:    make(map[string]*lineAccumulator),
	}

	h.sweepRotatedFiles()
	return h, nil
}

// Attach begins streaming r (a container's combined stdout/stderr, or a
// dedicated stream) into the hub for appID/stream, splitting on newlines
// and flushing a trailing partial line after idleFlushInterval of silence.
// Attach blocks until r is exhausted or ctx is cancelled; callers should run
// it in its own goroutine.
func (h *Hub) Attach(ctx context.Context, appID string, stream enum.StreamKind, r io.Reader) error {
	acc := h.accumulatorFor(appID, stream)

	reader := bufio.NewReader(r)
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			acc.flush()
		case <-done:
		}
	}()

	for {
		line, err := reader.ReadString('\n')
		switch {
		case err == nil:
			acc.resetIdleTimer()
			h.ingest(appID, stream, line)
		case err == io.EOF:
			if line != "" {
				acc.feed(line)
			}
			return nil
		default:
			return err
		}
	}
}

func (h *Hub) accumulatorFor(appID string, stream enum.StreamKind) *lineAccumulator {
	key := appID + ":" + string(stream)
	h.mu.Lock()
	defer h.mu.Unlock()
	acc, ok := h.accs[key]
	if !ok {
		acc = newLineAccumulator(idleFlushInterval, func(line string) {
			h.ingest(appID, stream, line)
		})
		h.accs[key] = acc
	}
	return acc
}

// ingest cleans a single captured line and writes it to the ring, file
// sink, and pub/sub fan-out.
func (h *Hub) ingest(appID string, stream enum.StreamKind, raw string) {
	clean := stripansi.Strip(trimNewline(raw))
	if clean == "" {
		return
	}

	line := model.LogLine{
		AppID:     appID,
		Stream:    stream,
		Line:      clean,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	r := h.ringFor(appID)
	sink := h.sinkFor(appID)
	h.mu.Unlock()

	r.push(line)
	if sink != nil {
		sink.write(clean)
	}

	if h.ps != nil {
		_ = h.ps.Publish(context.Background(), "loghub."+appID, pubsub.LogLineEvent{
			Type:      pubsub.EventTypeLogLine,
			AppID:     appID,
			Stream:    string(stream),
			Content:   clean,
			Timestamp: line.Timestamp,
		})
	}
}

// Subscribe returns a channel of raw log_line JSON payloads for appID and a
// cleanup function, delegating to the underlying PubSub transport.
func (h *Hub) Subscribe(ctx context.Context, appID string) (<-chan []byte, func()) {
	return h.ps.Subscribe(ctx, "loghub."+appID)
}

// Tail returns up to n most recent lines retained in the in-memory ring for
// appID, oldest first.
func (h *Hub) Tail(appID string, n int) []model.LogLine {
	h.mu.Lock()
	r := h.rings[appID]
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.tail(n)
}

func (h *Hub) ringFor(appID string) *ring {
	r, ok := h.rings[appID]
	if !ok {
		r = newRing(ringCapacity)
		h.rings[appID] = r
	}
	return r
}

func (h *Hub) sinkFor(appID string) *fileSink {
	s, ok := h.sinks[appID]
	if ok {
		return s
	}
	s, err := newFileSink(filepath.Join(h.logsDir, appID+".log"))
	if err != nil {
		return nil
	}
	h.sinks[appID] = s
	return s
}

// Close flushes accumulators and closes every open file sink.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, acc := range h.accs {
		acc.flush()
		acc.stop()
	}
	var firstErr error
	for _, s := range h.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
