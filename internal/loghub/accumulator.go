package loghub

import (
	"sync"
	"time"
)

// lineAccumulator buffers a partial line (text read with no trailing
// newline yet) and flushes it once idle for the configured duration, so a
// process that writes without flushing a trailing newline still surfaces
// output promptly instead of waiting indefinitely for the next newline.
type lineAccumulator struct {
	mu      sync.Mutex
	timer   *time.Timer
	idle    time.Duration
	pending string
	emit    func(string)
	stopped bool
}

func newLineAccumulator(idle time.Duration, emit func(string)) *lineAccumulator {
	a := &lineAccumulator{idle: idle, emit: emit}
	a.timer = time.AfterFunc(idle, a.flush)
	a.timer.Stop()
	return a
}

// feed appends a chunk of text that was not terminated by a newline and
// (re)arms the idle timer.
func (a *lineAccumulator) feed(chunk string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.pending += chunk
	a.timer.Reset(a.idle)
}

// resetIdleTimer re-arms the idle timer without adding to the pending
// buffer, used after a complete line has already been emitted directly.
func (a *lineAccumulator) resetIdleTimer() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.timer.Reset(a.idle)
}

func (a *lineAccumulator) flush() {
	a.mu.Lock()
	pending := a.pending
	a.pending = ""
	a.mu.Unlock()

	if pending != "" {
		a.emit(pending)
	}
}

func (a *lineAccumulator) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	a.timer.Stop()
}
