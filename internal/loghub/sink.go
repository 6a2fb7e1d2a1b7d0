package loghub

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fileSink appends cleaned log lines to a process-local file, rotating to
// <path>.<unix-timestamp> once the file exceeds fileRotateBytes.
type fileSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writtenB int64
}

func newFileSink(path string) (*fileSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("loghub: opening sink %s: %w", path, err)
	}
	info, err := f.Stat()
	size := int64(0)
	if err == nil {
		size = info.Size()
	}
	return &fileSink{path: path, file: f, writtenB: size}, nil
}

func (s *fileSink) write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writtenB >= fileRotateBytes {
		s.rotateLocked()
	}

	n, err := fmt.Fprintln(s.file, line)
	if err != nil {
		return
	}
	s.writtenB += int64(n)
}

func (s *fileSink) rotateLocked() {
	_ = s.file.Close()

	rotated := fmt.Sprintf("%s.%d", s.path, time.Now().Unix())
	_ = os.Rename(s.path, rotated)

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	s.file = f
	s.writtenB = 0
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// sweepRotatedFiles deletes rotated log files under h.logsDir older than
// rotatedFileMaxAge, run once at Hub construction.
func (h *Hub) sweepRotatedFiles() {
	entries, err := os.ReadDir(h.logsDir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-rotatedFileMaxAge)
	for _, e := range entries {
		name := e.Name()
		idx := strings.LastIndex(name, ".log.")
		if idx < 0 {
			continue
		}
		tsPart := name[idx+len(".log."):]
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(ts, 0).Before(cutoff) {
			_ = os.Remove(filepath.Join(h.logsDir, name))
		}
	}
}
