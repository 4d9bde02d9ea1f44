package tui

import (
	"bytes"
	"strings"
	"sync"
)

// LogStore keeps the most recent debug log lines. It is an io.Writer so it
// can back a logging.DebugLogger.
type LogStore struct {
	mu       sync.RWMutex
	lines    []string
	partial  []byte
	maxLines int
	version  uint64
}

// NewLogStore creates a store holding up to maxLines lines.
func NewLogStore(maxLines int) *LogStore {
	return &LogStore{maxLines: max(maxLines, 1)}
}

// Write appends complete lines, keeping an unterminated tail for the next call.
func (s *LogStore) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := append(s.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		s.lines = append(s.lines, strings.TrimRight(string(data[:i]), "\r"))
		data = data[i+1:]
	}
	s.partial = append([]byte(nil), data...)
	if over := len(s.lines) - s.maxLines; over > 0 {
		s.lines = append([]string(nil), s.lines[over:]...)
	}
	s.version++
	return len(p), nil
}

// Lines returns a copy of the stored lines and the store version.
func (s *LogStore) Lines() ([]string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.lines...), s.version
}

// Version changes whenever lines are added or cleared.
func (s *LogStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Clear drops all lines.
func (s *LogStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
	s.partial = nil
	s.version++
}
