package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// FileLogger writes the daemon log. When MaxBytes is set the file is
// rotated to path+".1" once it grows past that size.
// It is safe for concurrent use from multiple goroutines.
type FileLogger struct {
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	mu       sync.Mutex
	closed   bool
}

// NewFileLogger creates a new file logger that writes to the specified path.
// The file is created if it doesn't exist, or appended to if it does.
func NewFileLogger(path string) (*FileLogger, error) {
	return NewRotatingFileLogger(path, 0)
}

// NewRotatingFileLogger is NewFileLogger with rotation at maxBytes.
func NewRotatingFileLogger(path string, maxBytes int64) (*FileLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	var size int64
	if st, err := file.Stat(); err == nil {
		size = st.Size()
	}

	return &FileLogger{
		path:     path,
		file:     file,
		size:     size,
		maxBytes: maxBytes,
	}, nil
}

// Log writes a formatted message to the log file with a timestamp.
func (l *FileLogger) Log(format string, args ...interface{}) {
	l.write("", format, args...)
}

// Warn writes a message tagged WARN.
func (l *FileLogger) Warn(format string, args ...interface{}) {
	l.write("WARN ", format, args...)
}

// Error writes a message tagged ERROR.
func (l *FileLogger) Error(format string, args ...interface{}) {
	l.write("ERROR ", format, args...)
}

func (l *FileLogger) write(prefix, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	line := fmt.Sprintf("%s %s%s\n", timestamp, prefix, fmt.Sprintf(format, args...))
	n, _ := l.file.WriteString(line)
	l.size += int64(n)

	if l.maxBytes > 0 && l.size >= l.maxBytes {
		l.rotate()
	}
}

// rotate must be called with l.mu held.
func (l *FileLogger) rotate() {
	_ = l.file.Close()
	_ = os.Rename(l.path, l.path+".1")
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		l.closed = true
		return
	}
	l.file = file
	l.size = 0
}

// Close closes the log file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	l.closed = true
	return l.file.Close()
}
