package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Debug levels, matching the numbering of the debug tag attribute.
const (
	LevelNone   = 0
	LevelError  = 1
	LevelWarn   = 2
	LevelInfo   = 3
	LevelDetail = 4 // adds TX/RX hex dumps
	LevelSpew   = 5
)

// DebugLogger provides verbose debug logging with hex dump capability.
// It is intended for troubleshooting protocol-level issues such as
// registration failures, dropped connections and unmatched replies.
type DebugLogger struct {
	out     io.Writer
	closer  io.Closer
	mu      sync.Mutex
	closed  bool
	filters map[string]bool // Protocol filters (empty = log all)
}

// Global debug logger instance
var globalDebugLogger *DebugLogger
var globalDebugMu sync.RWMutex

var debugLevel atomic.Int32

func init() {
	debugLevel.Store(LevelDetail)
}

// Known protocol names for filtering
var knownProtocols = []string{
	"eip",
	"cip",
	"session",
	"tag",
	"poller",
	"plctag",
	"plcman",
	"mqtt",
	"kafka",
	"valkey",
	"api",
	"tui",
	"debug",
}

// related protocols pulled in by a filter entry
var filterImplies = map[string][]string{
	"session": {"eip"},
	"tag":     {"session", "eip"},
	"plctag":  {"tag"},
	"eip":     {"cip"},
}

// NewDebugLogger creates a new debug logger that writes to the specified path.
// The file is created fresh (truncated if it exists) for each run.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	logger := NewDebugWriter(file)
	logger.closer = file
	return logger, nil
}

// NewDebugWriter creates a debug logger on w. Closing the logger does not
// close w.
func NewDebugWriter(w io.Writer) *DebugLogger {
	logger := &DebugLogger{
		out:     w,
		filters: make(map[string]bool),
	}

	// Write header
	logger.Log("DEBUG", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	logger.Log("DEBUG", "========================================")

	return logger
}

// KnownProtocols returns the protocol names accepted by SetFilter.
func KnownProtocols() []string {
	return append([]string(nil), knownProtocols...)
}

// SetFilter sets the protocol filter for logging.
// The filter can be a single protocol or comma-separated list.
// Empty string means log all protocols.
// Protocols are matched case-insensitively.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)

	if filter == "" {
		return // Empty filter = log all
	}

	for _, p := range strings.Split(filter, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		for _, rel := range filterImplies[p] {
			l.filters[rel] = true
		}
	}

	if len(l.filters) > 0 {
		filterList := make([]string, 0, len(l.filters))
		for p := range l.filters {
			filterList = append(filterList, p)
		}
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.out, "%s [DEBUG] Filtering enabled for protocols: %s\n",
			timestamp, strings.Join(filterList, ", "))
	}
}

// shouldLog returns true if the protocol should be logged based on current filter.
// Must be called with l.mu held.
func (l *DebugLogger) shouldLog(protocol string) bool {
	if len(l.filters) == 0 {
		return true
	}

	protocolLower := strings.ToLower(protocol)
	if l.filters[protocolLower] {
		return true
	}

	// Always allow DEBUG messages (for header/footer)
	return protocolLower == "debug"
}

// SetGlobalDebugLogger sets the global debug logger instance.
func SetGlobalDebugLogger(logger *DebugLogger) {
	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	globalDebugLogger = logger
}

// GetGlobalDebugLogger returns the global debug logger instance.
func GetGlobalDebugLogger() *DebugLogger {
	globalDebugMu.RLock()
	defer globalDebugMu.RUnlock()
	return globalDebugLogger
}

// SetDebugLevel changes the global level. A positive level with no global
// logger installs one on stderr; LevelNone removes it.
func SetDebugLevel(level int) {
	if level < LevelNone {
		level = LevelNone
	}
	if level > LevelSpew {
		level = LevelSpew
	}
	debugLevel.Store(int32(level))

	globalDebugMu.Lock()
	defer globalDebugMu.Unlock()
	switch {
	case level == LevelNone && globalDebugLogger != nil:
		_ = globalDebugLogger.Close()
		globalDebugLogger = nil
	case level > LevelNone && globalDebugLogger == nil:
		globalDebugLogger = NewDebugWriter(os.Stderr)
	}
}

// DebugLevel returns the global level.
func DebugLevel() int {
	return int(debugLevel.Load())
}

func enabled(level int) *DebugLogger {
	if int(debugLevel.Load()) < level {
		return nil
	}
	return GetGlobalDebugLogger()
}

// Log writes a formatted message with timestamp and protocol prefix.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.out, "%s [%s] %s\n", timestamp, protocol, msg)
}

// LogTX logs a transmitted packet with hex dump.
func (l *DebugLogger) LogTX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "TX", data)
}

// LogRX logs a received packet with hex dump.
func (l *DebugLogger) LogRX(protocol string, data []byte) {
	if l == nil {
		return
	}
	l.logPacket(protocol, "RX", data)
}

// logPacket logs a packet with direction and hex dump.
func (l *DebugLogger) logPacket(protocol, direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || !l.shouldLog(protocol) {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.out, "%s [%s] %s (%d bytes):\n", timestamp, protocol, direction, len(data))
	fmt.Fprintf(l.out, "%s\n", hexDump(data))
}

// LogConnect logs a connection event.
func (l *DebugLogger) LogConnect(protocol, address string) {
	l.Log(protocol, "CONNECT to %s", address)
}

// LogConnectSuccess logs a successful connection.
func (l *DebugLogger) LogConnectSuccess(protocol, address, details string) {
	l.Log(protocol, "CONNECTED to %s - %s", address, details)
}

// LogConnectError logs a connection failure.
func (l *DebugLogger) LogConnectError(protocol, address string, err error) {
	l.Log(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// LogDisconnect logs a disconnection event.
func (l *DebugLogger) LogDisconnect(protocol, address, reason string) {
	l.Log(protocol, "DISCONNECT from %s: %s", address, reason)
}

// LogError logs an error with context.
func (l *DebugLogger) LogError(protocol, context string, err error) {
	l.Log(protocol, "ERROR in %s: %v", context, err)
}

// Close writes the footer and closes the underlying file, if any.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(l.out, "%s [DEBUG] Debug logging ended\n", timestamp)

	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// hexDump returns a hex dump of the data in a readable format.
// Format: offset: hex bytes   ASCII
// Example:
//
//	0000: 65 00 04 00 00 00 00 00  00 00 00 00 00 00 00 00  e...............
//	0010: 00 00 00 00 01 00 00 00                          ........
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}

	var sb strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		fmt.Fprintf(&sb, "    %04X: ", offset)

		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteString(" ")
			}
			if offset+i < len(data) {
				fmt.Fprintf(&sb, "%02X ", data[offset+i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteString(" ")

		for i := 0; i < 16 && offset+i < len(data); i++ {
			if b := data[offset+i]; b >= 32 && b < 127 {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("\n")
	}

	return strings.TrimSuffix(sb.String(), "\n")
}

// Global debug logging functions for use by protocol packages

// DebugLog logs a message if debug logging is enabled.
func DebugLog(protocol, format string, args ...interface{}) {
	if logger := enabled(LevelInfo); logger != nil {
		logger.Log(protocol, format, args...)
	}
}

// DebugTX logs transmitted data at LevelDetail.
func DebugTX(protocol string, data []byte) {
	if logger := enabled(LevelDetail); logger != nil {
		logger.LogTX(protocol, data)
	}
}

// DebugRX logs received data at LevelDetail.
func DebugRX(protocol string, data []byte) {
	if logger := enabled(LevelDetail); logger != nil {
		logger.LogRX(protocol, data)
	}
}

// DebugConnect logs a connection attempt if debug logging is enabled.
func DebugConnect(protocol, address string) {
	if logger := enabled(LevelInfo); logger != nil {
		logger.LogConnect(protocol, address)
	}
}

// DebugConnectSuccess logs a successful connection if debug logging is enabled.
func DebugConnectSuccess(protocol, address, details string) {
	if logger := enabled(LevelInfo); logger != nil {
		logger.LogConnectSuccess(protocol, address, details)
	}
}

// DebugConnectError logs a connection error at LevelWarn.
func DebugConnectError(protocol, address string, err error) {
	if logger := enabled(LevelWarn); logger != nil {
		logger.LogConnectError(protocol, address, err)
	}
}

// DebugDisconnect logs a disconnection at LevelWarn.
func DebugDisconnect(protocol, address, reason string) {
	if logger := enabled(LevelWarn); logger != nil {
		logger.LogDisconnect(protocol, address, reason)
	}
}

// DebugError logs an error at LevelError.
func DebugError(protocol, context string, err error) {
	if logger := enabled(LevelError); logger != nil {
		logger.LogError(protocol, context, err)
	}
}
