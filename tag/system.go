package tag

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/status"
)

// Version is reported by the @version system tag.
const Version = "2.6.0"

// SystemTag answers the library's own "@" tags without touching the
// network: @version (read only, NUL terminated string) and @debug (a 32-bit
// debug level).
type SystemTag struct {
	base
}

// IsSystemName reports whether name addresses a system tag.
func IsSystemName(name string) bool {
	return strings.HasPrefix(name, "@")
}

// NewSystem returns the system tag called name.
func NewSystem(name string) (*SystemTag, error) {
	t := &SystemTag{}
	t.name = strings.ToLower(name)
	switch t.name {
	case "@version":
		t.data = append([]byte(Version), 0)
	case "@debug":
		t.data = make([]byte, 4)
	default:
		return nil, fmt.Errorf("system tag %q: %w", name, status.ErrUnsupported)
	}
	t.setStatus(status.OK)
	return t, nil
}

// Read refreshes the buffer. It completes immediately.
func (t *SystemTag) Read() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(opReading); err != nil {
		return err
	}
	if t.name == "@debug" {
		binary.LittleEndian.PutUint32(t.data, uint32(logging.DebugLevel()))
	}
	t.finish(nil)
	return nil
}

// Write applies the buffer. Only @debug is writable.
func (t *SystemTag) Write() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.name != "@debug" {
		err := fmt.Errorf("system tag %s is read only: %w", t.name, status.ErrNotImplemented)
		t.finish(err)
		return err
	}
	if err := t.begin(opWriting); err != nil {
		return err
	}
	logging.SetDebugLevel(int(int32(binary.LittleEndian.Uint32(t.data))))
	t.finish(nil)
	return nil
}

// Abort has nothing to cancel.
func (t *SystemTag) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finish(nil)
}

// Tick is a no-op; system tags complete synchronously.
func (t *SystemTag) Tick(time.Time) {}

// Release marks the tag released.
func (t *SystemTag) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released = true
}

var _ Tag = (*SystemTag)(nil)
