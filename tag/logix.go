package tag

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/session"
	"github.com/srdgame/libplctag-sub000/status"
)

// maximum elements a single Read/Write Tag service can address
const maxElemCount = 0xFFFF

// Config describes a Logix tag.
type Config struct {
	Name      string
	ElemSize  int
	ElemCount int
	// ElemType primes the type descriptor ("DINT", "REAL", ...) so the tag
	// can be written before it is read.
	ElemType string
}

// LogixTag reads and writes one Logix tag through a session. The type
// descriptor returned by the first read is cached and used for writes.
type LogixTag struct {
	base

	sess      *session.Session
	ref       *sessionRef
	ioi       []byte
	elemSize  int
	elemCount int
	desc      []byte

	offset  int
	req     *session.Request
	service byte
	plan    logix.WritePlan
	sent    int // payload bytes in the write fragment in flight
}

// sessionRef drops a session reference once, from Release or from the
// cleanup that runs when an unreleased tag is collected.
type sessionRef struct {
	once sync.Once
	sess *session.Session
}

func (r *sessionRef) release() {
	r.once.Do(r.sess.Release)
}

// NewLogix validates cfg and returns an idle tag bound to sess. The tag
// takes over the caller's reference to sess and drops it in Release, or
// when the tag is garbage collected without being released.
func NewLogix(sess *session.Session, cfg Config) (*LogixTag, error) {
	if sess == nil {
		return nil, fmt.Errorf("tag %s: no session: %w", cfg.Name, status.ErrBadParam)
	}
	ioi, err := cip.EncodeTagName(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("tag name %q: %w", cfg.Name, err)
	}

	var desc []byte
	size := cfg.ElemSize
	if cfg.ElemType != "" {
		code, ok := logix.TypeCodeFromName(cfg.ElemType)
		if !ok {
			return nil, fmt.Errorf("elem_type %q: %w", cfg.ElemType, status.ErrUnsupported)
		}
		desc = logix.AtomicDescriptor(code)
		if size == 0 {
			size = logix.TypeSize(code)
		}
	}
	if size <= 0 {
		return nil, fmt.Errorf("tag %s: elem_size or elem_type is required: %w", cfg.Name, status.ErrBadParam)
	}

	count := cfg.ElemCount
	if count == 0 {
		count = 1
	}
	if count < 0 || count > maxElemCount {
		return nil, fmt.Errorf("tag %s: elem_count %d out of range: %w", cfg.Name, count, status.ErrBadParam)
	}

	ref := &sessionRef{sess: sess}
	t := &LogixTag{
		sess:      sess,
		ref:       ref,
		ioi:       ioi,
		elemSize:  size,
		elemCount: count,
		desc:      desc,
	}
	t.name = cfg.Name
	t.data = make([]byte, size*count)
	t.setStatus(status.OK)
	runtime.AddCleanup(t, (*sessionRef).release, ref)
	return t, nil
}

// Session returns the session the tag uses.
func (t *LogixTag) Session() *session.Session {
	return t.sess
}

// ElemSize returns the size of one element in bytes.
func (t *LogixTag) ElemSize() int {
	return t.elemSize
}

// ElemCount returns the number of elements.
func (t *LogixTag) ElemCount() int {
	return t.elemCount
}

// Descriptor returns a copy of the cached type descriptor, or nil.
func (t *LogixTag) Descriptor() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.desc...)
}

// Read arms a read of the whole tag.
func (t *LogixTag) Read() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.begin(opReading); err != nil {
		return err
	}
	t.offset = 0
	logging.DebugLog("tag", "%s: read armed", t.name)
	return nil
}

// Write arms a write of the buffer. Without a cached type descriptor the
// write fails at once with ErrUnsupported and the buffer is untouched.
func (t *LogixTag) Write() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.released {
		return fmt.Errorf("tag %s released: %w", t.name, status.ErrAbort)
	}
	if t.op != opIdle {
		return fmt.Errorf("tag %s is %s: %w", t.name, t.op, status.ErrBusy)
	}
	if len(t.desc) == 0 {
		err := fmt.Errorf("tag %s: type unknown until first read: %w", t.name, status.ErrUnsupported)
		t.finish(err)
		return err
	}
	plan, err := logix.PlanWrite(len(t.data), t.sess.MaxRequestSize(), len(t.ioi), len(t.desc))
	if err != nil {
		t.finish(err)
		return err
	}

	if err := t.begin(opWriting); err != nil {
		return err
	}
	t.plan = plan
	t.offset = 0
	logging.DebugLog("tag", "%s: write armed, %d bytes in %d request(s)", t.name, len(t.data), plan.Fragments(len(t.data)))
	return nil
}

// Abort cancels the operation in progress and leaves the tag idle with
// status OK. It is safe to call at any time.
func (t *LogixTag) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortLocked()
}

func (t *LogixTag) abortLocked() {
	if t.req != nil {
		t.req.Abort()
		t.req = nil
	}
	if t.op != opIdle {
		logging.DebugLog("tag", "%s: %s aborted at offset %d", t.name, t.op, t.offset)
	}
	t.finish(nil)
}

// Release aborts any operation and drops the session reference.
func (t *LogixTag) Release() {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.abortLocked()
	t.released = true
	t.mu.Unlock()

	t.ref.release()
}

// Tick submits the next fragment or consumes a completed one.
func (t *LogixTag) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.op == opIdle {
		return
	}
	if t.req != nil {
		if !t.req.Done() {
			return
		}
		raw, err := t.req.Result()
		t.req = nil
		if err != nil {
			t.finish(err)
			return
		}
		var done bool
		if t.op == opReading {
			done, err = t.readReply(raw)
		} else {
			done, err = t.writeReply(raw)
		}
		if err != nil || done {
			t.finish(err)
			return
		}
	}

	var payload []byte
	if t.op == opReading {
		payload = logix.BuildRead(t.ioi, uint16(t.elemCount), uint32(t.offset))
	} else {
		payload = t.nextWrite()
	}
	req, err := t.sess.Submit(payload)
	if err != nil {
		t.finish(err)
		return
	}
	t.req = req
	t.service = logix.RequestService(payload)
}

// readReply stores one read fragment. The descriptor is taken from the
// first fragment of every read.
func (t *LogixTag) readReply(raw []byte) (bool, error) {
	descLen := 0
	if t.offset > 0 {
		descLen = len(t.desc)
	}
	rr, err := logix.ParseReadReply(raw, t.service, descLen)
	if err != nil {
		return false, err
	}
	if t.offset == 0 {
		t.desc = append(t.desc[:0], rr.Descriptor...)
	}

	next, done, err := logix.CopyFragment(t.data, t.offset, rr)
	if err != nil {
		return false, err
	}
	t.offset = next
	return done, nil
}

func (t *LogixTag) nextWrite() []byte {
	count := uint16(t.elemCount)
	if t.plan.Whole {
		t.sent = len(t.data)
		return logix.BuildWrite(t.ioi, t.desc, count, 0, t.data, false)
	}
	end := min(t.offset+t.plan.Chunk, len(t.data))
	t.sent = end - t.offset
	return logix.BuildWrite(t.ioi, t.desc, count, uint32(t.offset), t.data[t.offset:end], true)
}

func (t *LogixTag) writeReply(raw []byte) (bool, error) {
	if err := logix.ParseWriteReply(raw, t.service); err != nil {
		return false, err
	}
	t.offset += t.sent
	return t.offset >= len(t.data), nil
}

var _ Tag = (*LogixTag)(nil)
