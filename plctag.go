// Package plctag is the handle based front door of the library. Tags are
// created from attribute strings such as
//
//	protocol=ab_eip&gateway=10.1.1.5&path=1,0&plc=controllogix&name=Counter&elem_size=4
//
// and addressed by the int32 handle Create returns. All network work
// happens on one background poller; Read and Write with a timeout poll the
// tag status from the caller's goroutine.
package plctag

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srdgame/libplctag-sub000/attr"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/poller"
	"github.com/srdgame/libplctag-sub000/session"
	"github.com/srdgame/libplctag-sub000/status"
	"github.com/srdgame/libplctag-sub000/tag"
)

// Options configure a Library.
type Options struct {
	// Dialer opens gateway connections. nil selects TCP.
	Dialer session.Dialer
	// PollInterval is the poller period.
	PollInterval time.Duration
	// Session carries the timing knobs applied to every new session.
	// Gateway, Path, Family, Connected and Dialer are set per tag.
	Session session.Options
}

type entry struct {
	tag      tag.Tag
	cacheFor time.Duration
	lastRead atomic.Int64 // unix nanoseconds of the last good read
}

// Library owns the session pool, the poller and the handle table.
type Library struct {
	opts    Options
	pool    *session.Pool
	poller  *poller.Poller
	handles handleMap[*entry]

	mu     sync.Mutex
	closed bool
}

// NewLibrary returns a library with its poller running.
func NewLibrary(opts Options) *Library {
	if opts.Dialer == nil {
		opts.Dialer = session.TCPDialer{}
	}
	l := &Library{
		opts:   opts,
		pool:   session.NewPool(),
		poller: poller.New(poller.Options{Interval: opts.PollInterval}),
	}
	l.poller.Start()
	return l
}

var (
	defaultMu  sync.Mutex
	defaultLib *Library
)

func lib() *Library {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLib == nil {
		defaultLib = NewLibrary(Options{})
	}
	return defaultLib
}

// Create builds a tag from an attribute string and returns its handle.
// With a positive timeout the tag's first read is awaited as well.
func (l *Library) Create(attrs string, timeout time.Duration) (int32, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("library shut down: %w", status.ErrAbort)
	}

	a, err := attr.Parse(attrs)
	if err != nil {
		return 0, err
	}
	if a.Has("debug") {
		lvl, err := a.Int("debug", logging.LevelNone)
		if err != nil {
			return 0, err
		}
		logging.SetDebugLevel(lvl)
	}

	name := a.Str("name", "")
	if name == "" {
		return 0, fmt.Errorf("attribute name is required: %w", status.ErrBadParam)
	}

	var t tag.Tag
	if tag.IsSystemName(name) {
		t, err = tag.NewSystem(name)
	} else {
		t, err = l.createLogix(a, name)
	}
	if err != nil {
		return 0, err
	}

	e := &entry{tag: t}
	cacheMs, err := a.Int("read_cache_ms", 0)
	if err != nil {
		t.Release()
		return 0, err
	}
	if cacheMs < 0 {
		t.Release()
		return 0, fmt.Errorf("read_cache_ms %d: %w", cacheMs, status.ErrBadParam)
	}
	e.cacheFor = time.Duration(cacheMs) * time.Millisecond

	id, ok := l.handles.add(e)
	if !ok {
		t.Release()
		return 0, fmt.Errorf("handle table full: %w", status.ErrNoMem)
	}
	logging.DebugLog("plctag", "created tag %d %s", id, name)

	if timeout > 0 {
		if err := l.Read(id, timeout); err != nil {
			l.Destroy(id)
			return 0, err
		}
	}
	return id, nil
}

func (l *Library) createLogix(a attr.Attributes, name string) (*tag.LogixTag, error) {
	proto := strings.ToLower(a.Str("protocol", ""))
	switch proto {
	case "ab_eip", "ab-eip":
	case "":
		return nil, fmt.Errorf("attribute protocol is required: %w", status.ErrBadParam)
	default:
		return nil, fmt.Errorf("protocol %q: %w", proto, status.ErrUnsupported)
	}

	fam, _ := a.First("plc", "cpu")
	family, err := session.ParseFamily(fam)
	if err != nil {
		return nil, err
	}
	connected, err := a.Bool("use_connected_msg", true)
	if err != nil {
		return nil, err
	}
	share, err := a.Bool("share_session", true)
	if err != nil {
		return nil, err
	}

	opts := l.opts.Session
	opts.Gateway = a.Str("gateway", "")
	opts.Path = a.Str("path", "")
	opts.Family = family
	opts.Connected = connected
	opts.Dialer = l.opts.Dialer

	var sess *session.Session
	if share {
		sess, _, err = l.pool.Get(opts)
	} else {
		sess, err = session.New(opts)
	}
	if err != nil {
		return nil, err
	}

	cfg := tag.Config{Name: name, ElemType: a.Str("elem_type", "")}
	if cfg.ElemSize, err = a.Int("elem_size", 0); err == nil {
		cfg.ElemCount, err = a.Int("elem_count", 1)
	}
	if err != nil {
		sess.Release()
		return nil, err
	}
	t, err := tag.NewLogix(sess, cfg)
	if err != nil {
		sess.Release()
		return nil, err
	}

	l.poller.AddSession(sess)
	poller.Watch(l.poller, t)
	return t, nil
}

func (l *Library) lookup(id int32) (*entry, error) {
	e, ok := l.handles.get(id)
	if !ok {
		return nil, fmt.Errorf("tag handle %d: %w", id, status.ErrNotFound)
	}
	return e, nil
}

// Read starts a read. With timeout 0 it returns once the read is armed;
// otherwise it waits for completion and aborts the read on expiry. A read
// inside the read_cache_ms window completes at once from the buffer.
func (l *Library) Read(id int32, timeout time.Duration) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	if e.cacheFor > 0 {
		if last := e.lastRead.Load(); last != 0 && time.Since(time.Unix(0, last)) < e.cacheFor {
			return nil
		}
	}
	if err := e.tag.Read(); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	if err := l.wait(e, timeout); err != nil {
		return err
	}
	e.lastRead.Store(time.Now().UnixNano())
	return nil
}

// Write starts a write of the tag buffer, waiting like Read.
func (l *Library) Write(id int32, timeout time.Duration) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.lastRead.Store(0)
	if err := e.tag.Write(); err != nil {
		return err
	}
	if timeout <= 0 {
		return nil
	}
	return l.wait(e, timeout)
}

func (l *Library) wait(e *entry, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	step := l.poller.Interval()
	for {
		st := e.tag.Status()
		if st != status.Pending {
			if st.IsError() {
				return st
			}
			return nil
		}
		if time.Now().After(deadline) {
			e.tag.Abort()
			logging.DebugLog("plctag", "tag %s timed out after %v", e.tag.Name(), timeout)
			return status.ErrTimeout
		}
		time.Sleep(step)
	}
}

// Status returns the tag status, or ErrNotFound for an unknown handle.
func (l *Library) Status(id int32) status.Code {
	e, err := l.lookup(id)
	if err != nil {
		return status.ErrNotFound
	}
	return e.tag.Status()
}

// Abort cancels the tag's operation in progress.
func (l *Library) Abort(id int32) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	e.tag.Abort()
	return nil
}

// Destroy releases the tag and invalidates its handle.
func (l *Library) Destroy(id int32) error {
	e, ok := l.handles.remove(id)
	if !ok {
		return fmt.Errorf("tag handle %d: %w", id, status.ErrNotFound)
	}
	e.tag.Release()
	logging.DebugLog("plctag", "destroyed tag %d %s", id, e.tag.Name())
	return nil
}

// Size returns the tag buffer size in bytes.
func (l *Library) Size(id int32) (int, error) {
	e, err := l.lookup(id)
	if err != nil {
		return 0, err
	}
	return e.tag.Size(), nil
}

// Tags returns the number of live handles.
func (l *Library) Tags() int {
	return l.handles.size()
}

// Shutdown destroys every tag, gives sessions up to wait to finish their
// close sequence and stops the poller.
func (l *Library) Shutdown(wait time.Duration) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	for _, id := range l.handles.ids() {
		_ = l.Destroy(id)
	}
	deadline := time.Now().Add(wait)
	for l.poller.Stats().Sessions > 0 && time.Now().Before(deadline) {
		time.Sleep(l.poller.Interval())
	}
	l.poller.Stop()
	logging.DebugLog("plctag", "shut down")
}

// Create builds a tag on the default library.
func Create(attrs string, timeout time.Duration) (int32, error) {
	return lib().Create(attrs, timeout)
}

// Read reads a tag on the default library.
func Read(id int32, timeout time.Duration) error { return lib().Read(id, timeout) }

// Write writes a tag on the default library.
func Write(id int32, timeout time.Duration) error { return lib().Write(id, timeout) }

// Status returns a tag status from the default library.
func Status(id int32) status.Code { return lib().Status(id) }

// Abort aborts a tag operation on the default library.
func Abort(id int32) error { return lib().Abort(id) }

// Destroy releases a tag on the default library.
func Destroy(id int32) error { return lib().Destroy(id) }

// Size returns a tag size from the default library.
func Size(id int32) (int, error) { return lib().Size(id) }

// Shutdown tears the default library down. A later call to any function
// starts a fresh one.
func Shutdown() {
	defaultMu.Lock()
	l := defaultLib
	defaultLib = nil
	defaultMu.Unlock()
	if l != nil {
		l.Shutdown(2 * time.Second)
	}
}
