// Package poller drives every session and tag from one loop. Each step
// ticks the sessions first (socket I/O, matching, retries) and then the
// tags, so a tag sees its completed request in the same step.
//
// Sessions are held strongly until they reach a terminal state so a
// released session can finish its close sequence. Tags are held weakly and
// drop out of the loop once collected or released.
package poller

import (
	"context"
	"sync"
	"time"
	"weak"

	"github.com/srdgame/libplctag-sub000/logging"
)

// DefaultInterval is the loop period.
const DefaultInterval = time.Millisecond

// Session is what the poller needs from a session.
type Session interface {
	Key() string
	Tick(now time.Time)
	Terminal() bool
}

// Tickable is what the poller needs from a tag.
type Tickable interface {
	Tick(now time.Time)
	Released() bool
}

// Options configure a Poller.
type Options struct {
	Interval time.Duration
}

// Stats is a snapshot of the poller's registry and work counters.
type Stats struct {
	Sessions int
	Tags     int
	Steps    uint64
	LastStep time.Time
}

type tagEntry struct {
	// tick runs the tag if it is still alive and reports whether it is
	tick func(now time.Time) bool
}

// Poller is a cooperative single-loop scheduler.
type Poller struct {
	interval time.Duration

	mu       sync.Mutex
	sessions []Session
	tags     []tagEntry
	steps    uint64
	lastStep time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a stopped poller.
func New(opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Poller{interval: opts.Interval}
}

// Interval returns the loop period.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// AddSession registers s. Adding a session twice is a no-op.
func (p *Poller) AddSession(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, have := range p.sessions {
		if have == s {
			return
		}
	}
	p.sessions = append(p.sessions, s)
	logging.DebugLog("poller", "session %s added", s.Key())
}

// Watch registers t weakly. The poller never keeps t alive; once t is
// collected or released it is dropped from the loop.
func Watch[T any, PT interface {
	*T
	Tickable
}](p *Poller, t PT) {
	wp := weak.Make((*T)(t))
	e := tagEntry{tick: func(now time.Time) bool {
		v := wp.Value()
		if v == nil {
			return false
		}
		pt := PT(v)
		if pt.Released() {
			return false
		}
		pt.Tick(now)
		return true
	}}

	p.mu.Lock()
	p.tags = append(p.tags, e)
	p.mu.Unlock()
}

// Step runs one pass at now. Terminal sessions and dead tags are removed.
// Step must not run concurrently with itself; use either Start or manual
// steps.
func (p *Poller) Step(now time.Time) {
	p.mu.Lock()
	sessions := append([]Session(nil), p.sessions...)
	p.mu.Unlock()

	var done []Session
	for _, s := range sessions {
		s.Tick(now)
		if s.Terminal() {
			done = append(done, s)
		}
	}

	p.mu.Lock()
	tags := append([]tagEntry(nil), p.tags...)
	p.mu.Unlock()

	// tags are ticked without the poller lock; a tag may be watched
	// concurrently and lands in the next step
	alive := tags[:0]
	for _, e := range tags {
		if e.tick(now) {
			alive = append(alive, e)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(done) > 0 {
		p.sessions = removeSessions(p.sessions, done)
	}
	p.tags = append(alive, p.tags[len(tags):]...)
	p.steps++
	p.lastStep = now
}

func removeSessions(all, done []Session) []Session {
	out := all[:0]
	for _, s := range all {
		drop := false
		for _, d := range done {
			if s == d {
				drop = true
				break
			}
		}
		if drop {
			logging.DebugLog("poller", "session %s finished", s.Key())
			continue
		}
		out = append(out, s)
	}
	for i := len(out); i < len(all); i++ {
		all[i] = nil
	}
	return out
}

// Stats returns current counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Sessions: len(p.sessions),
		Tags:     len(p.tags),
		Steps:    p.steps,
		LastStep: p.lastStep,
	}
}

// Start runs Step every interval on a background goroutine.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.ctx != nil {
		p.mu.Unlock()
		return // already running
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	ctx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
	logging.DebugLog("poller", "started, interval %v", p.interval)
}

// Stop halts the loop and waits for it to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.ctx = nil
	p.cancel = nil
	p.mu.Unlock()
}

// Running reports whether the loop goroutine is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx != nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.Step(now)
		}
	}
}
