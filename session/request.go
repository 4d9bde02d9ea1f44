package session

import (
	"sync/atomic"
	"time"
)

type reqState int

const (
	reqQueued reqState = iota
	reqSending
	reqAwaiting
)

// Request is one CIP message exchanged through a Session. The session owns
// it while it is queued; the submitter reads the result once Done reports
// true.
type Request struct {
	payload  []byte
	control  bool // connection manager traffic, never routed or connected
	noResend bool

	// guarded by the session lock
	state     reqState
	budget    int
	timeSent  time.Time // latest transmission
	firstSent time.Time // round trips are measured from here
	packet    []byte
	connected bool
	context   uint64
	sequence  uint16

	aborted atomic.Bool
	done    atomic.Bool
	resp    []byte
	err     error
}

// Service returns the CIP service of the payload.
func (r *Request) Service() byte {
	if len(r.payload) == 0 {
		return 0
	}
	return r.payload[0]
}

// Abort flags the request. The session drops it on its next tick and
// discards any reply that arrives later.
func (r *Request) Abort() {
	r.aborted.Store(true)
}

// Aborted reports whether Abort was called.
func (r *Request) Aborted() bool {
	return r.aborted.Load()
}

// Done reports whether the request has completed.
func (r *Request) Done() bool {
	return r.done.Load()
}

// Result returns the CIP reply or the error the request ended with. It is
// only meaningful after Done returns true.
func (r *Request) Result() ([]byte, error) {
	if !r.done.Load() {
		return nil, nil
	}
	return r.resp, r.err
}

// complete publishes the outcome. The first call wins.
func (r *Request) complete(resp []byte, err error) {
	if r.done.Load() {
		return
	}
	r.resp, r.err = resp, err
	r.done.Store(true)
}

// reset returns the request to the queue for framing on a new transport.
func (r *Request) reset(budget int) {
	r.state = reqQueued
	r.packet = nil
	r.budget = budget
	r.timeSent = time.Time{}
	r.firstSent = time.Time{}
}
