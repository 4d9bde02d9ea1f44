// Package session manages EtherNet/IP sessions to a gateway: TCP lifecycle,
// session registration, the optional CIP connection, and the request queue
// with round-trip adaptive retries.
//
// A Session does no I/O on its own. The poller calls Tick, which drains
// the socket, matches replies, retries, and progresses at most one send.
// Connect and RegisterSession run on a private goroutine since they block.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/eip"
	"github.com/srdgame/libplctag-sub000/logging"
	"github.com/srdgame/libplctag-sub000/status"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateStart State = iota
	StateOpenSocket
	StateRegister
	StateOpenConnection
	StateProcess
	StateRetryWait
	StateCloseConnection
	StateCloseSession
	StateTerminated
	StateFailed
)

var stateNames = [...]string{
	StateStart:           "start",
	StateOpenSocket:      "open_socket",
	StateRegister:        "register_session",
	StateOpenConnection:  "open_connection",
	StateProcess:         "process_requests",
	StateRetryWait:       "retry_wait",
	StateCloseConnection: "close_connection",
	StateCloseSession:    "close_session",
	StateTerminated:      "terminated",
	StateFailed:          "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// maximum CIP message carried by an unconnected SendRRData
const unconnectedMessageSize = int(cip.ConnSizeStandard)

// Unconnected Send wrapper around a routed message: service, path size,
// connection manager path, tick/timeout, length, pad, route size, reserved
const unconnectedSendOverhead = 2 + 4 + 4 + 1 + 2

// connected data items carry the 2 byte sequence count inside the
// connection size
const connectedOverhead = 2

// reads per tick before yielding to other sessions
const maxReadsPerTick = 64

// ForwardOpen attempts in order of preference.
var openSizes = []struct {
	size  uint16
	large bool
}{
	{cip.ConnSizeLarge, true},
	{cip.ConnSizeStandard, false},
}

// process wide connection identity counters, seeded at random so that a
// restarted process does not reuse the ids of its predecessor
var (
	origConnIDs atomic.Uint32
	connSerials atomic.Uint32
)

func init() {
	origConnIDs.Store(rand.Uint32())
	connSerials.Store(rand.Uint32())
}

type txState struct {
	buf []byte
	off int
	req *Request
}

// Session is one EtherNet/IP session, optionally carrying a CIP connection.
type Session struct {
	mu sync.Mutex

	opts     Options
	key      string
	address  string
	route    cip.EPath_t
	connPath cip.EPath_t

	state    State
	err      error
	failures int
	retryAt  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	results chan connectResult

	conn    Conn
	handle  uint32
	rx      []byte
	scratch []byte
	tx      *txState
	queue   []*Request

	rtt rttEstimator

	connection  *cip.Connection
	openIdx     int
	openReq     *Request
	pendingOpen cip.ForwardOpenConfig
	closeReq    *Request
	closeBy     time.Time

	nextContext  uint64
	nextSequence uint16

	refs    int
	closing bool
	pool    *Pool
}

// New validates opts and returns a session in StateStart. Configuration
// errors are reported here and never retried.
func New(opts Options) (*Session, error) {
	if err := validateGateway(opts.Gateway); err != nil {
		return nil, err
	}
	if opts.Family.NeedsPath() && opts.Path == "" {
		return nil, fmt.Errorf("%s requires a path: %w", opts.Family, status.ErrBadParam)
	}
	route, err := cip.ParseRoute(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("path %q: %w", opts.Path, err)
	}

	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:     opts,
		key:      opts.Key(),
		address:  opts.address(),
		route:    route,
		connPath: cip.ConnectionPath(route),
		ctx:      ctx,
		cancel:   cancel,
		rtt:      newRTTEstimator(opts.RTTFloor, opts.InitialRTT),
		scratch:  make([]byte, 4096),
		refs:     1,
	}
	return s, nil
}

// Key returns the sharing key of the session.
func (s *Session) Key() string {
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the last session level error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Terminal reports whether the session has stopped for good.
func (s *Session) Terminal() bool {
	return s.State().Terminal()
}

// RetryInterval returns the current per-request retry interval.
func (s *Session) RetryInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt.interval
}

// Pending returns the number of requests still queued.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// MaxRequestSize returns the largest CIP message a tag may submit.
func (s *Session) MaxRequestSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Connected {
		size := int(cip.ConnSizeStandard)
		if s.connection != nil {
			size = int(s.connection.Size)
		}
		return size - connectedOverhead
	}
	if len(s.route) == 0 {
		return unconnectedMessageSize
	}
	return unconnectedMessageSize - unconnectedSendOverhead - len(s.route)
}

// Submit queues a CIP message. The request becomes eligible to send on the
// next tick once the session is ready.
func (s *Session) Submit(payload []byte) (*Request, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty request: %w", status.ErrBadParam)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateFailed:
		return nil, s.err
	case s.closing || s.state.Terminal():
		return nil, fmt.Errorf("session %s is closing: %w", s.address, status.ErrAbort)
	}
	return s.enqueue(payload, false, false), nil
}

func (s *Session) enqueue(payload []byte, control, noResend bool) *Request {
	req := &Request{
		payload:  payload,
		control:  control,
		noResend: noResend,
		budget:   s.opts.RetryBudget,
	}
	s.queue = append(s.queue, req)
	return req
}

// acquire adds a strong reference.
func (s *Session) acquire() {
	s.refs++
}

// Release drops a strong reference. The last release starts the close
// sequence.
func (s *Session) Release() {
	if s.pool != nil {
		s.pool.release(s)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Session) releaseLocked() bool {
	if s.refs == 0 {
		return false
	}
	s.refs--
	if s.refs > 0 {
		return false
	}
	s.beginClose()
	return true
}

func (s *Session) beginClose() {
	if s.closing {
		return
	}
	s.closing = true
	logging.DebugLog("session", "%s: closing from %s", s.address, s.state)

	for _, req := range s.queue {
		req.complete(nil, status.ErrAbort)
	}
	s.queue = nil

	switch s.state {
	case StateProcess, StateOpenConnection:
		s.openReq = nil
		if s.connection != nil {
			s.submitForwardClose()
			s.setState(StateCloseConnection)
		} else {
			s.setState(StateCloseSession)
		}
	case StateFailed, StateTerminated:
		s.cancel()
	default:
		// no socket is registered yet; the connect worker closes its own
		s.cancel()
		s.closeConn()
		s.setState(StateTerminated)
	}
}

func (s *Session) setState(st State) {
	if s.state == st {
		return
	}
	logging.DebugLog("session", "%s: %s -> %s", s.address, s.state, st)
	s.state = st
}

// Tick advances the state machine. It never blocks on the network.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// follow immediate transitions within one tick
	for i := 0; i < 4; i++ {
		before := s.state
		s.step(now)
		if s.state == before {
			return
		}
	}
}

func (s *Session) step(now time.Time) {
	switch s.state {
	case StateStart:
		s.setState(StateOpenSocket)

	case StateOpenSocket:
		s.results = make(chan connectResult)
		go connect(s.ctx, s.opts.Dialer, s.address, s.opts.ConnectTimeout, s.results)
		s.setState(StateRegister)

	case StateRegister:
		select {
		case res := <-s.results:
			s.results = nil
			if res.err != nil {
				s.transportFailure(now, res.err)
				return
			}
			s.conn, s.handle = res.conn, res.handle
			s.rx = s.rx[:0]
			if s.opts.Connected {
				s.openIdx = 0
				if err := s.submitForwardOpen(); err != nil {
					s.fail(err)
					return
				}
				s.setState(StateOpenConnection)
			} else {
				s.failures = 0
				s.setState(StateProcess)
			}
		default:
		}

	case StateOpenConnection:
		if !s.pump(now, true) {
			return
		}
		s.checkForwardOpen(now)

	case StateProcess:
		s.pump(now, false)

	case StateRetryWait:
		if !now.Before(s.retryAt) {
			s.setState(StateOpenSocket)
		}

	case StateCloseConnection:
		if s.closeBy.IsZero() {
			s.closeBy = now.Add(s.rtt.interval)
		}
		if !s.pump(now, true) {
			return
		}
		if s.closeReq == nil || s.closeReq.Done() || now.After(s.closeBy) {
			if s.closeReq != nil && s.closeReq.Done() {
				if _, err := s.closeReq.Result(); err != nil {
					logging.DebugError("session", "ForwardClose", err)
				}
			}
			s.closeReq = nil
			s.queue = nil
			s.connection = nil
			s.setState(StateCloseSession)
		}

	case StateCloseSession:
		if s.conn != nil {
			// best effort, the target does not reply
			_, _ = s.conn.Write(eip.BuildUnRegisterSession(s.handle))
		}
		s.closeConn()
		s.cancel()
		s.setState(StateTerminated)
		logging.DebugDisconnect("session", s.address, "released")
	}
}

// pump runs one drain, scan and send pass. It returns false when the
// transport failed and the session left its state.
func (s *Session) pump(now time.Time, controlOnly bool) bool {
	if !s.drain(now) {
		return false
	}
	s.scan(now)
	return s.send(now, controlOnly)
}

func (s *Session) drain(now time.Time) bool {
	for i := 0; i < maxReadsPerTick; i++ {
		n, err := s.conn.Read(s.scratch)
		if n > 0 {
			s.rx = append(s.rx, s.scratch[:n]...)
		}
		if errors.Is(err, ErrWouldBlock) {
			break
		}
		if err != nil {
			s.transportFailure(now, fmt.Errorf("read from %s: %w", s.address, err))
			return false
		}
		if n == 0 {
			break
		}
	}

	for {
		size, ok := eip.PacketLength(s.rx)
		if !ok {
			break
		}
		pkt := make([]byte, size)
		copy(pkt, s.rx[:size])
		s.rx = append(s.rx[:0], s.rx[size:]...)
		logging.DebugRX("session", pkt)
		s.match(now, pkt)
	}
	return true
}

// match hands a complete packet to the request it answers.
func (s *Session) match(now time.Time, pkt []byte) {
	reply, err := eip.ParseReply(pkt)
	if err != nil && reply == nil {
		logging.DebugError("session", "parse reply", err)
		return
	}

	for i, req := range s.queue {
		if req.packet == nil {
			continue
		}
		if reply.Connected {
			if !req.connected || s.connection == nil || reply.ConnID != s.connection.OrigConnID || reply.Sequence != req.sequence {
				continue
			}
		} else if req.connected || reply.SenderContext != req.context {
			continue
		}

		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		switch {
		case req.Aborted():
			req.complete(nil, status.ErrAbort)
		case err != nil:
			req.complete(nil, err)
		default:
			if !req.firstSent.IsZero() {
				s.rtt.add(now.Sub(req.firstSent))
			}
			req.complete(reply.CIP, nil)
		}
		return
	}
	logging.DebugLog("session", "%s: dropping unmatched reply (context %d, seq %d)", s.address, reply.SenderContext, reply.Sequence)
}

// scan removes aborted requests and expires or re-arms the ones whose
// reply is overdue.
func (s *Session) scan(now time.Time) {
	interval := s.rtt.interval
	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.Aborted() {
			req.complete(nil, status.ErrAbort)
			continue
		}
		if req.state == reqAwaiting && now.Sub(req.timeSent) > interval {
			switch {
			case req.noResend:
				if now.Sub(req.timeSent) > interval*time.Duration(s.opts.RetryBudget) {
					req.complete(nil, status.ErrTimeout)
					continue
				}
			case req.budget > 0:
				req.state = reqQueued
			default:
				req.complete(nil, status.ErrTimeout)
				continue
			}
		}
		kept = append(kept, req)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

// send progresses the packet on the wire, or starts the next one.
func (s *Session) send(now time.Time, controlOnly bool) bool {
	if s.tx == nil {
		req := s.nextToSend(controlOnly)
		if req == nil {
			return true
		}
		if req.packet == nil {
			s.frame(req)
		}
		req.state = reqSending
		s.tx = &txState{buf: req.packet, req: req}
		logging.DebugTX("session", req.packet)
	}

	n, err := s.conn.Write(s.tx.buf[s.tx.off:])
	s.tx.off += n
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		s.transportFailure(now, fmt.Errorf("write to %s: %w", s.address, err))
		return false
	}
	if s.tx.off < len(s.tx.buf) {
		return true
	}

	req := s.tx.req
	s.tx = nil
	if req.state == reqSending && !req.Done() {
		req.state = reqAwaiting
		req.timeSent = now
		if req.firstSent.IsZero() {
			req.firstSent = now
		}
		req.budget--
	}
	return true
}

func (s *Session) nextToSend(controlOnly bool) *Request {
	var connected, unconnected int
	for _, req := range s.queue {
		if req.state != reqAwaiting {
			continue
		}
		if req.connected {
			connected++
		} else {
			unconnected++
		}
	}

	for _, req := range s.queue {
		if req.state != reqQueued || req.Aborted() {
			continue
		}
		if controlOnly && !req.control {
			continue
		}
		if s.useConnected(req) {
			if connected >= s.opts.MaxConnectedInFlight {
				continue
			}
		} else if unconnected >= s.opts.MaxUnconnectedInFlight {
			continue
		}
		return req
	}
	return nil
}

func (s *Session) useConnected(req *Request) bool {
	if req.packet != nil {
		return req.connected
	}
	return !req.control && s.opts.Connected && s.connection != nil
}

// frame encapsulates req and assigns its matching key. Keys stay unique
// among outstanding requests.
func (s *Session) frame(req *Request) {
	if s.useConnected(req) {
		req.connected = true
		req.sequence = s.allocSequence()
		req.packet = eip.BuildSendUnitData(s.handle, s.connection.TargetConnID, req.sequence, req.payload)
		return
	}

	req.connected = false
	req.context = s.allocContext()
	msg := req.payload
	if !req.control && len(s.route) > 0 {
		msg = cip.WrapUnconnectedSend(msg, s.route)
	}
	req.packet = eip.BuildSendRRData(s.handle, req.context, msg)
}

func (s *Session) allocContext() uint64 {
	for {
		s.nextContext++
		if s.nextContext != 0 && !s.keyInUse(false, s.nextContext) {
			return s.nextContext
		}
	}
}

func (s *Session) allocSequence() uint16 {
	for {
		s.nextSequence++
		if !s.keyInUse(true, uint64(s.nextSequence)) {
			return s.nextSequence
		}
	}
}

func (s *Session) keyInUse(connected bool, key uint64) bool {
	for _, req := range s.queue {
		if req.packet == nil || req.connected != connected {
			continue
		}
		if connected && uint64(req.sequence) == key {
			return true
		}
		if !connected && req.context == key {
			return true
		}
	}
	return false
}

func (s *Session) submitForwardOpen() error {
	attempt := openSizes[s.openIdx]
	cfg := cip.ForwardOpenConfig{
		OrigConnID:       origConnIDs.Add(1),
		SerialNumber:     uint16(connSerials.Add(1)),
		VendorID:         cip.DefaultVendorID,
		OriginatorSerial: cip.DefaultOriginatorSerial,
		ConnectionSize:   attempt.size,
		Large:            attempt.large,
		ConnectionPath:   s.connPath,
	}
	msg, err := cip.BuildForwardOpen(cfg)
	if err != nil {
		return fmt.Errorf("%v: %w", err, status.ErrBadParam)
	}
	s.connection = nil
	s.openReq = s.enqueue(msg, true, true)
	s.pendingOpen = cfg
	logging.DebugLog("session", "%s: ForwardOpen size %d large=%t conn 0x%08X", s.address, cfg.ConnectionSize, cfg.Large, cfg.OrigConnID)
	return nil
}

func (s *Session) checkForwardOpen(now time.Time) {
	req := s.openReq
	if req == nil || !req.Done() {
		return
	}
	s.openReq = nil
	cfg := s.pendingOpen

	raw, err := req.Result()
	var resp *cip.Response
	if err == nil {
		resp, err = cip.ParseResponse(raw)
		if err != nil {
			err = fmt.Errorf("ForwardOpen reply: %v: %w", err, status.ErrBadReply)
		}
	}
	if err == nil {
		err = resp.Check(cfg.Service())
	}

	if err == nil {
		fo, perr := cip.ParseForwardOpenResponse(resp.Data)
		if perr != nil {
			s.fail(fmt.Errorf("%v: %w", perr, status.ErrBadReply))
			return
		}
		s.connection = &cip.Connection{
			OrigConnID:   cfg.OrigConnID,
			TargetConnID: fo.TargetConnID,
			SerialNumber: cfg.SerialNumber,
			VendorID:     cfg.VendorID,
			OrigSerial:   cfg.OriginatorSerial,
			Size:         cfg.ConnectionSize,
		}
		s.nextSequence = 0
		s.failures = 0
		logging.DebugLog("session", "%s: connection open, O->T 0x%08X T->O 0x%08X size %d", s.address, fo.TargetConnID, cfg.OrigConnID, cfg.ConnectionSize)
		s.setState(StateProcess)
		return
	}

	if errors.Is(err, status.ErrTimeout) {
		s.transportFailure(now, fmt.Errorf("ForwardOpen to %s: %w", s.address, err))
		return
	}
	if retryable(err) && s.openIdx+1 < len(openSizes) {
		logging.DebugLog("session", "%s: ForwardOpen size %d rejected (%v), falling back", s.address, cfg.ConnectionSize, err)
		s.openIdx++
		if err := s.submitForwardOpen(); err != nil {
			s.fail(err)
		}
		return
	}
	s.fail(fmt.Errorf("ForwardOpen to %s: %w", s.address, err))
}

// retryable reports whether a ForwardOpen rejection asks for a smaller
// connection.
func retryable(err error) bool {
	var se *cip.StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.General == cip.StatusServiceNotSupport {
		return true
	}
	return se.General == cip.StatusConnectionFailure && se.HasExtended(cip.ExtInvalidConnSize)
}

func (s *Session) submitForwardClose() {
	msg, err := cip.BuildForwardClose(s.connection, s.connPath)
	if err != nil {
		logging.DebugError("session", "ForwardClose", err)
		return
	}
	s.closeReq = s.enqueue(msg, true, true)
}

// transportFailure drops the socket and schedules a reconnect, or fails
// the session once the consecutive failure limit is reached.
func (s *Session) transportFailure(now time.Time, err error) {
	if status.FromError(err) == status.ErrBadStatus {
		err = fmt.Errorf("%s: %w: %w", s.address, err, status.ErrBadConnection)
	}
	s.err = err
	s.failures++
	logging.DebugDisconnect("session", s.address, err.Error())
	s.closeConn()

	if s.closing {
		s.queue = nil
		s.cancel()
		s.setState(StateTerminated)
		return
	}

	kept := s.queue[:0]
	for _, req := range s.queue {
		if req.control {
			req.complete(nil, err)
			continue
		}
		req.reset(s.opts.RetryBudget)
		kept = append(kept, req)
	}
	s.queue = kept
	s.openReq = nil

	if s.failures >= s.opts.MaxConsecutiveFailures {
		s.fail(fmt.Errorf("giving up on %s after %d failures: %v: %w", s.address, s.failures, err, status.ErrBadGateway))
		return
	}
	s.retryAt = now.Add(s.opts.RetryBackoff)
	s.setState(StateRetryWait)
}

// fail moves to the permanent error state and completes every request
// with err.
func (s *Session) fail(err error) {
	s.err = err
	logging.DebugError("session", s.address, err)
	for _, req := range s.queue {
		req.complete(nil, err)
	}
	s.queue = nil
	s.openReq = nil
	s.closeConn()
	s.cancel()
	s.setState(StateFailed)
}

func (s *Session) closeConn() {
	s.tx = nil
	s.connection = nil
	s.rx = s.rx[:0]
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.handle = 0
}
