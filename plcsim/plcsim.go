// Package plcsim is an in-memory Logix controller behind an EtherNet/IP
// gateway. It implements session.Dialer so tests can drive sessions and
// tags without a network.
package plcsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/eip"
	"github.com/srdgame/libplctag-sub000/logix"
	"github.com/srdgame/libplctag-sub000/session"
)

// DefaultHandle is the session handle returned by RegisterSession.
const DefaultHandle uint32 = 0x12345678

// Tag is a controller tag.
type Tag struct {
	Descriptor []byte
	Data       []byte
}

// Record describes one CIP request seen by the gateway.
type Record struct {
	Service   byte
	Tag       string
	Offset    uint32
	Connected bool
	Context   uint64
	Sequence  uint16
	Routed    bool
}

// Gateway simulates a gateway and the controller behind it.
type Gateway struct {
	mu sync.Mutex

	// Handle is the session handle to assign.
	Handle uint32
	// FragmentSize caps the data bytes in one read reply.
	FragmentSize int
	// Silent registers sessions but never answers CIP requests.
	Silent bool
	// RejectLargeOpen answers Large ForwardOpen with an invalid
	// connection size error.
	RejectLargeOpen bool
	// RejectOpen answers every ForwardOpen with this general status.
	RejectOpen byte
	// FailDials makes the next n dials fail.
	FailDials int
	// Latency delays every reply; Now supplies the clock it is measured
	// against.
	Latency time.Duration
	Now     func() time.Time

	tags     map[string]*Tag
	records  []Record
	conns    []*Conn
	nextConn uint32
	opens    map[uint32]uint32 // target id -> originator id
	closes   int
	dials    int
}

// New returns a gateway with no tags.
func New() *Gateway {
	return &Gateway{
		Handle:   DefaultHandle,
		tags:     make(map[string]*Tag),
		opens:    make(map[uint32]uint32),
		nextConn: 0x40000000,
	}
}

// AddTag creates or replaces a tag.
func (g *Gateway) AddTag(name string, descriptor, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tags[name] = &Tag{Descriptor: append([]byte(nil), descriptor...), Data: append([]byte(nil), data...)}
}

// TagData returns a copy of a tag's bytes.
func (g *Gateway) TagData(name string) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t := g.tags[name]; t != nil {
		return append([]byte(nil), t.Data...)
	}
	return nil
}

// Records returns the CIP requests received so far.
func (g *Gateway) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Record(nil), g.records...)
}

// Count returns how many requests with service were received.
func (g *Gateway) Count(service byte) int {
	n := 0
	for _, r := range g.Records() {
		if r.Service == service {
			n++
		}
	}
	return n
}

// Dials returns the number of dial attempts.
func (g *Gateway) Dials() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}

// ForwardCloses returns the number of ForwardClose requests answered.
func (g *Gateway) ForwardCloses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closes
}

// SetLatency changes the reply delay.
func (g *Gateway) SetLatency(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Latency = d
}

// SetSilent toggles replies to CIP requests.
func (g *Gateway) SetSilent(silent bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Silent = silent
}

// Dial implements session.Dialer.
func (g *Gateway) Dial(ctx context.Context, address string) (session.Conn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dials++
	if g.FailDials > 0 {
		g.FailDials--
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	c := &Conn{g: g}
	g.conns = append(g.conns, c)
	return c, nil
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

type pending struct {
	at  time.Time
	raw []byte
}

// Conn is the client end of a simulated connection.
type Conn struct {
	g      *Gateway
	in     []byte
	out    []pending
	closed bool
	broken bool
}

var errClosed = errors.New("use of closed connection")

// Break makes every later Read and Write fail.
func (c *Conn) Break() {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.broken = true
}

// Conns returns the connections dialed so far.
func (g *Gateway) Conns() []*Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Conn(nil), g.conns...)
}

// Closed reports whether the client closed c.
func (c *Conn) Closed() bool {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	return c.closed
}

func (c *Conn) Write(p []byte) (int, error) {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.closed || c.broken {
		return 0, errClosed
	}
	c.in = append(c.in, p...)
	for {
		n, ok := eip.PacketLength(c.in)
		if !ok {
			break
		}
		pkt := append([]byte(nil), c.in[:n]...)
		c.in = c.in[n:]
		if reply := g.handle(pkt); reply != nil {
			c.out = append(c.out, pending{at: g.now().Add(g.Latency), raw: reply})
		}
	}
	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	g := c.g
	g.mu.Lock()
	defer g.mu.Unlock()
	if c.closed || c.broken {
		return 0, errClosed
	}
	if len(c.out) == 0 || g.now().Before(c.out[0].at) {
		return 0, session.ErrWouldBlock
	}
	n := copy(p, c.out[0].raw)
	if n == len(c.out[0].raw) {
		c.out = c.out[1:]
	} else {
		c.out[0].raw = c.out[0].raw[n:]
	}
	return n, nil
}

func (c *Conn) Close() error {
	c.g.mu.Lock()
	defer c.g.mu.Unlock()
	c.closed = true
	return nil
}

// handle answers one encapsulation packet. Called with g.mu held.
func (g *Gateway) handle(pkt []byte) []byte {
	m, err := eip.ParseEncap(pkt)
	if err != nil {
		return nil
	}

	switch m.Command {
	case eip.RegisterSession:
		resp := eip.Encap{
			Header: eip.Header{Command: eip.RegisterSession, SessionHandle: g.Handle, SenderContext: m.SenderContext},
			Data:   m.Data,
		}
		return resp.Bytes()

	case eip.UnRegisterSession:
		return nil

	case eip.SendRRData:
		cmd, err := eip.ParseCommandData(m.Data)
		if err != nil {
			return nil
		}
		cpf, err := eip.ParseCommonPacket(cmd.Packet)
		if err != nil {
			return nil
		}
		item, ok := cpf.Find(eip.CpfUnconnectedMessageId)
		if !ok {
			return nil
		}
		rec := Record{Context: m.SenderContext}
		resp := g.unconnected(item.Data, &rec)
		g.records = append(g.records, rec)
		if resp == nil {
			return nil
		}
		return eip.BuildSendRRData(m.SessionHandle, m.SenderContext, resp)

	case eip.SendUnitData:
		r, err := eip.ParseReply(pkt)
		if err != nil {
			return nil
		}
		origID, ok := g.opens[r.ConnID]
		if !ok {
			return nil
		}
		rec := Record{Connected: true, Sequence: r.Sequence}
		resp := g.service(r.CIP, &rec)
		g.records = append(g.records, rec)
		if resp == nil {
			return nil
		}
		return eip.BuildSendUnitData(m.SessionHandle, origID, r.Sequence, resp)
	}
	return nil
}

var connManagerPath = []byte(cip.ConnectionManagerPath())

// unconnected dispatches a SendRRData message, unwrapping Unconnected Send.
func (g *Gateway) unconnected(msg []byte, rec *Record) []byte {
	svc, path, data, ok := splitRequest(msg)
	if !ok {
		return nil
	}
	if string(path) != string(connManagerPath) {
		return g.service(msg, rec)
	}

	switch svc {
	case cip.SvcUnconnectedSend:
		if len(data) < 4 {
			return reply(svc, 0x04, nil)
		}
		n := int(binary.LittleEndian.Uint16(data[2:4]))
		if len(data) < 4+n {
			return reply(svc, 0x04, nil)
		}
		rec.Routed = true
		return g.service(data[4:4+n], rec)

	case cip.SvcForwardOpen, cip.SvcForwardOpenLarge:
		rec.Service = svc
		return g.forwardOpen(svc, data)

	case cip.SvcForwardClose:
		rec.Service = svc
		if len(data) < 10 {
			return reply(svc, cip.StatusNotEnoughData, nil)
		}
		g.closes++
		return reply(svc, 0x00, data[2:10])
	}
	return reply(svc, cip.StatusServiceNotSupport, nil)
}

func (g *Gateway) forwardOpen(svc byte, data []byte) []byte {
	if len(data) < 18 {
		return reply(svc, cip.StatusNotEnoughData, nil)
	}
	if g.RejectOpen != 0 {
		return reply(svc, g.RejectOpen, nil)
	}
	if svc == cip.SvcForwardOpenLarge && g.RejectLargeOpen {
		return replyExt(svc, cip.StatusConnectionFailure, cip.ExtInvalidConnSize)
	}

	origID := binary.LittleEndian.Uint32(data[6:10])
	g.nextConn++
	target := g.nextConn
	g.opens[target] = origID

	out := make([]byte, 0, 26)
	out = binary.LittleEndian.AppendUint32(out, target)
	out = binary.LittleEndian.AppendUint32(out, origID)
	out = append(out, data[10:18]...)
	out = binary.LittleEndian.AppendUint32(out, 1000000)
	out = binary.LittleEndian.AppendUint32(out, 1000000)
	out = append(out, 0, 0)
	return reply(svc, 0x00, out)
}

// service executes a Logix data table request. A silent gateway records
// the request and answers nothing.
func (g *Gateway) service(msg []byte, rec *Record) []byte {
	svc, path, data, ok := splitRequest(msg)
	rec.Service = svc
	if g.Silent {
		return nil
	}
	if !ok {
		return reply(svc, cip.StatusPathSizeInvalid, nil)
	}
	ioi := append([]byte{byte(len(path) / 2)}, path...)
	name, err := cip.DecodeTagName(ioi)
	if err != nil {
		return reply(svc, cip.StatusPathSegmentError, nil)
	}
	rec.Tag = name
	tag := g.tags[name]
	if tag == nil {
		return reply(svc, cip.StatusPathUnknown, nil)
	}

	switch svc {
	case logix.SvcReadTag, logix.SvcReadTagFragmented:
		if len(data) < 2 {
			return reply(svc, cip.StatusNotEnoughData, nil)
		}
		var offset uint32
		if svc == logix.SvcReadTagFragmented {
			if len(data) < 6 {
				return reply(svc, cip.StatusNotEnoughData, nil)
			}
			offset = binary.LittleEndian.Uint32(data[2:6])
		}
		rec.Offset = offset
		if int(offset) > len(tag.Data) {
			return replyExt(svc, cip.StatusGeneralError, cip.ExtBeyondEndOfObject)
		}
		chunk := tag.Data[offset:]
		st := cip.StatusSuccess
		if g.FragmentSize > 0 && len(chunk) > g.FragmentSize {
			chunk = chunk[:g.FragmentSize]
			st = cip.StatusPartialTransfer
		}
		out := append(append([]byte(nil), tag.Descriptor...), chunk...)
		return reply(svc, st, out)

	case logix.SvcWriteTag, logix.SvcWriteTagFragmented:
		n, err := logix.DescriptorLen(data)
		if err != nil {
			return reply(svc, cip.StatusInvalidParameter, nil)
		}
		if string(data[:n]) != string(tag.Descriptor) {
			return replyExt(svc, cip.StatusGeneralError, cip.ExtIllegalType)
		}
		rest := data[n:]
		if len(rest) < 2 {
			return reply(svc, cip.StatusNotEnoughData, nil)
		}
		rest = rest[2:]
		var offset uint32
		if svc == logix.SvcWriteTagFragmented {
			if len(rest) < 4 {
				return reply(svc, cip.StatusNotEnoughData, nil)
			}
			offset = binary.LittleEndian.Uint32(rest[:4])
			rest = rest[4:]
		}
		rec.Offset = offset
		if int(offset)+len(rest) > len(tag.Data) {
			return reply(svc, cip.StatusTooMuchData, nil)
		}
		copy(tag.Data[offset:], rest)
		return reply(svc, cip.StatusSuccess, nil)
	}
	return reply(svc, cip.StatusServiceNotSupport, nil)
}

// splitRequest separates service, path and data of a CIP request.
func splitRequest(msg []byte) (svc byte, path, data []byte, ok bool) {
	if len(msg) < 2 {
		return 0, nil, nil, false
	}
	end := 2 + int(msg[1])*2
	if len(msg) < end {
		return msg[0], nil, nil, false
	}
	return msg[0], msg[2:end], msg[end:], true
}

func reply(svc, general byte, data []byte) []byte {
	out := []byte{svc | cip.ReplyFlag, 0x00, general, 0x00}
	return append(out, data...)
}

func replyExt(svc, general byte, ext uint16) []byte {
	out := []byte{svc | cip.ReplyFlag, 0x00, general, 0x01}
	return binary.LittleEndian.AppendUint16(out, ext)
}
