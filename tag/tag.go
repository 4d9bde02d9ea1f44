// Package tag implements the per-tag asynchronous read/write state
// machines. Read and Write only arm an operation; the wire work happens in
// Tick, which the poller calls after ticking the tag's session.
package tag

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srdgame/libplctag-sub000/status"
)

// Tag is the capability set shared by every tag variant.
type Tag interface {
	Name() string
	Read() error
	Write() error
	Abort()
	Status() status.Code
	Size() int
	Tick(now time.Time)
	Release()
	Released() bool
	Accessor
}

// Accessor reads and writes the tag buffer by byte offset. Values are
// little endian as on the wire.
type Accessor interface {
	GetBit(bit int) (bool, error)
	SetBit(bit int, v bool) error
	GetUint8(offset int) (uint8, error)
	SetUint8(offset int, v uint8) error
	GetInt8(offset int) (int8, error)
	SetInt8(offset int, v int8) error
	GetUint16(offset int) (uint16, error)
	SetUint16(offset int, v uint16) error
	GetInt16(offset int) (int16, error)
	SetInt16(offset int, v int16) error
	GetUint32(offset int) (uint32, error)
	SetUint32(offset int, v uint32) error
	GetInt32(offset int) (int32, error)
	SetInt32(offset int, v int32) error
	GetUint64(offset int) (uint64, error)
	SetUint64(offset int, v uint64) error
	GetInt64(offset int) (int64, error)
	SetInt64(offset int, v int64) error
	GetFloat32(offset int) (float32, error)
	SetFloat32(offset int, v float32) error
	GetFloat64(offset int) (float64, error)
	SetFloat64(offset int, v float64) error
	GetBytes(offset, n int) ([]byte, error)
	SetBytes(offset int, b []byte) error
}

type opState int

const (
	opIdle opState = iota
	opReading
	opWriting
)

func (s opState) String() string {
	switch s {
	case opIdle:
		return "idle"
	case opReading:
		return "reading"
	case opWriting:
		return "writing"
	}
	return fmt.Sprintf("op(%d)", int(s))
}

// base holds the buffer, operation state and status shared by variants.
type base struct {
	mu       sync.Mutex
	name     string
	data     []byte
	op       opState
	status   atomic.Int64
	lastErr  error
	released bool
}

func (b *base) Name() string {
	return b.name
}

// Status returns the latest overall status.
func (b *base) Status() status.Code {
	return status.Code(b.status.Load())
}

func (b *base) setStatus(c status.Code) {
	b.status.Store(int64(c))
}

// Err returns the error behind the last failed operation.
func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Size returns the buffer size in bytes.
func (b *base) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Released reports whether Release was called.
func (b *base) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// finish ends the current operation. Called with b.mu held.
func (b *base) finish(err error) {
	b.op = opIdle
	b.lastErr = err
	if err != nil {
		b.setStatus(status.FromError(err))
		return
	}
	b.setStatus(status.OK)
}

// begin arms an operation. Called with b.mu held.
func (b *base) begin(op opState) error {
	if b.released {
		return fmt.Errorf("tag %s released: %w", b.name, status.ErrAbort)
	}
	if b.op != opIdle {
		return fmt.Errorf("tag %s is %s: %w", b.name, b.op, status.ErrBusy)
	}
	b.op = op
	b.lastErr = nil
	b.setStatus(status.Pending)
	return nil
}

func (b *base) span(offset, n int) ([]byte, error) {
	if offset < 0 || n < 0 || offset+n > len(b.data) {
		return nil, fmt.Errorf("tag %s: %d bytes at offset %d outside %d byte buffer: %w", b.name, n, offset, len(b.data), status.ErrOutOfBounds)
	}
	return b.data[offset : offset+n], nil
}

func (b *base) get(offset, n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.span(offset, n)
}

// set runs fn on the span under the lock. The buffer is frozen while a
// write is on the wire.
func (b *base) set(offset, n int, fn func([]byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.op == opWriting {
		return fmt.Errorf("tag %s: write in progress: %w", b.name, status.ErrBusy)
	}
	p, err := b.span(offset, n)
	if err != nil {
		return err
	}
	fn(p)
	return nil
}

var le = binary.LittleEndian

func (b *base) GetBit(bit int) (bool, error) {
	if bit < 0 {
		return false, fmt.Errorf("bit %d: %w", bit, status.ErrOutOfBounds)
	}
	p, err := b.get(bit/8, 1)
	if err != nil {
		return false, err
	}
	return p[0]&(1<<(bit%8)) != 0, nil
}

func (b *base) SetBit(bit int, v bool) error {
	if bit < 0 {
		return fmt.Errorf("bit %d: %w", bit, status.ErrOutOfBounds)
	}
	return b.set(bit/8, 1, func(p []byte) {
		if v {
			p[0] |= 1 << (bit % 8)
		} else {
			p[0] &^= 1 << (bit % 8)
		}
	})
}

func (b *base) GetUint8(offset int) (uint8, error) {
	p, err := b.get(offset, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *base) SetUint8(offset int, v uint8) error {
	return b.set(offset, 1, func(p []byte) { p[0] = v })
}

func (b *base) GetInt8(offset int) (int8, error) {
	v, err := b.GetUint8(offset)
	return int8(v), err
}

func (b *base) SetInt8(offset int, v int8) error {
	return b.SetUint8(offset, uint8(v))
}

func (b *base) GetUint16(offset int) (uint16, error) {
	p, err := b.get(offset, 2)
	if err != nil {
		return 0, err
	}
	return le.Uint16(p), nil
}

func (b *base) SetUint16(offset int, v uint16) error {
	return b.set(offset, 2, func(p []byte) { le.PutUint16(p, v) })
}

func (b *base) GetInt16(offset int) (int16, error) {
	v, err := b.GetUint16(offset)
	return int16(v), err
}

func (b *base) SetInt16(offset int, v int16) error {
	return b.SetUint16(offset, uint16(v))
}

func (b *base) GetUint32(offset int) (uint32, error) {
	p, err := b.get(offset, 4)
	if err != nil {
		return 0, err
	}
	return le.Uint32(p), nil
}

func (b *base) SetUint32(offset int, v uint32) error {
	return b.set(offset, 4, func(p []byte) { le.PutUint32(p, v) })
}

func (b *base) GetInt32(offset int) (int32, error) {
	v, err := b.GetUint32(offset)
	return int32(v), err
}

func (b *base) SetInt32(offset int, v int32) error {
	return b.SetUint32(offset, uint32(v))
}

func (b *base) GetUint64(offset int) (uint64, error) {
	p, err := b.get(offset, 8)
	if err != nil {
		return 0, err
	}
	return le.Uint64(p), nil
}

func (b *base) SetUint64(offset int, v uint64) error {
	return b.set(offset, 8, func(p []byte) { le.PutUint64(p, v) })
}

func (b *base) GetInt64(offset int) (int64, error) {
	v, err := b.GetUint64(offset)
	return int64(v), err
}

func (b *base) SetInt64(offset int, v int64) error {
	return b.SetUint64(offset, uint64(v))
}

func (b *base) GetFloat32(offset int) (float32, error) {
	v, err := b.GetUint32(offset)
	return math.Float32frombits(v), err
}

func (b *base) SetFloat32(offset int, v float32) error {
	return b.SetUint32(offset, math.Float32bits(v))
}

func (b *base) GetFloat64(offset int) (float64, error) {
	v, err := b.GetUint64(offset)
	return math.Float64frombits(v), err
}

func (b *base) SetFloat64(offset int, v float64) error {
	return b.SetUint64(offset, math.Float64bits(v))
}

// GetBytes returns a copy of n bytes at offset.
func (b *base) GetBytes(offset, n int) ([]byte, error) {
	p, err := b.get(offset, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), p...), nil
}

// SetBytes copies src into the buffer at offset.
func (b *base) SetBytes(offset int, src []byte) error {
	return b.set(offset, len(src), func(p []byte) { copy(p, src) })
}
