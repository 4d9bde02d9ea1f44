package cip

import (
	"encoding/binary"
	"fmt"
)

type LogicalType byte
type LogicalFormat byte
type SegmentType byte

// Segment types (top three bits of the segment byte).
const (
	CipPortSegment     SegmentType = 0b000
	CipLogicalSegment  SegmentType = 0b001
	CipSymbolicSegment SegmentType = 0b011

	CipLogicalTypeClassId     LogicalType = 0x0
	CipLogicalTypeInstanceId  LogicalType = 0b1
	CipLogicalTypeMemberId    LogicalType = 0b10
	CipLogicalTypeAttributeId LogicalType = 0b100

	CipLogicalFormat8bit  LogicalFormat = 0b0
	CipLogicalFormat16bit LogicalFormat = 0b1
	CipLogicalFormat32bit LogicalFormat = 0b10
)

// PathBuilder assembles an EPath from logical and symbolic segments.
type PathBuilder struct {
	err    error
	epath  EPath_t
	padded bool
}

// EPath starts a padded path.
func EPath() *PathBuilder {
	return &PathBuilder{padded: true}
}

func (b *PathBuilder) add(p EPath_t, err error) *PathBuilder {
	if b.err != nil {
		return b
	}
	if err != nil {
		b.err = err
		return b
	}
	b.epath = append(b.epath, p...)
	return b
}

func (b *PathBuilder) Class(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeClassId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Instance(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

func (b *PathBuilder) Instance16(id uint16) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat16bit, binary.LittleEndian.AppendUint16(nil, id), b.padded))
}

func (b *PathBuilder) Instance32(id uint32) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeInstanceId, CipLogicalFormat32bit, binary.LittleEndian.AppendUint32(nil, id), b.padded))
}

func (b *PathBuilder) Attribute(id byte) *PathBuilder {
	return b.add(logicalSegment(CipLogicalTypeAttributeId, CipLogicalFormat8bit, []byte{id}, b.padded))
}

// Symbol appends the symbolic and member segments of a tag name.
func (b *PathBuilder) Symbol(tag string) *PathBuilder {
	parts, err := parseTagName(tag)
	if err != nil {
		return b.add(nil, err)
	}
	for _, part := range parts {
		b = b.add(part.segment())
	}
	return b
}

// Build returns a copy of the path, padded to a whole word.
func (b *PathBuilder) Build() (EPath_t, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := append(EPath_t{}, b.epath...)
	if b.padded && len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}

// EPath_t is an encoded path used in CIP communications.
type EPath_t []byte

// WordLen is the path size in 16-bit words.
func (p EPath_t) WordLen() byte {
	return byte(len(p) / 2)
}

// ConnectionManagerPath addresses class 0x06 instance 1.
func ConnectionManagerPath() EPath_t {
	p, _ := EPath().Class(ClassConnectionManager).Instance(InstanceConnManager).Build()
	return p
}

// MessageRouterPath addresses class 0x02 instance 1, the final hop of a
// connection path.
func MessageRouterPath() EPath_t {
	p, _ := EPath().Class(ClassMessageRouter).Instance(1).Build()
	return p
}

// logicalSegment encodes a class, instance or attribute segment. Padded
// 16 and 32 bit formats carry a pad byte before the value.
func logicalSegment(logicalType LogicalType, format LogicalFormat, value []byte, padded bool) (EPath_t, error) {
	want := map[LogicalFormat]int{CipLogicalFormat8bit: 1, CipLogicalFormat16bit: 2, CipLogicalFormat32bit: 4}
	n, ok := want[format]
	if !ok {
		return nil, fmt.Errorf("logicalSegment: unsupported logical format %v", format)
	}
	if len(value) != n {
		return nil, fmt.Errorf("logicalSegment: format %v requires %d bytes, got %d", format, n, len(value))
	}

	head := byte(CipLogicalSegment)<<5 | (byte(logicalType)&0b111)<<2 | byte(format)&0b11
	out := make(EPath_t, 0, 2+len(value))
	out = append(out, head)
	if padded && n > 1 {
		out = append(out, 0x00)
	}
	return append(out, value...), nil
}
