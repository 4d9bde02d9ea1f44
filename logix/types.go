package logix

import (
	"fmt"
	"strings"

	"github.com/srdgame/libplctag-sub000/status"
)

// Logix atomic data type codes as they appear in the first byte of a type
// descriptor.
const (
	TypeBOOL  uint16 = 0x00C1
	TypeSINT  uint16 = 0x00C2
	TypeINT   uint16 = 0x00C3
	TypeDINT  uint16 = 0x00C4
	TypeLINT  uint16 = 0x00C5
	TypeUSINT uint16 = 0x00C6
	TypeUINT  uint16 = 0x00C7
	TypeUDINT uint16 = 0x00C8
	TypeULINT uint16 = 0x00C9
	TypeREAL  uint16 = 0x00CA
	TypeLREAL uint16 = 0x00CB

	TypeSTRING      uint16 = 0x00D0
	TypeBitString8  uint16 = 0x00D1
	TypeBitString16 uint16 = 0x00D2
	TypeBitString32 uint16 = 0x00D3
	TypeShortSTRING uint16 = 0x00DA
)

// Descriptor bytes that introduce an aggregate type. The second byte gives
// the number of bytes that follow.
const (
	descStruct    byte = 0xA0
	descArray     byte = 0xA1
	descAbbrArray byte = 0xA2
)

// MaxDescriptorLen bounds the type descriptor cached on a tag.
const MaxDescriptorLen = 16

// DescriptorLen returns the size of the type descriptor at the start of raw:
// two bytes for atomic types 0xC1..0xDE, 2+N for aggregates 0xA0..0xA2
// where N is the second byte.
func DescriptorLen(raw []byte) (int, error) {
	if len(raw) < 2 {
		return 0, fmt.Errorf("type descriptor truncated: %d bytes: %w", len(raw), status.ErrBadReply)
	}
	var n int
	switch t := raw[0]; {
	case t >= 0xC1 && t <= 0xDE:
		n = 2
	case t == descStruct || t == descArray || t == descAbbrArray:
		n = 2 + int(raw[1])
	default:
		return 0, fmt.Errorf("unknown type descriptor 0x%02X: %w", t, status.ErrUnsupported)
	}
	if n > MaxDescriptorLen {
		return 0, fmt.Errorf("type descriptor of %d bytes exceeds %d: %w", n, MaxDescriptorLen, status.ErrTooLarge)
	}
	if len(raw) < n {
		return 0, fmt.Errorf("type descriptor needs %d bytes, got %d: %w", n, len(raw), status.ErrBadReply)
	}
	return n, nil
}

// AtomicDescriptor builds the descriptor for an atomic type code.
func AtomicDescriptor(code uint16) []byte {
	return []byte{byte(code), 0x00}
}

// DescriptorType returns the atomic type code of a descriptor, or 0 for an
// aggregate.
func DescriptorType(desc []byte) uint16 {
	if len(desc) < 1 || desc[0] < 0xC1 || desc[0] > 0xDE {
		return 0
	}
	return uint16(desc[0])
}

// TypeSize returns the byte size of an atomic type, 0 if not atomic.
func TypeSize(code uint16) int {
	switch code {
	case TypeBOOL, TypeSINT, TypeUSINT, TypeBitString8:
		return 1
	case TypeINT, TypeUINT, TypeBitString16:
		return 2
	case TypeDINT, TypeUDINT, TypeREAL, TypeBitString32:
		return 4
	case TypeLINT, TypeULINT, TypeLREAL:
		return 8
	case TypeSTRING:
		return 88
	default:
		return 0
	}
}

var typeNames = map[uint16]string{
	TypeBOOL:        "BOOL",
	TypeSINT:        "SINT",
	TypeINT:         "INT",
	TypeDINT:        "DINT",
	TypeLINT:        "LINT",
	TypeUSINT:       "USINT",
	TypeUINT:        "UINT",
	TypeUDINT:       "UDINT",
	TypeULINT:       "ULINT",
	TypeREAL:        "REAL",
	TypeLREAL:       "LREAL",
	TypeSTRING:      "STRING",
	TypeBitString8:  "BYTE",
	TypeBitString16: "WORD",
	TypeBitString32: "DWORD",
	TypeShortSTRING: "SHORT_STRING",
}

// TypeName returns a readable name for a descriptor.
func TypeName(desc []byte) string {
	if code := DescriptorType(desc); code != 0 {
		if n, ok := typeNames[code]; ok {
			return n
		}
		return fmt.Sprintf("ATOMIC(0x%02X)", code)
	}
	if len(desc) > 0 {
		switch desc[0] {
		case descStruct:
			return "STRUCT"
		case descArray, descAbbrArray:
			return "ARRAY"
		}
	}
	return "UNKNOWN"
}

// TypeCodeFromName maps BOOL..LREAL and STRING to their codes.
func TypeCodeFromName(name string) (uint16, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for code, n := range typeNames {
		if n == name {
			return code, true
		}
	}
	return 0, false
}
