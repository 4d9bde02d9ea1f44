package cip

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/srdgame/libplctag-sub000/status"
)

// Segment markers used inside a tag IOI.
const (
	segSymbolic byte = 0x91
	segMember8  byte = 0x28
	segMember16 byte = 0x29
	segMember32 byte = 0x2A
)

// namePart is one component of a tag name: a symbol or an array index.
type namePart struct {
	name    string
	index   uint32
	isIndex bool
}

func (p namePart) segment() (EPath_t, error) {
	if p.isIndex {
		return memberSegment(p.index), nil
	}
	return symbolicSegment(p.name)
}

// parseTagName splits a name such as "Program:Main.Recipe[3].Steps[1,2]"
// into symbols and indices. The colon is part of a symbol; '.' separates
// symbols and each comma separated index becomes its own member segment.
func parseTagName(name string) ([]namePart, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("tag name is empty: %w", status.ErrBadParam)
	}

	var parts []namePart
	i := 0
	for {
		// symbol
		j := i
		for j < len(name) && name[j] != '.' && name[j] != '[' {
			if name[j] == ']' || name[j] == ',' {
				return nil, fmt.Errorf("tag name %q: unexpected %q at %d: %w", name, name[j], j, status.ErrBadParam)
			}
			j++
		}
		if j == i {
			return nil, fmt.Errorf("tag name %q: empty symbol at %d: %w", name, i, status.ErrBadParam)
		}
		parts = append(parts, namePart{name: name[i:j]})
		i = j

		// any number of bracketed index groups
		for i < len(name) && name[i] == '[' {
			end := strings.IndexByte(name[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("tag name %q: missing ']': %w", name, status.ErrBadParam)
			}
			for _, field := range strings.Split(name[i+1:i+end], ",") {
				idx, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
				if err != nil {
					return nil, fmt.Errorf("tag name %q: bad index %q: %w", name, field, status.ErrBadParam)
				}
				parts = append(parts, namePart{index: uint32(idx), isIndex: true})
			}
			i += end + 1
		}

		if i == len(name) {
			return parts, nil
		}
		if name[i] != '.' {
			return nil, fmt.Errorf("tag name %q: unexpected %q at %d: %w", name, name[i], i, status.ErrBadParam)
		}
		i++
	}
}

// EncodeTagName produces the IOI for a tag name: a word count byte followed
// by the padded symbolic and member segments.
func EncodeTagName(name string) ([]byte, error) {
	path, err := EPath().Symbol(name).Build()
	if err != nil {
		return nil, err
	}
	if len(path)/2 > 0xFF {
		return nil, fmt.Errorf("tag name %q encodes to %d words: %w", name, len(path)/2, status.ErrTooLarge)
	}
	out := make([]byte, 0, 1+len(path))
	out = append(out, path.WordLen())
	return append(out, path...), nil
}

// DecodeTagName reverses EncodeTagName. Adjacent indices are grouped in one
// bracket pair, so "A[1][2]" decodes as "A[1,2]".
func DecodeTagName(ioi []byte) (string, error) {
	if len(ioi) < 1 {
		return "", fmt.Errorf("DecodeTagName: empty IOI: %w", status.ErrBadParam)
	}
	words := int(ioi[0])
	if len(ioi) != 1+words*2 {
		return "", fmt.Errorf("DecodeTagName: word count %d does not match %d bytes: %w", words, len(ioi)-1, status.ErrBadParam)
	}

	var sb strings.Builder
	raw := ioi[1:]
	inIndex := false
	for len(raw) > 0 {
		seg := raw[0]
		var idx uint32
		switch seg {
		case segSymbolic:
			if len(raw) < 2 {
				return "", fmt.Errorf("DecodeTagName: truncated symbol: %w", status.ErrBadParam)
			}
			n := int(raw[1])
			if len(raw) < 2+n+n%2 {
				return "", fmt.Errorf("DecodeTagName: truncated symbol: %w", status.ErrBadParam)
			}
			if inIndex {
				sb.WriteByte(']')
				inIndex = false
			}
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
			sb.Write(raw[2 : 2+n])
			raw = raw[2+n+(n%2):]
			continue
		case segMember8:
			if len(raw) < 2 {
				return "", fmt.Errorf("DecodeTagName: truncated index: %w", status.ErrBadParam)
			}
			idx, raw = uint32(raw[1]), raw[2:]
		case segMember16:
			if len(raw) < 4 {
				return "", fmt.Errorf("DecodeTagName: truncated index: %w", status.ErrBadParam)
			}
			idx, raw = uint32(binary.LittleEndian.Uint16(raw[2:4])), raw[4:]
		case segMember32:
			if len(raw) < 6 {
				return "", fmt.Errorf("DecodeTagName: truncated index: %w", status.ErrBadParam)
			}
			idx, raw = binary.LittleEndian.Uint32(raw[2:6]), raw[6:]
		default:
			return "", fmt.Errorf("DecodeTagName: unknown segment 0x%02X: %w", seg, status.ErrBadParam)
		}

		if inIndex {
			sb.WriteByte(',')
		} else {
			sb.WriteByte('[')
			inIndex = true
		}
		sb.WriteString(strconv.FormatUint(uint64(idx), 10))
	}
	if inIndex {
		sb.WriteByte(']')
	}
	return sb.String(), nil
}

// memberSegment picks the narrowest element segment for index.
func memberSegment(index uint32) EPath_t {
	switch {
	case index <= 0xFF:
		return EPath_t{segMember8, byte(index)}
	case index <= 0xFFFF:
		return binary.LittleEndian.AppendUint16(EPath_t{segMember16, 0x00}, uint16(index))
	default:
		return binary.LittleEndian.AppendUint32(EPath_t{segMember32, 0x00}, index)
	}
}

// symbolicSegment encodes an ANSI extended symbol padded to even length.
func symbolicSegment(symbol string) (EPath_t, error) {
	if len(symbol) == 0 {
		return nil, fmt.Errorf("symbolic segment is empty: %w", status.ErrBadParam)
	}
	if len(symbol) > 255 {
		return nil, fmt.Errorf("symbol %q longer than 255 bytes: %w", symbol, status.ErrTooLarge)
	}
	out := make(EPath_t, 0, 3+len(symbol))
	out = append(out, segSymbolic, byte(len(symbol)))
	out = append(out, symbol...)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out, nil
}
