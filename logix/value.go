package logix

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode converts tag bytes into Go values for publishing. Atomic types
// decode to bool, int64, uint64 or float64 (a slice of them when the buffer
// holds more than one element); STRING decodes to string. Anything else is
// returned as the raw bytes.
func Decode(code uint16, data []byte) (interface{}, error) {
	if code == TypeSTRING {
		return decodeString(data)
	}
	size := TypeSize(code)
	if size == 0 {
		return append([]byte(nil), data...), nil
	}
	if len(data) < size || len(data)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s elements", len(data), typeNames[code])
	}

	count := len(data) / size
	if count == 1 {
		return decodeOne(code, data), nil
	}
	out := make([]interface{}, count)
	for i := range out {
		out[i] = decodeOne(code, data[i*size:(i+1)*size])
	}
	return out, nil
}

func decodeOne(code uint16, b []byte) interface{} {
	switch code {
	case TypeBOOL:
		return b[0] != 0
	case TypeSINT:
		return int64(int8(b[0]))
	case TypeINT:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case TypeDINT:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case TypeLINT:
		return int64(binary.LittleEndian.Uint64(b))
	case TypeUSINT, TypeBitString8:
		return uint64(b[0])
	case TypeUINT, TypeBitString16:
		return uint64(binary.LittleEndian.Uint16(b))
	case TypeUDINT, TypeBitString32:
		return uint64(binary.LittleEndian.Uint32(b))
	case TypeULINT:
		return binary.LittleEndian.Uint64(b)
	case TypeREAL:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case TypeLREAL:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	return nil
}

// Logix STRING: 4 byte length then up to 82 characters.
func decodeString(data []byte) (string, error) {
	if len(data) < 4 {
		return "", fmt.Errorf("insufficient data for STRING")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if n > len(data)-4 {
		n = len(data) - 4
	}
	return string(data[4 : 4+n]), nil
}

// Encode converts a value into the little-endian bytes of an atomic type.
func Encode(code uint16, v interface{}) ([]byte, error) {
	size := TypeSize(code)
	if size == 0 || code == TypeSTRING {
		return nil, fmt.Errorf("cannot encode type 0x%02X", code)
	}
	out := make([]byte, size)
	switch code {
	case TypeREAL:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as REAL", v)
		}
		binary.LittleEndian.PutUint32(out, math.Float32bits(float32(f)))
		return out, nil
	case TypeLREAL:
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("cannot encode %T as LREAL", v)
		}
		binary.LittleEndian.PutUint64(out, math.Float64bits(f))
		return out, nil
	}

	var u uint64
	switch x := v.(type) {
	case bool:
		if x {
			u = 1
		}
	case int:
		u = uint64(x)
	case int32:
		u = uint64(x)
	case int64:
		u = uint64(x)
	case uint32:
		u = uint64(x)
	case uint64:
		u = x
	case float64:
		u = uint64(int64(x))
	default:
		return nil, fmt.Errorf("cannot encode %T as %s", v, typeNames[code])
	}
	switch size {
	case 1:
		out[0] = byte(u)
	case 2:
		binary.LittleEndian.PutUint16(out, uint16(u))
	case 4:
		binary.LittleEndian.PutUint32(out, uint32(u))
	case 8:
		binary.LittleEndian.PutUint64(out, u)
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case uint32:
		return float64(x), true
	}
	return 0, false
}
