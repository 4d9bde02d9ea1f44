package plcman

import (
	"fmt"
	"reflect"
	"time"

	"github.com/srdgame/libplctag-sub000/logix"
)

// TagValue is the latest state of one polled tag.
type TagValue struct {
	Gateway   string
	Name      string
	DataType  uint16
	Count     int
	Value     interface{} // decoded with logix.Decode
	Bytes     []byte
	Error     error // per-tag error, nil when the last read succeeded
	Timestamp time.Time
}

// GoValue returns the decoded value, or nil after an error.
func (v *TagValue) GoValue() interface{} {
	if v.Error != nil {
		return nil
	}
	return v.Value
}

// TypeName returns the Logix type name.
func (v *TagValue) TypeName() string {
	return logix.TypeName(logix.AtomicDescriptor(v.DataType))
}

// ValueChange is published whenever a tag's value or error state changes.
type ValueChange struct {
	Gateway   string      `json:"gateway"`
	Tag       string      `json:"tag"`
	TypeName  string      `json:"type"`
	Value     interface{} `json:"value"`
	Error     string      `json:"error,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

func newValue(gateway, name string, code uint16, count int, raw []byte, readErr error) *TagValue {
	tv := &TagValue{
		Gateway:   gateway,
		Name:      name,
		DataType:  code,
		Count:     count,
		Bytes:     raw,
		Error:     readErr,
		Timestamp: time.Now(),
	}
	if readErr == nil {
		tv.Value, tv.Error = logix.Decode(code, raw)
	}
	return tv
}

// changed reports whether next differs from prev for publishing.
func changed(prev, next *TagValue) bool {
	if prev == nil {
		return true
	}
	if (prev.Error == nil) != (next.Error == nil) {
		return true
	}
	if next.Error != nil {
		return prev.Error.Error() != next.Error.Error()
	}
	return !reflect.DeepEqual(prev.Value, next.Value)
}

// encodeValue converts v into tag bytes. Arrays take a slice of values.
func encodeValue(code uint16, count int, v interface{}) ([]byte, error) {
	if count <= 1 {
		return logix.Encode(code, v)
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("tag holds %d elements, value must be a list", count)
	}
	if len(items) != count {
		return nil, fmt.Errorf("tag holds %d elements, got %d", count, len(items))
	}
	var out []byte
	for i, item := range items {
		b, err := logix.Encode(code, item)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
