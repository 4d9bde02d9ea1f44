package plctag

import (
	"github.com/srdgame/libplctag-sub000/tag"
)

func getter[V any](l *Library, id int32, fn func(tag.Tag) (V, error)) (V, error) {
	e, err := l.lookup(id)
	if err != nil {
		var zero V
		return zero, err
	}
	return fn(e.tag)
}

func setter(l *Library, id int32, fn func(tag.Tag) error) error {
	e, err := l.lookup(id)
	if err != nil {
		return err
	}
	return fn(e.tag)
}

func (l *Library) GetBit(id int32, bit int) (bool, error) {
	return getter(l, id, func(t tag.Tag) (bool, error) { return t.GetBit(bit) })
}

func (l *Library) SetBit(id int32, bit int, v bool) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetBit(bit, v) })
}

func (l *Library) GetUint8(id int32, offset int) (uint8, error) {
	return getter(l, id, func(t tag.Tag) (uint8, error) { return t.GetUint8(offset) })
}

func (l *Library) SetUint8(id int32, offset int, v uint8) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetUint8(offset, v) })
}

func (l *Library) GetInt8(id int32, offset int) (int8, error) {
	return getter(l, id, func(t tag.Tag) (int8, error) { return t.GetInt8(offset) })
}

func (l *Library) SetInt8(id int32, offset int, v int8) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetInt8(offset, v) })
}

func (l *Library) GetUint16(id int32, offset int) (uint16, error) {
	return getter(l, id, func(t tag.Tag) (uint16, error) { return t.GetUint16(offset) })
}

func (l *Library) SetUint16(id int32, offset int, v uint16) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetUint16(offset, v) })
}

func (l *Library) GetInt16(id int32, offset int) (int16, error) {
	return getter(l, id, func(t tag.Tag) (int16, error) { return t.GetInt16(offset) })
}

func (l *Library) SetInt16(id int32, offset int, v int16) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetInt16(offset, v) })
}

func (l *Library) GetUint32(id int32, offset int) (uint32, error) {
	return getter(l, id, func(t tag.Tag) (uint32, error) { return t.GetUint32(offset) })
}

func (l *Library) SetUint32(id int32, offset int, v uint32) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetUint32(offset, v) })
}

func (l *Library) GetInt32(id int32, offset int) (int32, error) {
	return getter(l, id, func(t tag.Tag) (int32, error) { return t.GetInt32(offset) })
}

func (l *Library) SetInt32(id int32, offset int, v int32) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetInt32(offset, v) })
}

func (l *Library) GetUint64(id int32, offset int) (uint64, error) {
	return getter(l, id, func(t tag.Tag) (uint64, error) { return t.GetUint64(offset) })
}

func (l *Library) SetUint64(id int32, offset int, v uint64) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetUint64(offset, v) })
}

func (l *Library) GetInt64(id int32, offset int) (int64, error) {
	return getter(l, id, func(t tag.Tag) (int64, error) { return t.GetInt64(offset) })
}

func (l *Library) SetInt64(id int32, offset int, v int64) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetInt64(offset, v) })
}

func (l *Library) GetFloat32(id int32, offset int) (float32, error) {
	return getter(l, id, func(t tag.Tag) (float32, error) { return t.GetFloat32(offset) })
}

func (l *Library) SetFloat32(id int32, offset int, v float32) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetFloat32(offset, v) })
}

func (l *Library) GetFloat64(id int32, offset int) (float64, error) {
	return getter(l, id, func(t tag.Tag) (float64, error) { return t.GetFloat64(offset) })
}

func (l *Library) SetFloat64(id int32, offset int, v float64) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetFloat64(offset, v) })
}

// GetBytes copies n bytes at offset out of the tag buffer.
func (l *Library) GetBytes(id int32, offset, n int) ([]byte, error) {
	return getter(l, id, func(t tag.Tag) ([]byte, error) { return t.GetBytes(offset, n) })
}

// SetBytes copies b into the tag buffer at offset.
func (l *Library) SetBytes(id int32, offset int, b []byte) error {
	return setter(l, id, func(t tag.Tag) error { return t.SetBytes(offset, b) })
}

// Package level accessors operate on the default library.

func GetBit(id int32, bit int) (bool, error) { return lib().GetBit(id, bit) }
func SetBit(id int32, bit int, v bool) error { return lib().SetBit(id, bit, v) }
func GetUint8(id int32, offset int) (uint8, error) { return lib().GetUint8(id, offset) }
func SetUint8(id int32, offset int, v uint8) error { return lib().SetUint8(id, offset, v) }
func GetInt8(id int32, offset int) (int8, error) { return lib().GetInt8(id, offset) }
func SetInt8(id int32, offset int, v int8) error { return lib().SetInt8(id, offset, v) }
func GetUint16(id int32, offset int) (uint16, error) { return lib().GetUint16(id, offset) }
func SetUint16(id int32, offset int, v uint16) error { return lib().SetUint16(id, offset, v) }
func GetInt16(id int32, offset int) (int16, error) { return lib().GetInt16(id, offset) }
func SetInt16(id int32, offset int, v int16) error { return lib().SetInt16(id, offset, v) }
func GetUint32(id int32, offset int) (uint32, error) { return lib().GetUint32(id, offset) }
func SetUint32(id int32, offset int, v uint32) error { return lib().SetUint32(id, offset, v) }
func GetInt32(id int32, offset int) (int32, error) { return lib().GetInt32(id, offset) }
func SetInt32(id int32, offset int, v int32) error { return lib().SetInt32(id, offset, v) }
func GetUint64(id int32, offset int) (uint64, error) { return lib().GetUint64(id, offset) }
func SetUint64(id int32, offset int, v uint64) error { return lib().SetUint64(id, offset, v) }
func GetInt64(id int32, offset int) (int64, error) { return lib().GetInt64(id, offset) }
func SetInt64(id int32, offset int, v int64) error { return lib().SetInt64(id, offset, v) }
func GetFloat32(id int32, offset int) (float32, error) { return lib().GetFloat32(id, offset) }
func SetFloat32(id int32, offset int, v float32) error { return lib().SetFloat32(id, offset, v) }
func GetFloat64(id int32, offset int) (float64, error) { return lib().GetFloat64(id, offset) }
func SetFloat64(id int32, offset int, v float64) error { return lib().SetFloat64(id, offset, v) }
func GetBytes(id int32, offset, n int) ([]byte, error) { return lib().GetBytes(id, offset, n) }
func SetBytes(id int32, offset int, b []byte) error { return lib().SetBytes(id, offset, b) }
