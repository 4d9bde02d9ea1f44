package cip

import (
	"fmt"

	"github.com/srdgame/libplctag-sub000/status"
)

// General status codes.
const (
	StatusSuccess           byte = 0x00
	StatusConnectionFailure byte = 0x01
	StatusResourceUnavail   byte = 0x02
	StatusPathSegmentError  byte = 0x04
	StatusPathUnknown       byte = 0x05
	StatusPartialTransfer   byte = 0x06
	StatusConnectionLost    byte = 0x07
	StatusServiceNotSupport byte = 0x08
	StatusInvalidAttrValue  byte = 0x09
	StatusAlreadyInState    byte = 0x0B
	StatusObjectStateConfl  byte = 0x0C
	StatusAttrNotSettable   byte = 0x0E
	StatusPrivilegeViolat   byte = 0x0F
	StatusDeviceStateConfl  byte = 0x10
	StatusReplyDataTooLarge byte = 0x11
	StatusNotEnoughData     byte = 0x13
	StatusAttrNotSupported  byte = 0x14
	StatusTooMuchData       byte = 0x15
	StatusObjectNotExist    byte = 0x16
	StatusFragNotSupported  byte = 0x17
	StatusEmbeddedService   byte = 0x1E
	StatusVendorError       byte = 0x1F
	StatusInvalidParameter  byte = 0x20
	StatusPathSizeInvalid   byte = 0x26
	StatusGeneralError      byte = 0xFF
)

// Extended status words.
const (
	ExtConnectionInUse     uint16 = 0x0100
	ExtTransportNotSupport uint16 = 0x0103
	ExtOwnershipConflict   uint16 = 0x0106
	ExtConnectionNotFound  uint16 = 0x0107
	ExtInvalidConnType     uint16 = 0x0108
	ExtInvalidConnSize     uint16 = 0x0109
	ExtOutOfConnections    uint16 = 0x0113
	ExtInvalidSegment      uint16 = 0x0315
	ExtIllegalType         uint16 = 0x2101
	ExtTagNotFound         uint16 = 0x2104
	ExtBeyondEndOfObject   uint16 = 0x2105
	ExtSizeTooSmall        uint16 = 0x2107
	ExtSizeTooLarge        uint16 = 0x2108
	ExtOffsetError         uint16 = 0x2109
)

// StatusError is a remote rejection decoded from a CIP reply.
type StatusError struct {
	Service  byte
	General  byte
	Extended []uint16
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("CIP service 0x%02X failed: %s (0x%02X)", e.Service, StatusName(e.General), e.General)
	if ext, ok := e.ext(); ok {
		msg += fmt.Sprintf(", extended 0x%04X: %s", ext, ExtStatusName(ext))
	}
	return msg
}

func (e *StatusError) ext() (uint16, bool) {
	if len(e.Extended) == 0 {
		return 0, false
	}
	return e.Extended[0], true
}

// HasExtended reports whether the first extended status word equals code.
func (e *StatusError) HasExtended(code uint16) bool {
	ext, ok := e.ext()
	return ok && ext == code
}

// StatusCode maps the remote error to the local taxonomy.
func (e *StatusError) StatusCode() status.Code {
	ext, hasExt := e.ext()
	switch e.General {
	case StatusConnectionFailure:
		if hasExt {
			switch ext {
			case ExtConnectionInUse:
				return status.ErrDuplicate
			case ExtInvalidConnSize:
				return status.ErrTooLarge
			case ExtInvalidSegment:
				return status.ErrBadParam
			case ExtTransportNotSupport, ExtInvalidConnType:
				return status.ErrUnsupported
			}
		}
		return status.ErrRemote
	case StatusPathSegmentError, StatusInvalidAttrValue, StatusInvalidParameter, StatusPathSizeInvalid:
		return status.ErrBadParam
	case StatusPathUnknown, StatusObjectNotExist:
		return status.ErrNotFound
	case StatusServiceNotSupport, StatusAttrNotSupported, StatusFragNotSupported:
		return status.ErrUnsupported
	case StatusReplyDataTooLarge, StatusTooMuchData:
		return status.ErrTooLarge
	case StatusNotEnoughData:
		return status.ErrTooSmall
	case StatusGeneralError:
		if hasExt {
			switch ext {
			case ExtIllegalType:
				return status.ErrBadParam
			case ExtTagNotFound:
				return status.ErrNotFound
			case ExtBeyondEndOfObject, ExtOffsetError:
				return status.ErrOutOfBounds
			case ExtSizeTooSmall:
				return status.ErrTooSmall
			case ExtSizeTooLarge:
				return status.ErrTooLarge
			}
		}
	}
	return status.ErrRemote
}

// Unwrap lets errors.Is match against status codes.
func (e *StatusError) Unwrap() error {
	return e.StatusCode()
}

// StatusName returns a human-readable general status name.
func StatusName(s byte) string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusConnectionFailure:
		return "connection failure"
	case StatusResourceUnavail:
		return "resource unavailable"
	case StatusPathSegmentError:
		return "path segment error"
	case StatusPathUnknown:
		return "path destination unknown"
	case StatusPartialTransfer:
		return "partial transfer"
	case StatusConnectionLost:
		return "connection lost"
	case StatusServiceNotSupport:
		return "service not supported"
	case StatusInvalidAttrValue:
		return "invalid attribute value"
	case StatusAlreadyInState:
		return "already in requested state"
	case StatusObjectStateConfl:
		return "object state conflict"
	case StatusAttrNotSettable:
		return "attribute not settable"
	case StatusPrivilegeViolat:
		return "privilege violation"
	case StatusDeviceStateConfl:
		return "device state conflict"
	case StatusReplyDataTooLarge:
		return "reply data too large"
	case StatusNotEnoughData:
		return "not enough data"
	case StatusAttrNotSupported:
		return "attribute not supported"
	case StatusTooMuchData:
		return "too much data"
	case StatusObjectNotExist:
		return "object does not exist"
	case StatusFragNotSupported:
		return "fragmentation not supported"
	case StatusEmbeddedService:
		return "embedded service error"
	case StatusVendorError:
		return "vendor specific error"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusPathSizeInvalid:
		return "path size invalid"
	case StatusGeneralError:
		return "general error"
	default:
		return "unknown"
	}
}

// ExtStatusName names the extended status words seen from Logix targets.
func ExtStatusName(s uint16) string {
	switch s {
	case ExtConnectionInUse:
		return "connection in use or duplicate forward open"
	case ExtTransportNotSupport:
		return "transport class and trigger not supported"
	case ExtOwnershipConflict:
		return "ownership conflict"
	case ExtConnectionNotFound:
		return "target connection not found"
	case ExtInvalidConnType:
		return "invalid network connection parameter"
	case ExtInvalidConnSize:
		return "invalid connection size"
	case ExtOutOfConnections:
		return "out of connections"
	case ExtInvalidSegment:
		return "invalid segment in connection path"
	case ExtIllegalType:
		return "illegal data type"
	case ExtTagNotFound:
		return "tag not found"
	case ExtBeyondEndOfObject:
		return "access beyond end of object"
	case ExtSizeTooSmall:
		return "data size too small"
	case ExtSizeTooLarge:
		return "data size too large"
	case ExtOffsetError:
		return "offset out of range"
	default:
		return "unknown"
	}
}
