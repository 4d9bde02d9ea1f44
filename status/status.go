// Package status defines the result codes reported by tags and sessions.
//
// The numbering follows the classic libplctag convention so codes can be
// exchanged with existing tooling: 0 is OK, 1 is PENDING and every error is
// negative.
package status

import (
	"context"
	"errors"
	"fmt"
)

// Code is an operation result. Error codes implement error.
type Code int

const (
	OK      Code = 0
	Pending Code = 1

	ErrAbort          Code = -1
	ErrBadConfig      Code = -2
	ErrBadConnection  Code = -3
	ErrBadData        Code = -4
	ErrBadDevice      Code = -5
	ErrBadGateway     Code = -6
	ErrBadParam       Code = -7
	ErrBadReply       Code = -8
	ErrBadStatus      Code = -9
	ErrClose          Code = -10
	ErrCreate         Code = -11
	ErrDuplicate      Code = -12
	ErrEncode         Code = -13
	ErrMutexDestroy   Code = -14
	ErrMutexInit      Code = -15
	ErrMutexLock      Code = -16
	ErrMutexUnlock    Code = -17
	ErrNoMem          Code = -18
	ErrNotFound       Code = -19
	ErrNotImplemented Code = -20
	ErrNoData         Code = -21
	ErrNullPtr        Code = -22
	ErrOpen           Code = -23
	ErrOutOfBounds    Code = -24
	ErrRead           Code = -25
	ErrRemote         Code = -26
	ErrThreadCreate   Code = -27
	ErrThreadJoin     Code = -28
	ErrTimeout        Code = -32
	ErrTooLarge       Code = -33
	ErrTooSmall       Code = -34
	ErrUnsupported    Code = -35
	ErrWinsock        Code = -36
	ErrWrite          Code = -37
	ErrPartial        Code = -38
	ErrBusy           Code = -39
)

var names = map[Code]string{
	OK:                "PLCTAG_STATUS_OK",
	Pending:           "PLCTAG_STATUS_PENDING",
	ErrAbort:          "PLCTAG_ERR_ABORT",
	ErrBadConfig:      "PLCTAG_ERR_BAD_CONFIG",
	ErrBadConnection:  "PLCTAG_ERR_BAD_CONNECTION",
	ErrBadData:        "PLCTAG_ERR_BAD_DATA",
	ErrBadDevice:      "PLCTAG_ERR_BAD_DEVICE",
	ErrBadGateway:     "PLCTAG_ERR_BAD_GATEWAY",
	ErrBadParam:       "PLCTAG_ERR_BAD_PARAM",
	ErrBadReply:       "PLCTAG_ERR_BAD_REPLY",
	ErrBadStatus:      "PLCTAG_ERR_BAD_STATUS",
	ErrClose:          "PLCTAG_ERR_CLOSE",
	ErrCreate:         "PLCTAG_ERR_CREATE",
	ErrDuplicate:      "PLCTAG_ERR_DUPLICATE",
	ErrEncode:         "PLCTAG_ERR_ENCODE",
	ErrMutexDestroy:   "PLCTAG_ERR_MUTEX_DESTROY",
	ErrMutexInit:      "PLCTAG_ERR_MUTEX_INIT",
	ErrMutexLock:      "PLCTAG_ERR_MUTEX_LOCK",
	ErrMutexUnlock:    "PLCTAG_ERR_MUTEX_UNLOCK",
	ErrNoMem:          "PLCTAG_ERR_NO_MEM",
	ErrNotFound:       "PLCTAG_ERR_NOT_FOUND",
	ErrNotImplemented: "PLCTAG_ERR_NOT_IMPLEMENTED",
	ErrNoData:         "PLCTAG_ERR_NO_DATA",
	ErrNullPtr:        "PLCTAG_ERR_NULL_PTR",
	ErrOpen:           "PLCTAG_ERR_OPEN",
	ErrOutOfBounds:    "PLCTAG_ERR_OUT_OF_BOUNDS",
	ErrRead:           "PLCTAG_ERR_READ",
	ErrRemote:         "PLCTAG_ERR_REMOTE_ERR",
	ErrThreadCreate:   "PLCTAG_ERR_THREAD_CREATE",
	ErrThreadJoin:     "PLCTAG_ERR_THREAD_JOIN",
	ErrTimeout:        "PLCTAG_ERR_TIMEOUT",
	ErrTooLarge:       "PLCTAG_ERR_TOO_LARGE",
	ErrTooSmall:       "PLCTAG_ERR_TOO_SMALL",
	ErrUnsupported:    "PLCTAG_ERR_UNSUPPORTED",
	ErrWinsock:        "PLCTAG_ERR_WINSOCK",
	ErrWrite:          "PLCTAG_ERR_WRITE",
	ErrPartial:        "PLCTAG_ERR_PARTIAL",
	ErrBusy:           "PLCTAG_ERR_BUSY",
}

// String returns the libplctag style name of the code.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("PLCTAG_ERR_UNKNOWN(%d)", int(c))
}

// Error implements error so codes can be returned and wrapped directly.
func (c Code) Error() string {
	return c.String()
}

// IsError reports whether c is an error code.
func (c Code) IsError() bool {
	return c < 0
}

// FromError maps an error chain to a Code. A nil error is OK; errors that
// carry no Code map to the closest transport or generic code.
func FromError(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	var coded interface{ StatusCode() Code }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrAbort
	}
	return ErrBadStatus
}
