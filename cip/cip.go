package cip

import (
	"encoding/binary"
	"fmt"

	"github.com/srdgame/libplctag-sub000/status"
)

// ReplyFlag is OR'ed into the service code of every reply.
const ReplyFlag byte = 0x80

// Request is a Message Router request: service, path and service data.
type Request struct {
	Service byte
	Path    EPath_t
	Data    []byte
}

// Marshal encodes the request with its path size in words.
func (r Request) Marshal() []byte {
	out := make([]byte, 0, 2+len(r.Path)+len(r.Data))
	out = append(out, r.Service)
	out = append(out, r.Path.WordLen())
	out = append(out, r.Path...)
	out = append(out, r.Data...)
	return out
}

// Response is a decoded Message Router reply.
type Response struct {
	ReplyService     byte
	GeneralStatus    byte
	AdditionalStatus []uint16
	Data             []byte
}

// Service returns the request service this reply answers.
func (r *Response) Service() byte {
	return r.ReplyService &^ ReplyFlag
}

// Partial reports whether the target has more data for a fragmented transfer.
func (r *Response) Partial() bool {
	return r.GeneralStatus == StatusPartialTransfer
}

// Err returns a *StatusError for anything other than success or partial.
func (r *Response) Err() error {
	if r.GeneralStatus == StatusSuccess || r.GeneralStatus == StatusPartialTransfer {
		return nil
	}
	return &StatusError{Service: r.Service(), General: r.GeneralStatus, Extended: r.AdditionalStatus}
}

// ParseResponse decodes reply service, reserved byte, general status,
// additional status words and the remaining data.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("ParseResponse: need 4 bytes, got %d", len(raw))
	}
	if raw[0]&ReplyFlag == 0 {
		return nil, fmt.Errorf("ParseResponse: service 0x%02X is not a reply", raw[0])
	}

	words := int(raw[3])
	end := 4 + words*2
	if len(raw) < end {
		return nil, fmt.Errorf("ParseResponse: additional status truncated: need %d bytes, got %d", end, len(raw))
	}

	resp := &Response{
		ReplyService:  raw[0],
		GeneralStatus: raw[2],
		Data:          raw[end:],
	}
	for i := 0; i < words; i++ {
		resp.AdditionalStatus = append(resp.AdditionalStatus, binary.LittleEndian.Uint16(raw[4+i*2:]))
	}
	return resp, nil
}

// WrapUnconnectedSend wraps msg in an Unconnected Send to the Connection
// Manager so the gateway forwards it along route.
func WrapUnconnectedSend(msg []byte, route []byte) []byte {
	ucmm := make([]byte, 0, 6+len(msg)+len(route))
	ucmm = append(ucmm, 0x0A) // priority/time tick
	ucmm = append(ucmm, 0x05) // timeout ticks
	ucmm = binary.LittleEndian.AppendUint16(ucmm, uint16(len(msg)))
	ucmm = append(ucmm, msg...)
	if len(msg)%2 != 0 {
		ucmm = append(ucmm, 0x00)
	}
	ucmm = append(ucmm, byte(len(route)/2))
	ucmm = append(ucmm, 0x00)
	ucmm = append(ucmm, route...)

	return Request{Service: SvcUnconnectedSend, Path: ConnectionManagerPath(), Data: ucmm}.Marshal()
}

// Check validates that r answers reqService. Routing failures come back as
// an Unconnected Send reply carrying the gateway's error status; a routed
// request that succeeds is answered with the embedded reply directly.
func (r *Response) Check(reqService byte) error {
	switch r.ReplyService {
	case reqService | ReplyFlag:
		return r.Err()
	case SvcUnconnectedSend | ReplyFlag:
		if err := r.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("reply service 0x%02X does not answer request 0x%02X: %w", r.ReplyService, reqService, status.ErrBadReply)
}
