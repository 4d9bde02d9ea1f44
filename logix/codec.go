package logix

import (
	"encoding/binary"
	"fmt"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/status"
)

// Logix data table services.
const (
	SvcReadTag            byte = 0x4C
	SvcWriteTag           byte = 0x4D
	SvcReadTagFragmented  byte = 0x52
	SvcWriteTagFragmented byte = 0x53
)

// BuildRead encodes a read of count elements. The first fragment uses
// Read Tag; once offset is non-zero Read Tag Fragmented with the byte
// offset is used instead.
func BuildRead(ioi []byte, count uint16, offset uint32) []byte {
	svc := SvcReadTag
	if offset > 0 {
		svc = SvcReadTagFragmented
	}
	out := make([]byte, 0, 1+len(ioi)+6)
	out = append(out, svc)
	out = append(out, ioi...)
	out = binary.LittleEndian.AppendUint16(out, count)
	if svc == SvcReadTagFragmented {
		out = binary.LittleEndian.AppendUint32(out, offset)
	}
	return out
}

// BuildWrite encodes a write of payload. A fragmented write always carries
// the byte offset, including the first fragment at offset 0.
func BuildWrite(ioi, desc []byte, count uint16, offset uint32, payload []byte, fragmented bool) []byte {
	svc := SvcWriteTag
	if fragmented {
		svc = SvcWriteTagFragmented
	}
	out := make([]byte, 0, 1+len(ioi)+len(desc)+6+len(payload))
	out = append(out, svc)
	out = append(out, ioi...)
	out = append(out, desc...)
	out = binary.LittleEndian.AppendUint16(out, count)
	if fragmented {
		out = binary.LittleEndian.AppendUint32(out, offset)
	}
	return append(out, payload...)
}

// RequestService returns the service byte of an encoded request.
func RequestService(req []byte) byte {
	if len(req) == 0 {
		return 0
	}
	return req[0]
}

// ReadReply is a decoded read response.
type ReadReply struct {
	Descriptor []byte
	Data       []byte
	Partial    bool
}

// ParseReadReply decodes a reply to service. descLen is the size of the
// already cached type descriptor; pass 0 to capture it from this reply.
func ParseReadReply(raw []byte, service byte, descLen int) (*ReadReply, error) {
	resp, err := cip.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("read reply: %v: %w", err, status.ErrBadReply)
	}
	if err := resp.Check(service); err != nil {
		return nil, err
	}

	n := descLen
	if n == 0 {
		n, err = DescriptorLen(resp.Data)
		if err != nil {
			return nil, err
		}
	} else if len(resp.Data) < n {
		return nil, fmt.Errorf("read reply shorter than %d byte type descriptor: %w", n, status.ErrBadReply)
	}

	return &ReadReply{
		Descriptor: resp.Data[:n],
		Data:       resp.Data[n:],
		Partial:    resp.Partial(),
	}, nil
}

// CopyFragment stores a read fragment at offset in buf and returns the new
// offset. done is false while more fragments are expected and true once the
// buffer is exactly filled. Replies that overflow the buffer, end early or
// make no progress are errors.
func CopyFragment(buf []byte, offset int, rr *ReadReply) (next int, done bool, err error) {
	end := offset + len(rr.Data)
	if end > len(buf) {
		return offset, false, fmt.Errorf("reply carries %d bytes at offset %d, tag holds %d: %w", len(rr.Data), offset, len(buf), status.ErrTooLarge)
	}
	copy(buf[offset:end], rr.Data)

	if rr.Partial {
		if len(rr.Data) == 0 {
			return offset, false, fmt.Errorf("partial reply with no data at offset %d: %w", offset, status.ErrBadReply)
		}
		if end == len(buf) {
			return end, false, fmt.Errorf("target reports more data past %d bytes: %w", end, status.ErrTooLarge)
		}
		return end, false, nil
	}

	if end != len(buf) {
		return end, false, fmt.Errorf("read ended at %d of %d bytes: %w", end, len(buf), status.ErrTooSmall)
	}
	return end, true, nil
}

// ParseWriteReply checks the reply to a write service.
func ParseWriteReply(raw []byte, service byte) error {
	resp, err := cip.ParseResponse(raw)
	if err != nil {
		return fmt.Errorf("write reply: %v: %w", err, status.ErrBadReply)
	}
	if err := resp.Check(service); err != nil {
		return err
	}
	if resp.Partial() {
		return fmt.Errorf("unexpected partial status on write: %w", status.ErrBadReply)
	}
	return nil
}

// write request overhead besides the name and descriptor: service byte,
// element count and fragment offset
const writeOverhead = 1 + 2 + 4

// WritePlan decides how a write of total bytes is split under a CIP
// message budget. Whole is true when a single Write Tag fits. Otherwise
// every fragment carries Chunk bytes (the last one the remainder), Chunk
// being the space left rounded down to a multiple of 8.
type WritePlan struct {
	Whole bool
	Chunk int
}

// PlanWrite computes the write plan for a tag.
func PlanWrite(total, budget, ioiLen, descLen int) (WritePlan, error) {
	fixed := ioiLen + descLen + writeOverhead
	if total+fixed-4 <= budget {
		return WritePlan{Whole: true, Chunk: total}, nil
	}
	chunk := (budget - fixed) &^ 7
	if chunk <= 0 {
		return WritePlan{}, fmt.Errorf("no room for write data in %d byte message: %w", budget, status.ErrTooSmall)
	}
	return WritePlan{Chunk: chunk}, nil
}

// Fragments returns the number of requests the plan issues for total bytes.
func (p WritePlan) Fragments(total int) int {
	if p.Whole || p.Chunk == 0 {
		return 1
	}
	return (total + p.Chunk - 1) / p.Chunk
}
