package logix

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/srdgame/libplctag-sub000/cip"
	"github.com/srdgame/libplctag-sub000/status"
)

// reply builds a CIP reply to svc carrying desc and data.
func reply(svc, general byte, desc, data []byte) []byte {
	out := []byte{svc | 0x80, 0x00, general, 0x00}
	out = append(out, desc...)
	return append(out, data...)
}

func TestBuildRead(t *testing.T) {
	ioi, _ := cip.EncodeTagName("TestDINTArray")

	first := BuildRead(ioi, 10, 0)
	want := append([]byte{SvcReadTag}, ioi...)
	want = append(want, 0x0A, 0x00)
	if !bytes.Equal(first, want) {
		t.Errorf("first = % X\nwant    % X", first, want)
	}

	next := BuildRead(ioi, 10, 24)
	if next[0] != SvcReadTagFragmented {
		t.Errorf("service = 0x%02X", next[0])
	}
	if got := binary.LittleEndian.Uint32(next[len(next)-4:]); got != 24 {
		t.Errorf("offset = %d", got)
	}
}

func TestBuildWrite(t *testing.T) {
	ioi, _ := cip.EncodeTagName("A")
	desc := AtomicDescriptor(TypeDINT)
	payload := []byte{1, 0, 0, 0}

	whole := BuildWrite(ioi, desc, 1, 0, payload, false)
	want := append([]byte{SvcWriteTag}, ioi...)
	want = append(want, 0xC4, 0x00, 0x01, 0x00)
	want = append(want, payload...)
	if !bytes.Equal(whole, want) {
		t.Errorf("whole = % X\nwant    % X", whole, want)
	}

	frag := BuildWrite(ioi, desc, 1, 0, payload, true)
	if frag[0] != SvcWriteTagFragmented || len(frag) != len(whole)+4 {
		t.Errorf("frag = % X", frag)
	}
}

func TestDescriptorLen(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want int
		err  status.Code
	}{
		{"dint", []byte{0xC4, 0x00}, 2, 0},
		{"struct", []byte{0xA0, 0x02, 0xCE, 0x0F}, 4, 0},
		{"array", []byte{0xA1, 0x04, 1, 2, 3, 4, 0xFF}, 6, 0},
		{"too large", append([]byte{0xA2, 0x20}, make([]byte, 32)...), 0, status.ErrTooLarge},
		{"truncated", []byte{0xA0, 0x04, 0x00}, 0, status.ErrBadReply},
		{"short", []byte{0xC4}, 0, status.ErrBadReply},
		{"unknown", []byte{0x10, 0x00}, 0, status.ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DescriptorLen(tt.raw)
			if tt.err != 0 {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("got %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}

func TestParseReadReply(t *testing.T) {
	desc := AtomicDescriptor(TypeDINT)
	rr, err := ParseReadReply(reply(SvcReadTag, 0x06, desc, []byte{1, 2, 3, 4}), SvcReadTag, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !rr.Partial || !bytes.Equal(rr.Descriptor, desc) || !bytes.Equal(rr.Data, []byte{1, 2, 3, 4}) {
		t.Errorf("rr = %+v", rr)
	}

	// cached descriptor length is skipped on later fragments
	struc := []byte{0xA0, 0x02, 0xCE, 0x0F}
	rr, err = ParseReadReply(reply(SvcReadTagFragmented, 0x00, struc, []byte{9}), SvcReadTagFragmented, len(struc))
	if err != nil || !bytes.Equal(rr.Data, []byte{9}) {
		t.Errorf("rr = %+v, err = %v", rr, err)
	}

	_, err = ParseReadReply([]byte{0xCC, 0x00, 0xFF, 0x01, 0x04, 0x21}, SvcReadTag, 0)
	if !errors.Is(err, status.ErrNotFound) {
		t.Errorf("remote error = %v", err)
	}

	_, err = ParseReadReply([]byte{0xCC}, SvcReadTag, 0)
	if !errors.Is(err, status.ErrBadReply) {
		t.Errorf("short reply = %v", err)
	}
}

func TestCopyFragment(t *testing.T) {
	buf := make([]byte, 8)

	off, done, err := CopyFragment(buf, 0, &ReadReply{Data: []byte{1, 2, 3, 4}, Partial: true})
	if err != nil || done || off != 4 {
		t.Fatalf("first: %d %v %v", off, done, err)
	}
	off, done, err = CopyFragment(buf, off, &ReadReply{Data: []byte{5, 6, 7, 8}})
	if err != nil || !done || off != 8 {
		t.Fatalf("second: %d %v %v", off, done, err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("buf = % X", buf)
	}

	tests := []struct {
		name   string
		offset int
		rr     ReadReply
		want   status.Code
	}{
		{"overflow", 4, ReadReply{Data: make([]byte, 5)}, status.ErrTooLarge},
		{"short final", 0, ReadReply{Data: make([]byte, 4)}, status.ErrTooSmall},
		{"empty partial", 0, ReadReply{Partial: true}, status.ErrBadReply},
		{"partial at end", 0, ReadReply{Data: make([]byte, 8), Partial: true}, status.ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := CopyFragment(make([]byte, 8), tt.offset, &tt.rr)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// simulate a target that answers each read with at most limit data bytes
func serveRead(src []byte, offset, limit int) []byte {
	end := offset + limit
	general := byte(0x06)
	if end >= len(src) {
		end = len(src)
		general = 0x00
	}
	svc := SvcReadTag
	if offset > 0 {
		svc = SvcReadTagFragmented
	}
	return reply(svc, general, AtomicDescriptor(TypeDINT), src[offset:end])
}

func TestReadFragmentationCompleteness(t *testing.T) {
	ioi, _ := cip.EncodeTagName("TestDINTArray")
	for _, size := range []int{4, 40, 500, 4000} {
		for _, limit := range []int{4, 7, 64, 496, 5000} {
			src := make([]byte, size)
			for i := range src {
				src[i] = byte(i * 7)
			}
			buf := make([]byte, size)
			offset, requests := 0, 0
			var descLen int
			for {
				req := BuildRead(ioi, uint16(size/4), uint32(offset))
				requests++
				rr, err := ParseReadReply(serveRead(src, offset, limit), req[0], descLen)
				if err != nil {
					t.Fatalf("size %d limit %d: %v", size, limit, err)
				}
				descLen = len(rr.Descriptor)
				var done bool
				offset, done, err = CopyFragment(buf, offset, rr)
				if err != nil {
					t.Fatalf("size %d limit %d: %v", size, limit, err)
				}
				if done {
					break
				}
			}
			if want := (size + limit - 1) / limit; requests != want {
				t.Errorf("size %d limit %d: %d requests, want %d", size, limit, requests, want)
			}
			if !bytes.Equal(buf, src) {
				t.Errorf("size %d limit %d: data mismatch", size, limit)
			}
		}
	}
}

func TestPlanWrite(t *testing.T) {
	ioi, _ := cip.EncodeTagName("TestDINTArray")
	desc := AtomicDescriptor(TypeDINT)

	p, err := PlanWrite(40, 504, len(ioi), len(desc))
	if err != nil || !p.Whole || p.Fragments(40) != 1 {
		t.Fatalf("small write = %+v, %v", p, err)
	}

	for _, total := range []int{600, 1000, 4000} {
		for _, budget := range []int{100, 504, 1000} {
			p, err := PlanWrite(total, budget, len(ioi), len(desc))
			if err != nil {
				t.Fatal(err)
			}
			if p.Whole {
				continue
			}
			if p.Chunk%8 != 0 {
				t.Errorf("chunk %d not a multiple of 8", p.Chunk)
			}

			// walk the plan as the tag does and check each request fits
			var sent []byte
			src := make([]byte, total)
			for i := range src {
				src[i] = byte(i)
			}
			n := 0
			for off := 0; off < total; off += p.Chunk {
				end := min(off+p.Chunk, total)
				req := BuildWrite(ioi, desc, uint16(total/4), uint32(off), src[off:end], true)
				if len(req) > budget {
					t.Errorf("total %d budget %d: request of %d bytes", total, budget, len(req))
				}
				sent = append(sent, src[off:end]...)
				n++
			}
			if n != p.Fragments(total) {
				t.Errorf("total %d budget %d: %d fragments, plan says %d", total, budget, n, p.Fragments(total))
			}
			if !bytes.Equal(sent, src) {
				t.Errorf("total %d budget %d: payload mismatch", total, budget)
			}
		}
	}

	if _, err := PlanWrite(100, 20, len(ioi), len(desc)); !errors.Is(err, status.ErrTooSmall) {
		t.Errorf("tiny budget err = %v", err)
	}
}

func TestParseWriteReply(t *testing.T) {
	if err := ParseWriteReply([]byte{0xCD, 0, 0, 0}, SvcWriteTag); err != nil {
		t.Errorf("ok reply: %v", err)
	}
	if err := ParseWriteReply([]byte{0xD3, 0, 0x06, 0}, SvcWriteTagFragmented); !errors.Is(err, status.ErrBadReply) {
		t.Errorf("partial write reply: %v", err)
	}
	if err := ParseWriteReply([]byte{0xCD, 0, 0x05, 0}, SvcWriteTag); !errors.Is(err, status.ErrNotFound) {
		t.Errorf("path unknown: %v", err)
	}
}

func TestDecodeEncode(t *testing.T) {
	v, err := Decode(TypeDINT, []byte{0xFE, 0xFF, 0xFF, 0xFF})
	if err != nil || v != int64(-2) {
		t.Errorf("DINT = %v, %v", v, err)
	}

	arr, err := Decode(TypeINT, []byte{1, 0, 2, 0})
	if err != nil {
		t.Fatal(err)
	}
	if vals, ok := arr.([]interface{}); !ok || len(vals) != 2 || vals[1] != int64(2) {
		t.Errorf("INT[2] = %v", arr)
	}

	raw, err := Encode(TypeREAL, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := Decode(TypeREAL, raw); v != 1.5 {
		t.Errorf("REAL = %v", v)
	}

	raw, _ = Encode(TypeBOOL, true)
	if v, _ := Decode(TypeBOOL, raw); v != true {
		t.Errorf("BOOL = %v", v)
	}

	s, err := Decode(TypeSTRING, append([]byte{3, 0, 0, 0}, "abcxx"...))
	if err != nil || s != "abc" {
		t.Errorf("STRING = %v, %v", s, err)
	}

	if _, err := Decode(TypeDINT, []byte{1, 2, 3}); err == nil {
		t.Error("partial element accepted")
	}
	if _, err := Encode(TypeDINT, "x"); err == nil {
		t.Error("string encoded as DINT")
	}
}

func TestTypeNames(t *testing.T) {
	if code, ok := TypeCodeFromName("dint"); !ok || code != TypeDINT {
		t.Errorf("TypeCodeFromName(dint) = %v, %v", code, ok)
	}
	if TypeName(AtomicDescriptor(TypeLREAL)) != "LREAL" {
		t.Error("LREAL name")
	}
	if TypeName([]byte{0xA0, 0x02, 0, 0}) != "STRUCT" {
		t.Error("STRUCT name")
	}
	if DescriptorType([]byte{0xA0, 0x02}) != 0 {
		t.Error("aggregate has no atomic type")
	}
}
