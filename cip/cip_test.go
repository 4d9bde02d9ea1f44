package cip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/srdgame/libplctag-sub000/status"
)

func TestEncodeTagName(t *testing.T) {
	tests := []struct {
		name string
		want []byte
	}{
		{"Counter", []byte{0x05, 0x91, 0x07, 'C', 'o', 'u', 'n', 't', 'e', 'r', 0x00}},
		{"AB", []byte{0x02, 0x91, 0x02, 'A', 'B'}},
		{"A[5]", []byte{0x03, 0x91, 0x01, 'A', 0x00, 0x28, 0x05}},
		{"A[300]", []byte{0x04, 0x91, 0x01, 'A', 0x00, 0x29, 0x00, 0x2C, 0x01}},
		{"A[70000]", []byte{0x05, 0x91, 0x01, 'A', 0x00, 0x2A, 0x00, 0x70, 0x11, 0x01, 0x00}},
		{"A[1,2]", []byte{0x04, 0x91, 0x01, 'A', 0x00, 0x28, 0x01, 0x28, 0x02}},
		{"S.F", []byte{0x04, 0x91, 0x01, 'S', 0x00, 0x91, 0x01, 'F', 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeTagName(tt.name)
			if err != nil {
				t.Fatalf("EncodeTagName: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got  % X\nwant % X", got, tt.want)
			}
		})
	}
}

func TestTagNameRoundTrip(t *testing.T) {
	names := []string{
		"TestDINTArray",
		"TestDINTArray[0]",
		"Program:MainProgram.Recipe[3].Step",
		"Big[4294967295]",
		"Matrix[1,256,65536]",
		"UDT.Member.Sub[9]",
		"Odd",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			ioi, err := EncodeTagName(name)
			if err != nil {
				t.Fatalf("EncodeTagName: %v", err)
			}
			if (len(ioi)-1)%2 != 0 {
				t.Errorf("segment bytes not even: %d", len(ioi)-1)
			}
			if int(ioi[0])*2 != len(ioi)-1 {
				t.Errorf("word count %d does not match %d bytes", ioi[0], len(ioi)-1)
			}
			got, err := DecodeTagName(ioi)
			if err != nil {
				t.Fatalf("DecodeTagName: %v", err)
			}
			if got != name {
				t.Errorf("round trip = %q, want %q", got, name)
			}
		})
	}
}

func TestEncodeTagNameErrors(t *testing.T) {
	tests := []string{"", "A..B", ".A", "A.", "A[", "A[]", "A[x]", "A[1]B", "A]", "A,B", "A[99999999999]"}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := EncodeTagName(name)
			if !errors.Is(err, status.ErrBadParam) {
				t.Errorf("EncodeTagName(%q) err = %v, want BAD_PARAM", name, err)
			}
		})
	}

	long := string(bytes.Repeat([]byte{'x'}, 256))
	if _, err := EncodeTagName(long); !errors.Is(err, status.ErrTooLarge) {
		t.Errorf("long symbol err = %v", err)
	}
}

func TestDecodeTagNameErrors(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x02, 0x91, 0x02, 'A'},
		{0x01, 0x77, 0x00},
		{0x01, 0x91, 0x05},
	}
	for _, ioi := range tests {
		if _, err := DecodeTagName(ioi); err == nil {
			t.Errorf("DecodeTagName(% X) expected error", ioi)
		}
	}
}

func TestParseRoute(t *testing.T) {
	tests := []struct {
		path string
		want []byte
	}{
		{"", nil},
		{"1,0", []byte{0x01, 0x00}},
		{" 1, 3 ", []byte{0x01, 0x03}},
		{"1,2,2,10.1.1.5,1,0", append(append([]byte{0x01, 0x02, 0x12, 0x08}, "10.1.1.5"...), 0x01, 0x00)},
		{"18,10.0.0.25", append(append([]byte{0x12, 0x09}, "10.0.0.25"...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseRoute(tt.path)
			if err != nil {
				t.Fatalf("ParseRoute: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got  % X\nwant % X", got, tt.want)
			}
			if len(got)%2 != 0 {
				t.Error("route not word aligned")
			}
		})
	}
}

func TestParseRouteErrors(t *testing.T) {
	tests := []struct {
		path string
		want status.Code
	}{
		{"1", status.ErrBadParam},
		{"1,0,1", status.ErrBadParam},
		{"0,1", status.ErrBadParam},
		{"x,1", status.ErrBadParam},
		{"1,", status.ErrBadParam},
		{"1,0,A:27", status.ErrUnsupported},
		{"1,0,2:5", status.ErrUnsupported},
		{"1,0,Z:27", status.ErrBadParam},
		{"1,0,A:999", status.ErrBadParam},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := ParseRoute(tt.path)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConnectionPath(t *testing.T) {
	route, _ := ParseRoute("1,0")
	got := ConnectionPath(route)
	want := []byte{0x01, 0x00, 0x20, 0x02, 0x24, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestPathBuilder(t *testing.T) {
	p, err := EPath().Class(0x6B).Instance16(0x1234).Attribute(0x02).Build()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x20, 0x6B, 0x25, 0x00, 0x34, 0x12, 0x30, 0x02}
	if !bytes.Equal(p, want) {
		t.Errorf("got % X, want % X", []byte(p), want)
	}
	if p.WordLen() != 4 {
		t.Errorf("WordLen = %d", p.WordLen())
	}
}

func TestParseResponse(t *testing.T) {
	raw := []byte{0xCC, 0x00, 0xFF, 0x01, 0x04, 0x21, 0xAA}
	resp, err := ParseResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Service() != 0x4C || resp.GeneralStatus != 0xFF || len(resp.AdditionalStatus) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if !bytes.Equal(resp.Data, []byte{0xAA}) {
		t.Errorf("data = % X", resp.Data)
	}

	err = resp.Check(0x4C)
	var se *StatusError
	if !errors.As(err, &se) || !se.HasExtended(ExtTagNotFound) {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, status.ErrNotFound) {
		t.Errorf("StatusError should map to NOT_FOUND, got %v", status.FromError(err))
	}

	if _, err := ParseResponse([]byte{0x4C, 0, 0, 0}); err == nil {
		t.Error("request service accepted as reply")
	}
	if _, err := ParseResponse([]byte{0xCC, 0, 0xFF, 0x02, 0x00}); err == nil {
		t.Error("truncated additional status accepted")
	}
}

func TestResponseCheck(t *testing.T) {
	partial := &Response{ReplyService: 0xD2, GeneralStatus: StatusPartialTransfer}
	if err := partial.Check(0x52); err != nil {
		t.Errorf("partial fragment read: %v", err)
	}

	routed := &Response{ReplyService: 0xD2, GeneralStatus: StatusConnectionFailure, AdditionalStatus: []uint16{0x0204}}
	if err := routed.Check(0x4C); !errors.Is(err, status.ErrRemote) {
		t.Errorf("routing failure err = %v", err)
	}

	wrong := &Response{ReplyService: 0xCD}
	if err := wrong.Check(0x4C); !errors.Is(err, status.ErrBadReply) {
		t.Errorf("mismatched reply err = %v", err)
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		general byte
		ext     []uint16
		want    status.Code
	}{
		{StatusConnectionFailure, []uint16{ExtInvalidConnSize}, status.ErrTooLarge},
		{StatusConnectionFailure, []uint16{ExtConnectionInUse}, status.ErrDuplicate},
		{StatusConnectionFailure, nil, status.ErrRemote},
		{StatusPathSegmentError, nil, status.ErrBadParam},
		{StatusPathUnknown, nil, status.ErrNotFound},
		{StatusServiceNotSupport, nil, status.ErrUnsupported},
		{StatusNotEnoughData, nil, status.ErrTooSmall},
		{StatusTooMuchData, nil, status.ErrTooLarge},
		{StatusGeneralError, []uint16{ExtOffsetError}, status.ErrOutOfBounds},
		{StatusGeneralError, []uint16{0x9999}, status.ErrRemote},
		{StatusPrivilegeViolat, nil, status.ErrRemote},
	}

	for _, tt := range tests {
		e := &StatusError{Service: 0x4C, General: tt.general, Extended: tt.ext}
		if got := e.StatusCode(); got != tt.want {
			t.Errorf("general 0x%02X ext %v: got %v, want %v", tt.general, tt.ext, got, tt.want)
		}
		if e.Error() == "" {
			t.Error("empty error text")
		}
	}
}

func TestWrapUnconnectedSend(t *testing.T) {
	msg := []byte{0x4C, 0x02, 0x91, 0x01, 'A', 0x00, 0x01}
	route := []byte{0x01, 0x00}
	got := WrapUnconnectedSend(msg, route)

	want := []byte{0x52, 0x02, 0x20, 0x06, 0x24, 0x01, 0x0A, 0x05}
	want = binary.LittleEndian.AppendUint16(want, uint16(len(msg)))
	want = append(want, msg...)
	want = append(want, 0x00)       // pad odd message
	want = append(want, 0x01, 0x00) // route words, reserved
	want = append(want, route...)

	if !bytes.Equal(got, want) {
		t.Errorf("got  % X\nwant % X", got, want)
	}
}

func TestForwardOpen(t *testing.T) {
	route, _ := ParseRoute("1,0")
	cfg := ForwardOpenConfig{
		OrigConnID:       0x11223344,
		SerialNumber:     0x0102,
		VendorID:         DefaultVendorID,
		OriginatorSerial: DefaultOriginatorSerial,
		ConnectionSize:   ConnSizeLarge,
		Large:            true,
		ConnectionPath:   ConnectionPath(route),
	}

	raw, err := BuildForwardOpen(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if raw[0] != SvcForwardOpenLarge || raw[1] != 2 {
		t.Fatalf("header = % X", raw[:2])
	}
	body := raw[6:]
	if binary.LittleEndian.Uint32(body[6:10]) != 0x11223344 {
		t.Errorf("T->O id = % X", body[6:10])
	}
	// priority, ticks, 2 ids, serial, vendor, orig serial, multiplier, 2x(rpi + 32 bit params)
	off := 2 + 8 + 2 + 2 + 4 + 4
	if got := binary.LittleEndian.Uint32(body[off+4:]); got != 0x42000000|uint32(ConnSizeLarge) {
		t.Errorf("O->T params = 0x%08X", got)
	}
	tail := body[off+16:]
	if tail[0] != 0xA3 || tail[1] != 3 || !bytes.Equal(tail[2:], ConnectionPath(route)) {
		t.Errorf("tail = % X", tail)
	}

	cfg.Large = false
	if _, err := BuildForwardOpen(cfg); err == nil {
		t.Error("standard forward open accepted a 4002 byte connection")
	}
	cfg.ConnectionSize = ConnSizeStandard
	raw, err = BuildForwardOpen(cfg)
	if err != nil || raw[0] != SvcForwardOpen {
		t.Fatalf("standard: % X, %v", raw[:1], err)
	}
	if got := binary.LittleEndian.Uint16(raw[6+off+4:]); got != 0x4200|ConnSizeStandard {
		t.Errorf("standard params = 0x%04X", got)
	}
}

func TestParseForwardOpenResponse(t *testing.T) {
	data := make([]byte, 26)
	binary.LittleEndian.PutUint32(data[0:], 0xAABBCCDD)
	binary.LittleEndian.PutUint32(data[4:], 0x11223344)
	binary.LittleEndian.PutUint16(data[8:], 7)

	r, err := ParseForwardOpenResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	if r.TargetConnID != 0xAABBCCDD || r.OrigConnID != 0x11223344 || r.ConnectionSerial != 7 {
		t.Errorf("r = %+v", r)
	}
	if _, err := ParseForwardOpenResponse(data[:25]); err == nil {
		t.Error("short response accepted")
	}
}

func TestForwardClose(t *testing.T) {
	conn := &Connection{SerialNumber: 0x0102, VendorID: 0xF33D, OrigSerial: 0x01020304}
	path := ConnectionPath(EPath_t{0x01, 0x00})
	raw, err := BuildForwardClose(conn, path)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x4E, 0x02, 0x20, 0x06, 0x24, 0x01, 0x0A, 0x05, 0x02, 0x01, 0x3D, 0xF3, 0x04, 0x03, 0x02, 0x01, 0x03, 0x00}
	want = append(want, path...)
	if !bytes.Equal(raw, want) {
		t.Errorf("got  % X\nwant % X", raw, want)
	}
	if _, err := BuildForwardClose(nil, path); err == nil {
		t.Error("nil connection accepted")
	}
}
