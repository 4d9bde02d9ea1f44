package eip

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of the encapsulation header.
const HeaderSize = 24

// DefaultPort is the registered EtherNet/IP TCP port.
const DefaultPort = 44818

// Encapsulation commands.
const (
	NOP               uint16 = 0x00
	ListIdentity      uint16 = 0x63
	RegisterSession   uint16 = 0x65
	UnRegisterSession uint16 = 0x66
	SendRRData        uint16 = 0x6F
	SendUnitData      uint16 = 0x70
)

// Encapsulation status codes returned by the target.
const (
	StatusSuccess         uint32 = 0x0000
	StatusInvalidCommand  uint32 = 0x0001
	StatusNoMemory        uint32 = 0x0002
	StatusIncorrectData   uint32 = 0x0003
	StatusInvalidSession  uint32 = 0x0064
	StatusInvalidLength   uint32 = 0x0065
	StatusUnsupportedProt uint32 = 0x0069
)

// Header is the 24 byte little-endian encapsulation header.
// Length counts the payload bytes following the header.
type Header struct {
	Command       uint16
	Length        uint16
	SessionHandle uint32
	Status        uint32
	SenderContext uint64
	Options       uint32
}

// Encap is a complete encapsulation packet.
type Encap struct {
	Header
	Data []byte
}

// AppendTo appends the encoded header to buf.
func (h Header) AppendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, h.Command)
	buf = binary.LittleEndian.AppendUint16(buf, h.Length)
	buf = binary.LittleEndian.AppendUint32(buf, h.SessionHandle)
	buf = binary.LittleEndian.AppendUint32(buf, h.Status)
	buf = binary.LittleEndian.AppendUint64(buf, h.SenderContext)
	buf = binary.LittleEndian.AppendUint32(buf, h.Options)
	return buf
}

// Bytes encodes the packet. The header length is taken from Data.
func (m *Encap) Bytes() []byte {
	h := m.Header
	h.Length = uint16(len(m.Data))
	buf := make([]byte, 0, HeaderSize+len(m.Data))
	buf = h.AppendTo(buf)
	return append(buf, m.Data...)
}

// ParseHeader decodes the header at the start of raw.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, fmt.Errorf("ParseHeader: need %d bytes, got %d", HeaderSize, len(raw))
	}
	return Header{
		Command:       binary.LittleEndian.Uint16(raw[0:2]),
		Length:        binary.LittleEndian.Uint16(raw[2:4]),
		SessionHandle: binary.LittleEndian.Uint32(raw[4:8]),
		Status:        binary.LittleEndian.Uint32(raw[8:12]),
		SenderContext: binary.LittleEndian.Uint64(raw[12:20]),
		Options:       binary.LittleEndian.Uint32(raw[20:24]),
	}, nil
}

// ParseEncap decodes a full packet. Trailing bytes past the declared length
// are ignored.
func ParseEncap(raw []byte) (*Encap, error) {
	h, err := ParseHeader(raw)
	if err != nil {
		return nil, err
	}
	end := HeaderSize + int(h.Length)
	if len(raw) < end {
		return nil, fmt.Errorf("ParseEncap: payload truncated: need %d bytes, got %d", end, len(raw))
	}
	return &Encap{Header: h, Data: raw[HeaderSize:end]}, nil
}

// PacketLength reports the total length of the packet starting at raw once
// enough bytes are buffered to read its header.
func PacketLength(raw []byte) (int, bool) {
	if len(raw) < HeaderSize {
		return 0, false
	}
	return HeaderSize + int(binary.LittleEndian.Uint16(raw[2:4])), true
}

// CommandData is the interface handle and timeout wrapper that precedes the
// common packet in SendRRData and SendUnitData.
type CommandData struct {
	InterfaceHandle uint32
	Timeout         uint16
	Packet          []byte
}

// Bytes encodes the command data little-endian.
func (r *CommandData) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint32(nil, r.InterfaceHandle)
	raw = binary.LittleEndian.AppendUint16(raw, r.Timeout)
	return append(raw, r.Packet...)
}

// ParseCommandData splits the interface handle and timeout from the packet.
func ParseCommandData(raw []byte) (*CommandData, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("ParseCommandData: need 6 bytes, got %d", len(raw))
	}
	return &CommandData{
		InterfaceHandle: binary.LittleEndian.Uint32(raw[:4]),
		Timeout:         binary.LittleEndian.Uint16(raw[4:6]),
		Packet:          raw[6:],
	}, nil
}

// StatusError is a non-zero encapsulation status.
type StatusError struct {
	Command uint16
	Status  uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("encapsulation command 0x%02X failed: %s (0x%04X)", e.Command, StatusName(e.Status), e.Status)
}

// StatusName returns a readable name for an encapsulation status.
func StatusName(s uint32) string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidCommand:
		return "invalid or unsupported command"
	case StatusNoMemory:
		return "insufficient memory"
	case StatusIncorrectData:
		return "poorly formed data"
	case StatusInvalidSession:
		return "invalid session handle"
	case StatusInvalidLength:
		return "invalid length"
	case StatusUnsupportedProt:
		return "unsupported protocol revision"
	default:
		return "unknown"
	}
}
