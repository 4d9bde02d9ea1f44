package eip

import (
	"encoding/binary"
	"fmt"
)

// protocol version 1, no options
var registerSessionData = []byte{0x01, 0x00, 0x00, 0x00}

// BuildRegisterSession encodes a RegisterSession request.
func BuildRegisterSession(senderContext uint64) []byte {
	m := Encap{
		Header: Header{Command: RegisterSession, SenderContext: senderContext},
		Data:   registerSessionData,
	}
	return m.Bytes()
}

// BuildUnRegisterSession encodes an UnRegisterSession request. The target
// sends no reply.
func BuildUnRegisterSession(sessionHandle uint32) []byte {
	m := Encap{Header: Header{Command: UnRegisterSession, SessionHandle: sessionHandle}}
	return m.Bytes()
}

// BuildSendRRData frames an unconnected CIP message with a null address item.
// The sender context is echoed by the target and used to match the reply.
func BuildSendRRData(sessionHandle uint32, senderContext uint64, cipMsg []byte) []byte {
	cpf := CommonPacket{Items: []CommonPacketItem{
		Item(CpfAddressNullId, nil),
		Item(CpfUnconnectedMessageId, cipMsg),
	}}
	cmd := CommandData{Packet: cpf.Bytes()}
	m := Encap{
		Header: Header{Command: SendRRData, SessionHandle: sessionHandle, SenderContext: senderContext},
		Data:   cmd.Bytes(),
	}
	return m.Bytes()
}

// BuildSendUnitData frames a connected CIP message. The connection sequence
// number prefixes the CIP payload inside the connected data item.
func BuildSendUnitData(sessionHandle, connID uint32, seq uint16, cipMsg []byte) []byte {
	addr := binary.LittleEndian.AppendUint32(nil, connID)
	data := make([]byte, 0, 2+len(cipMsg))
	data = binary.LittleEndian.AppendUint16(data, seq)
	data = append(data, cipMsg...)

	cpf := CommonPacket{Items: []CommonPacketItem{
		Item(CpfAddressConnectionId, addr),
		Item(CpfConnectedTransportPacketId, data),
	}}
	cmd := CommandData{Packet: cpf.Bytes()}
	m := Encap{
		Header: Header{Command: SendUnitData, SessionHandle: sessionHandle},
		Data:   cmd.Bytes(),
	}
	return m.Bytes()
}

// Reply is a decoded SendRRData or SendUnitData response.
type Reply struct {
	Header
	Connected bool
	ConnID    uint32
	Sequence  uint16
	CIP       []byte
}

// ParseReply decodes a complete SendRRData or SendUnitData packet and
// extracts the CIP payload.
func ParseReply(raw []byte) (*Reply, error) {
	m, err := ParseEncap(raw)
	if err != nil {
		return nil, err
	}
	if m.Command != SendRRData && m.Command != SendUnitData {
		return nil, fmt.Errorf("ParseReply: unexpected command 0x%02X", m.Command)
	}
	r := &Reply{Header: m.Header}
	if m.Status != StatusSuccess {
		return r, &StatusError{Command: m.Command, Status: m.Status}
	}

	cmd, err := ParseCommandData(m.Data)
	if err != nil {
		return nil, err
	}
	cpf, err := ParseCommonPacket(cmd.Packet)
	if err != nil {
		return nil, err
	}

	if m.Command == SendRRData {
		item, ok := cpf.Find(CpfUnconnectedMessageId)
		if !ok {
			return nil, fmt.Errorf("ParseReply: no unconnected data item")
		}
		r.CIP = item.Data
		return r, nil
	}

	r.Connected = true
	addr, ok := cpf.Find(CpfAddressConnectionId)
	if !ok || len(addr.Data) < 4 {
		return nil, fmt.Errorf("ParseReply: missing connected address item")
	}
	r.ConnID = binary.LittleEndian.Uint32(addr.Data)
	data, ok := cpf.Find(CpfConnectedTransportPacketId)
	if !ok || len(data.Data) < 2 {
		return nil, fmt.Errorf("ParseReply: missing connected data item")
	}
	r.Sequence = binary.LittleEndian.Uint16(data.Data)
	r.CIP = data.Data[2:]
	return r, nil
}
