package eip

// Common Packet Format items per ODVA Vol 2.

import (
	"encoding/binary"
	"fmt"
)

const (
	CpfAddressNullId              uint16 = 0x00
	CpfAddressConnectionId        uint16 = 0xA1
	CpfConnectedTransportPacketId uint16 = 0xB1
	CpfUnconnectedMessageId       uint16 = 0xB2
)

// CommonPacket is an ordered list of CPF items.
type CommonPacket struct {
	Items []CommonPacketItem
}

// CommonPacketItem is a single address or data item.
type CommonPacketItem struct {
	TypeId uint16
	Length uint16
	Data   []byte
}

// Item builds an item with its length set from data.
func Item(typeID uint16, data []byte) CommonPacketItem {
	return CommonPacketItem{TypeId: typeID, Length: uint16(len(data)), Data: data}
}

// Bytes encodes the item count followed by every item.
func (p *CommonPacket) Bytes() []byte {
	raw := binary.LittleEndian.AppendUint16(nil, uint16(len(p.Items)))
	for i := range p.Items {
		raw = p.Items[i].AppendTo(raw)
	}
	return raw
}

// AppendTo appends the encoded item to raw.
func (item *CommonPacketItem) AppendTo(raw []byte) []byte {
	raw = binary.LittleEndian.AppendUint16(raw, item.TypeId)
	raw = binary.LittleEndian.AppendUint16(raw, item.Length)
	return append(raw, item.Data...)
}

// Find returns the first item with the given type.
func (p *CommonPacket) Find(typeID uint16) (CommonPacketItem, bool) {
	for _, it := range p.Items {
		if it.TypeId == typeID {
			return it, true
		}
	}
	return CommonPacketItem{}, false
}

// ParseCommonPacket decodes the item list. Item data aliases raw.
func ParseCommonPacket(raw []byte) (*CommonPacket, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("ParseCommonPacket: need 2 bytes, got %d", len(raw))
	}

	count := binary.LittleEndian.Uint16(raw[:2])
	raw = raw[2:]

	items := make([]CommonPacketItem, 0, count)
	for i := uint16(0); i < count; i++ {
		if len(raw) < 4 {
			return nil, fmt.Errorf("ParseCommonPacket: truncated item header at item %d: have %d bytes", i, len(raw))
		}
		typeID := binary.LittleEndian.Uint16(raw[:2])
		length := binary.LittleEndian.Uint16(raw[2:4])

		need := 4 + int(length)
		if len(raw) < need {
			return nil, fmt.Errorf("ParseCommonPacket: insufficient data for item %d: need %d bytes, have %d", i, need, len(raw))
		}
		items = append(items, CommonPacketItem{TypeId: typeID, Length: length, Data: raw[4:need]})
		raw = raw[need:]
	}

	return &CommonPacket{Items: items}, nil
}
