package cip

import (
	"encoding/binary"
	"fmt"
)

// Connection Manager services and addressing.
const (
	SvcForwardOpen      byte = 0x54 // 16-bit connection parameters, up to 511 bytes
	SvcForwardOpenLarge byte = 0x5B // 32-bit connection parameters
	SvcForwardClose     byte = 0x4E
	SvcUnconnectedSend  byte = 0x52

	ClassMessageRouter     byte = 0x02
	ClassConnectionManager byte = 0x06
	InstanceConnManager    byte = 0x01
)

// Connection sizes tried when opening a Logix connection.
const (
	ConnSizeStandard uint16 = 504
	ConnSizeLarge    uint16 = 4002
)

// Originator identity sent in ForwardOpen/ForwardClose. The triple
// (serial number, vendor, originator serial) identifies a connection.
const (
	DefaultVendorID         uint16 = 0xF33D
	DefaultOriginatorSerial uint32 = 0x21504345
)

const (
	transportClass3 byte   = 0xA3 // server, application triggered, class 3
	defaultRPI      uint32 = 1000000
	paramsBase      uint16 = 0x4200 // point to point, low priority, variable size
	timeoutMultiple byte   = 0x01
)

// Connection is an open class 3 connection.
// OrigConnID is chosen locally and carried by every packet the target
// sends; TargetConnID is assigned by the target and carried by every packet
// sent to it.
type Connection struct {
	OrigConnID   uint32
	TargetConnID uint32
	SerialNumber uint16
	VendorID     uint16
	OrigSerial   uint32
	Size         uint16
}

// ForwardOpenConfig holds the parameters for one ForwardOpen attempt.
type ForwardOpenConfig struct {
	OrigConnID       uint32
	SerialNumber     uint16
	VendorID         uint16
	OriginatorSerial uint32
	ConnectionSize   uint16
	Large            bool
	RPI              uint32
	ConnectionPath   EPath_t
}

// Service returns the ForwardOpen variant this config encodes.
func (cfg ForwardOpenConfig) Service() byte {
	if cfg.Large {
		return SvcForwardOpenLarge
	}
	return SvcForwardOpen
}

// BuildForwardOpen encodes a complete ForwardOpen or Large ForwardOpen
// request addressed to the Connection Manager.
func BuildForwardOpen(cfg ForwardOpenConfig) ([]byte, error) {
	if len(cfg.ConnectionPath)%2 != 0 {
		return nil, fmt.Errorf("BuildForwardOpen: connection path has odd length %d", len(cfg.ConnectionPath))
	}
	if !cfg.Large && cfg.ConnectionSize > 511 {
		return nil, fmt.Errorf("BuildForwardOpen: size %d needs a large forward open", cfg.ConnectionSize)
	}
	rpi := cfg.RPI
	if rpi == 0 {
		rpi = defaultRPI
	}

	data := make([]byte, 0, 48+len(cfg.ConnectionPath))
	data = append(data, 0x0A) // priority/time tick
	data = append(data, 0x05) // timeout ticks
	data = binary.LittleEndian.AppendUint32(data, 0)
	data = binary.LittleEndian.AppendUint32(data, cfg.OrigConnID)
	data = binary.LittleEndian.AppendUint16(data, cfg.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, cfg.VendorID)
	data = binary.LittleEndian.AppendUint32(data, cfg.OriginatorSerial)
	data = append(data, timeoutMultiple, 0, 0, 0)

	for i := 0; i < 2; i++ {
		data = binary.LittleEndian.AppendUint32(data, rpi)
		if cfg.Large {
			data = binary.LittleEndian.AppendUint32(data, uint32(paramsBase)<<16|uint32(cfg.ConnectionSize))
		} else {
			data = binary.LittleEndian.AppendUint16(data, paramsBase|cfg.ConnectionSize)
		}
	}

	data = append(data, transportClass3)
	data = append(data, cfg.ConnectionPath.WordLen())
	data = append(data, cfg.ConnectionPath...)

	return Request{Service: cfg.Service(), Path: ConnectionManagerPath(), Data: data}.Marshal(), nil
}

// ForwardOpenResponse is the success reply to a ForwardOpen.
type ForwardOpenResponse struct {
	TargetConnID     uint32 // O->T, assigned by the target
	OrigConnID       uint32 // T->O, echoed
	ConnectionSerial uint16
	VendorID         uint16
	OriginatorSerial uint32
	OTAPI            uint32
	TOAPI            uint32
}

// ParseForwardOpenResponse decodes the reply data that follows the general
// status header.
func ParseForwardOpenResponse(data []byte) (*ForwardOpenResponse, error) {
	if len(data) < 26 {
		return nil, fmt.Errorf("ForwardOpen response too short: %d bytes", len(data))
	}
	return &ForwardOpenResponse{
		TargetConnID:     binary.LittleEndian.Uint32(data[0:4]),
		OrigConnID:       binary.LittleEndian.Uint32(data[4:8]),
		ConnectionSerial: binary.LittleEndian.Uint16(data[8:10]),
		VendorID:         binary.LittleEndian.Uint16(data[10:12]),
		OriginatorSerial: binary.LittleEndian.Uint32(data[12:16]),
		OTAPI:            binary.LittleEndian.Uint32(data[16:20]),
		TOAPI:            binary.LittleEndian.Uint32(data[20:24]),
	}, nil
}

// BuildForwardClose encodes a ForwardClose for conn.
func BuildForwardClose(conn *Connection, connectionPath EPath_t) ([]byte, error) {
	if conn == nil {
		return nil, fmt.Errorf("BuildForwardClose: nil connection")
	}
	if len(connectionPath)%2 != 0 {
		return nil, fmt.Errorf("BuildForwardClose: connection path has odd length %d", len(connectionPath))
	}

	data := make([]byte, 0, 12+len(connectionPath))
	data = append(data, 0x0A, 0x05)
	data = binary.LittleEndian.AppendUint16(data, conn.SerialNumber)
	data = binary.LittleEndian.AppendUint16(data, conn.VendorID)
	data = binary.LittleEndian.AppendUint32(data, conn.OrigSerial)
	data = append(data, connectionPath.WordLen(), 0x00)
	data = append(data, connectionPath...)

	return Request{Service: SvcForwardClose, Path: ConnectionManagerPath(), Data: data}.Marshal(), nil
}
