package eip

import (
	"fmt"
	"io"

	"github.com/srdgame/libplctag-sub000/logging"
)

// maximum payload a target may announce in one packet
const maxPayload = 65511

// Register performs a blocking RegisterSession exchange on conn and returns
// the session handle assigned by the target. The caller bounds the exchange
// with a deadline on conn.
func Register(conn io.ReadWriter) (uint32, error) {
	if conn == nil {
		return 0, fmt.Errorf("Register: not connected")
	}

	req := BuildRegisterSession(0)
	logging.DebugTX("eip", req)
	if _, err := conn.Write(req); err != nil {
		logging.DebugError("eip", "RegisterSession write", err)
		return 0, fmt.Errorf("Register: write failed: %w", err)
	}

	resp, err := recvEncap(conn)
	if err != nil {
		return 0, fmt.Errorf("Register: %w", err)
	}
	if resp.Command != RegisterSession {
		return 0, fmt.Errorf("Register: unexpected reply command 0x%02X", resp.Command)
	}
	if resp.Status != StatusSuccess {
		return 0, &StatusError{Command: RegisterSession, Status: resp.Status}
	}
	if resp.SessionHandle == 0 {
		return 0, fmt.Errorf("Register: target returned session handle 0")
	}

	logging.DebugLog("eip", "registered session 0x%08X", resp.SessionHandle)
	return resp.SessionHandle, nil
}

// recvEncap reads exactly one encapsulation packet.
func recvEncap(r io.Reader) (*Encap, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		logging.DebugError("eip", "recvEncap read header", err)
		return nil, fmt.Errorf("reading header: %w", err)
	}

	h, err := ParseHeader(header)
	if err != nil {
		return nil, err
	}
	if h.Length > maxPayload {
		return nil, fmt.Errorf("payload length %d excessive", h.Length)
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		logging.DebugError("eip", "recvEncap read payload", err)
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	logging.DebugRX("eip", append(header, payload...))

	return &Encap{Header: h, Data: payload}, nil
}
