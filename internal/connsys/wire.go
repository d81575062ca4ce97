package connsys

import (
	"encoding/binary"
	"errors"
	"sync"
)

// HeaderSize is the wire size in bytes of a MsgHeader.
const HeaderSize = 24

// Wire-format errors.
var (
	ErrBufTooSmall    = errors.New("connsys: buffer too small for header")
	ErrZeroSessionID  = errors.New("connsys: session id is zero")
	ErrZeroMessageID  = errors.New("connsys: message id is zero on non-keepalive message")
)

// MsgHeader is the fixed triple carried at the front of every message
// exchanged by the two engines: which participant sent it, which session it
// belongs to, and its position in that session's message counter.
//
// Wire layout (24 bytes, little-endian):
//
//	offset 0  u64 participantId (PID.Wire())
//	offset 8  u64 sessionId
//	offset 16 u64 messageId
type MsgHeader struct {
	ParticipantID uint64
	SessionID     SessionID
	MessageID     MessageID
}

// HeaderPool recycles 24-byte header buffers to avoid per-message
// allocation on the hot send/receive path.
var HeaderPool = sync.Pool{
	New: func() any {
		buf := make([]byte, HeaderSize)
		return &buf
	},
}

// MarshalHeader encodes h into buf, which must be at least HeaderSize bytes.
// Returns the number of bytes written.
func MarshalHeader(h MsgHeader, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, ErrBufTooSmall
	}

	binary.LittleEndian.PutUint64(buf[0:8], h.ParticipantID)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.SessionID))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.MessageID))

	return HeaderSize, nil
}

// UnmarshalHeader decodes a MsgHeader from buf, which must contain at least
// HeaderSize bytes. Like MarshalHeader, this performs no semantic
// validation (zero session/message id, self-messages, etc.) — callers apply
// those checks against engine state, per the error taxonomy in errors.go.
func UnmarshalHeader(buf []byte) (MsgHeader, error) {
	if len(buf) < HeaderSize {
		return MsgHeader{}, ErrBufTooSmall
	}

	return MsgHeader{
		ParticipantID: binary.LittleEndian.Uint64(buf[0:8]),
		SessionID:     SessionID(binary.LittleEndian.Uint64(buf[8:16])),
		MessageID:     MessageID(binary.LittleEndian.Uint64(buf[16:24])),
	}, nil
}

// ParticipantInfo is the payload carried alongside a MsgHeader on a
// participantInfo exchange. expectedReceiverPid, clockType and timestampNow
// are not interpreted by either engine (spec §9 Open Question 2) but must be
// round-tripped verbatim by the Stack.
type ParticipantInfo struct {
	ProtocolVersion      uint32
	MinorProtocolVersion uint32
	SenderIID            IID
	ExpectedReceiverPID  uint64
	ClockType            ClockType
	TimestampNow         uint64
}
