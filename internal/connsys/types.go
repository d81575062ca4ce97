package connsys

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// PID is a participant identifier. It is stable across a participant's
// lifetime and is carried on the wire as its low 64 bits (see Wire).
type PID uuid.UUID

// String returns the canonical UUID string form.
func (p PID) String() string {
	return uuid.UUID(p).String()
}

// Wire returns the 64-bit value of p that travels on the wire, per the
// MsgHeader layout: the low 8 bytes of the underlying UUID.
func (p PID) Wire() uint64 {
	return binary.LittleEndian.Uint64(p[8:16])
}

// IsZero reports whether p is the zero-value PID (never a valid participant).
func (p PID) IsZero() bool {
	return p == PID{}
}

// NewPID generates a new random participant identifier.
func NewPID() PID {
	return PID(uuid.New())
}

// IID is an instance identifier: a transport-level address for a running
// process. Unlike PID, it may change across a peer restart. Role selection
// between two peers (initiator vs responder) is a numeric comparison of
// IID values, so IID is represented directly as a uint64 rather than a
// UUID.
type IID uint64

// IsZero reports whether i is the zero IID (never assigned to a real peer).
func (i IID) IsZero() bool {
	return i == 0
}

// SessionID identifies one connected interval between two peers. Zero means
// "no session" and is never a valid session value on the wire.
type SessionID uint64

// IsZero reports whether s is the reserved "no session" value.
func (s SessionID) IsZero() bool {
	return s == 0
}

// MessageID is a per-session message counter. The first message of a
// session (always a participantInfo) carries MessageID 1; every subsequent
// message on that session increments it by one. MessageID 0 on a keep-alive
// is reserved as the responder-to-initiator error signal (see Wire).
type MessageID uint64

// ClockType mirrors the wire-level clock-type tag carried on participantInfo
// messages. The connection-management core does not interpret this value;
// it is round-tripped verbatim to the Stack (spec §9 Open Question 2).
type ClockType uint32
