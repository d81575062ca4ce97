package connsys

import "io"

// Stack is the transport capability the connection-management core is built
// on top of. It is implemented by the caller (internal/transport in this
// repository); the core never opens a socket itself (spec §1, §6).
type Stack interface {
	// Connect prepares the transport for use. Returns false on failure.
	Connect() bool

	// Disconnect tears the transport down. Returns false on failure.
	Disconnect() bool

	// ServiceInstanceID returns this process's own instance id.
	ServiceInstanceID() IID

	// SendParticipantInfo sends a participantInfo message to the given
	// instance. Returns false if the transport could not deliver it.
	SendParticipantInfo(to IID, hdr MsgHeader, info ParticipantInfo) bool

	// SendKeepAlive sends a keep-alive message to the given instance.
	// usingPreviousMessageID is true when the header's MessageID intentionally
	// repeats the last value sent, rather than a freshly incremented one
	// (the initiator-responder engine's periodic keep-alive, and the
	// responder's error-keepalive signal).
	SendKeepAlive(to IID, hdr MsgHeader, usingPreviousMessageID bool) bool

	// SendAppMessage sends a generic application payload to the given
	// instance, used by SendUnicast/SendBroadcast (spec §4.7).
	SendAppMessage(to IID, hdr MsgHeader, payload []byte) bool

	// LogConnectionState writes a human-readable dump of the stack's own
	// connection bookkeeping to w (spec §9 supplemented feature: state
	// introspection).
	LogConnectionState(w io.Writer)
}

// Listener receives Connected/NotConnected notifications from a Notifier.
type Listener interface {
	NewParticipantHasConnected(pid PID)
	ParticipantHasDisconnected(pid PID)
}

// Notifier is the exactly-once, strictly-alternating Connected/NotConnected
// notification capability described in spec §3 invariant 4 and §6.
type Notifier interface {
	NewParticipantHasConnected(pid PID)
	ParticipantHasDisconnected(pid PID)
	RegisterForConnectionUpdates(l Listener)
	UnregisterForConnectionUpdates(l Listener)
}

// ListenerFuncs adapts two plain functions to the Listener interface,
// mirroring the teacher's preference for small functional adapters over
// requiring callers to define a named type for single-use listeners.
type ListenerFuncs struct {
	OnConnected    func(pid PID)
	OnDisconnected func(pid PID)
}

func (f ListenerFuncs) NewParticipantHasConnected(pid PID) {
	if f.OnConnected != nil {
		f.OnConnected(pid)
	}
}

func (f ListenerFuncs) ParticipantHasDisconnected(pid PID) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(pid)
	}
}
