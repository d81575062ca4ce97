package connsys

import "errors"

// Sentinel errors for the error taxonomy in spec §7. ErrInvalidConfig,
// ErrNotConnected, ErrUnknownPID and ErrSendFailed are returned (or wrapped
// with fmt.Errorf's %w) by engine constructors and SendUnicast. The inbound
// handlers return nothing: a message matching the ErrInvalidHeader,
// ErrVersionMismatch, ErrRoleConflict or ErrUnsupportedMigration condition
// is logged and dropped, and no method returns those four values.
var (
	// ErrInvalidConfig is returned by engine constructors when the supplied
	// configuration fails validation (see validateEngineConfig).
	ErrInvalidConfig = errors.New("connsys: invalid engine configuration")

	// ErrNotConnected is returned by SendUnicast when the target participant
	// is known but not currently connected.
	ErrNotConnected = errors.New("connsys: participant not connected")

	// ErrUnknownPID is returned by SendUnicast when the target participant
	// has never been observed by this engine.
	ErrUnknownPID = errors.New("connsys: unknown participant id")

	// ErrInvalidHeader flags a message dropped because its header failed
	// basic sanity checks: zero session id, zero message id on a
	// non-participantInfo message, a self-originated pid, or a self iid.
	ErrInvalidHeader = errors.New("connsys: invalid message header")

	// ErrVersionMismatch flags a message dropped because its protocol
	// version did not match the local engine's.
	ErrVersionMismatch = errors.New("connsys: protocol version mismatch")

	// ErrRoleConflict names the case where two peers' instance ids compare
	// equal, so neither side can be deterministically assigned the
	// initiator or responder role.
	ErrRoleConflict = errors.New("connsys: equal instance ids, cannot assign role")

	// ErrUnsupportedMigration flags the "pid changed under a stable iid, or
	// the same pid claims multiple iids" case (spec §7 Unsupported / §9 Open
	// Question 1). The engine logs and keeps its existing state; it does
	// not attempt to reconcile.
	ErrUnsupportedMigration = errors.New("connsys: participant identity migration not supported")

	// ErrSendFailed is returned internally when the Stack reports a failed
	// send; engines treat it as a local disconnect trigger, never bubbling
	// it past the immediate boolean result of the send call that detected it.
	ErrSendFailed = errors.New("connsys: stack send failed")
)
