package connsys

import "time"

// InitiatorState is the per-participant state of the initiator-responder
// engine's initiator role.
type InitiatorState uint8

const (
	InitiatorInvalid InitiatorState = iota
	InitiatorUnavailable
	InitiatorWaitForSessionReply
	InitiatorConnected
)

func (s InitiatorState) String() string {
	switch s {
	case InitiatorInvalid:
		return "Invalid"
	case InitiatorUnavailable:
		return "Unavailable"
	case InitiatorWaitForSessionReply:
		return "WaitForSessionReply"
	case InitiatorConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ResponderState is the per-participant state of the initiator-responder
// engine's responder role.
type ResponderState uint8

const (
	ResponderInvalid ResponderState = iota
	ResponderUnavailable
	ResponderWaitForUp
	ResponderWaitForSession
	ResponderConnected
)

func (s ResponderState) String() string {
	switch s {
	case ResponderInvalid:
		return "Invalid"
	case ResponderUnavailable:
		return "Unavailable"
	case ResponderWaitForUp:
		return "WaitForUp"
	case ResponderWaitForSession:
		return "WaitForSession"
	case ResponderConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// ParticipantState is a single remote peer's record as tracked by the
// initiator-responder engine. Exactly one of InitiatorState/ResponderState
// is non-Invalid at a time, decided once by role selection (see
// selectRole) and never flipped thereafter for the lifetime of the record.
//
// Grounded on ConnectionSystemInitiatorResponder.h's ParticipantState.
type ParticipantState struct {
	RemotePID  PID
	RemoteIID  IID
	IsInitiator bool

	ActiveSessionID       SessionID
	LastSentMessageID     MessageID
	LastReceivedMessageID MessageID
	LastSentTime          time.Time
	LastReceiveTime       time.Time

	InitiatorState InitiatorState
	ResponderState ResponderState
}

// Connected reports whether p is in the Connected sub-state of whichever
// role it was assigned.
func (p *ParticipantState) Connected() bool {
	if p.IsInitiator {
		return p.InitiatorState == InitiatorConnected
	}
	return p.ResponderState == ResponderConnected
}

// LegacyParticipantState is a single remote peer's record as tracked by the
// legacy (minor-protocol-0) engine. There is no initiator/responder
// distinction at this protocol level: both sides run the identical state
// machine driven purely by the send/receive counters.
//
// Grounded on ConnectionSystemBase.h's ParticipantState.
type LegacyParticipantState struct {
	RemotePID PID
	RemoteIID IID

	SendSessionID SessionID
	SendMessageID MessageID
	LastSentTime  time.Time

	ExpectedRecvSessionID SessionID
	ExpectedRecvMessageID MessageID
	LastReceiveTime       time.Time

	// Connected is derived state, true once ExpectedRecvSessionID/MessageID
	// have been established and a successful round trip observed. Engines
	// mutate it only through the transitions in legacy.go.
	Connected bool

	// SkipSendPinfoOnNextMismatch is the one-shot anti-ping-pong flag (spec
	// §4.4, §9 Design Notes). Set when a participantInfo was sent in
	// response to a counter mismatch; consumed (and cleared) on the very
	// next received participantInfo, regardless of outcome.
	SkipSendPinfoOnNextMismatch bool
}

// handle is a stable, never-reused index into an arena of participant
// records. The three lookup indexes (by pid, by iid, connected-by-pid) each
// map their key to a handle rather than to a *T pointer, so that a
// reference published into one index can never outlive the record or
// silently alias a reused slot (spec §9 Design Notes).
type handle uint64

// arena is an append-only backing store of participant records, indexed by
// stable handle. Slots are tombstoned rather than physically removed so
// already-issued handles never dangle.
type arena[T any] struct {
	slots []T
	live  []bool
}

func (a *arena[T]) alloc(v T) handle {
	a.slots = append(a.slots, v)
	a.live = append(a.live, true)
	return handle(len(a.slots) - 1)
}

func (a *arena[T]) get(h handle) (*T, bool) {
	if int(h) >= len(a.slots) || !a.live[h] {
		return nil, false
	}
	return &a.slots[h], true
}

func (a *arena[T]) free(h handle) {
	if int(h) < len(a.live) {
		a.live[h] = false
	}
}

// participantIndex is the shared three-index shape (spec §3) used by both
// engines: knownParticipants by pid, availableInstances by iid, and
// connectedParticipants by pid, all backed by one arena so the three
// indexes can never disagree about which record they point at.
type participantIndex[T any] struct {
	arena     arena[T]
	byPID     map[PID]handle
	byIID     map[IID]handle
	connected map[PID]handle
}

func newParticipantIndex[T any]() *participantIndex[T] {
	return &participantIndex[T]{
		byPID:     make(map[PID]handle),
		byIID:     make(map[IID]handle),
		connected: make(map[PID]handle),
	}
}

// allocate stores v in the arena without indexing it under any key yet.
// Used when a record's identity is only partially known (e.g. an iid has
// reported serviceUp but no participantInfo has named its pid).
func (idx *participantIndex[T]) allocate(v T) (*T, handle) {
	h := idx.arena.alloc(v)
	rec, _ := idx.arena.get(h)
	return rec, h
}

func (idx *participantIndex[T]) linkPID(pid PID, h handle) {
	idx.byPID[pid] = h
}

func (idx *participantIndex[T]) linkIID(iid IID, h handle) {
	idx.byIID[iid] = h
}

// add registers a new record under pid, returning a pointer into the arena.
// The caller is responsible for also indexing by iid via linkIID once the
// record's RemoteIID field is known.
func (idx *participantIndex[T]) add(pid PID, v T) *T {
	rec, h := idx.allocate(v)
	idx.linkPID(pid, h)
	return rec
}

// addByIID registers a new record under iid only, for the case where a
// peer's instance has come up before its participantInfo has been seen.
func (idx *participantIndex[T]) addByIID(iid IID, v T) *T {
	rec, h := idx.allocate(v)
	idx.linkIID(iid, h)
	return rec
}

// handleOf returns the arena handle currently indexing pid, if any. Used to
// let a second index (e.g. by iid) point at the same record once identity
// becomes fully known.
func (idx *participantIndex[T]) handleOf(pid PID) (handle, bool) {
	h, ok := idx.byPID[pid]
	return h, ok
}

func (idx *participantIndex[T]) byPid(pid PID) (*T, bool) {
	h, ok := idx.byPID[pid]
	if !ok {
		return nil, false
	}
	return idx.arena.get(h)
}

func (idx *participantIndex[T]) byIid(iid IID) (*T, bool) {
	h, ok := idx.byIID[iid]
	if !ok {
		return nil, false
	}
	return idx.arena.get(h)
}

func (idx *participantIndex[T]) setIID(pid PID, iid IID) {
	h, ok := idx.byPID[pid]
	if !ok {
		return
	}
	idx.byIID[iid] = h
}

// setPID links pid to the record already indexed under iid, for the
// iid-first creation path (serviceUp observed before participantInfo).
func (idx *participantIndex[T]) setPID(iid IID, pid PID) {
	h, ok := idx.byIID[iid]
	if !ok {
		return
	}
	idx.byPID[pid] = h
}

func (idx *participantIndex[T]) removeIID(iid IID) {
	delete(idx.byIID, iid)
}

// findByPID scans the pid-indexed records for the first one matching pred.
// Used to recover a record orphaned by removeIID (its pid link survives
// serviceDown; only the iid link was dropped) when the same iid reports
// serviceUp again, so a stale reconnect doesn't fabricate a duplicate
// zero-pid record alongside the real one.
func (idx *participantIndex[T]) findByPID(pred func(*T) bool) (PID, *T, bool) {
	for pid, h := range idx.byPID {
		if rec, ok := idx.arena.get(h); ok && pred(rec) {
			return pid, rec, true
		}
	}
	return PID{}, nil, false
}

func (idx *participantIndex[T]) markConnected(pid PID) {
	if h, ok := idx.byPID[pid]; ok {
		idx.connected[pid] = h
	}
}

func (idx *participantIndex[T]) markDisconnected(pid PID) {
	delete(idx.connected, pid)
}

func (idx *participantIndex[T]) isConnected(pid PID) bool {
	_, ok := idx.connected[pid]
	return ok
}

// remove tombstones the record for pid and scrubs it out of every index.
// The iid it was registered under (if any) must be passed explicitly since
// the arena record itself may already have been mutated.
func (idx *participantIndex[T]) remove(pid PID, iid IID) {
	h, ok := idx.byPID[pid]
	if !ok {
		return
	}
	idx.arena.free(h)
	delete(idx.byPID, pid)
	delete(idx.connected, pid)
	if cur, ok := idx.byIID[iid]; ok && cur == h {
		delete(idx.byIID, iid)
	}
}

// forEach iterates every live record reachable by pid. It ranges over a
// map, so the order is not defined and can differ between calls.
func (idx *participantIndex[T]) forEach(fn func(pid PID, v *T)) {
	for pid, h := range idx.byPID {
		if rec, ok := idx.arena.get(h); ok {
			fn(pid, rec)
		}
	}
}
