package connsys

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// MinorProtocolVersionIR is the minor-protocol-version value announced by
// this engine in its own participantInfo messages, and the threshold above
// which the Dispatcher routes a peer to it instead of the legacy engine.
const MinorProtocolVersionIR uint32 = 1

// validateEngineConfig checks the construction-time arguments shared by
// both engines (spec §5 "Configuration validity"), separated from the
// constructors themselves so it is unit-testable on its own (grounded on
// ConnectionSystemBase.h's CheckConstructorArguments).
func validateEngineConfig(selfIID IID, protocolVersion uint32, stack Stack, notifier Notifier, interval, timeout time.Duration) error {
	if stack == nil {
		return fmt.Errorf("%w: nil stack", ErrInvalidConfig)
	}
	if notifier == nil {
		return fmt.Errorf("%w: nil notifier", ErrInvalidConfig)
	}
	if selfIID.IsZero() {
		return fmt.Errorf("%w: zero self instance id", ErrInvalidConfig)
	}
	if protocolVersion == 0 {
		return fmt.Errorf("%w: zero protocol version", ErrInvalidConfig)
	}
	if interval == 0 && timeout == 0 {
		return nil
	}
	if interval <= 0 || timeout <= interval {
		return fmt.Errorf("%w: keepAliveTimeout must be > keepAliveInterval > 0, or both zero", ErrInvalidConfig)
	}
	return nil
}

// IREngineConfig configures an IREngine.
type IREngineConfig struct {
	SelfPID           PID
	SelfIID           IID
	ProtocolVersion   uint32
	Stack             Stack
	Notifier          Notifier
	Clock             clockwork.Clock
	Log               *slog.Logger
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

// IREngine is the initiator/responder engine (C3): the minor-protocol-1+
// handshake with explicit InitiatorState/ResponderState machines, grounded
// on ConnectionSystemInitiatorResponder.h.
type IREngine struct {
	cfg    IREngineConfig
	idx    *participantIndex[ParticipantState]
	wakeup func()
}

// NewIREngine constructs an IREngine. wakeup, if set via SetWakeup, is
// called whenever an engine action changes the set of pending keep-alive
// deadlines (spec §5).
func NewIREngine(cfg IREngineConfig) (*IREngine, error) {
	if err := validateEngineConfig(cfg.SelfIID, cfg.ProtocolVersion, cfg.Stack, cfg.Notifier, cfg.KeepAliveInterval, cfg.KeepAliveTimeout); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &IREngine{cfg: cfg, idx: newParticipantIndex[ParticipantState]()}, nil
}

// SetWakeup installs the keep-alive worker's condition-variable signal.
func (e *IREngine) SetWakeup(fn func()) { e.wakeup = fn }

func (e *IREngine) wake() {
	if e.wakeup != nil {
		e.wakeup()
	}
}

// SupportedMinorProtocolVersion returns the version this engine announces.
func (e *IREngine) SupportedMinorProtocolVersion() uint32 { return MinorProtocolVersionIR }

// IsResponsibleForMinorProtocolVersion reports whether this engine handles
// participants announcing minorVer.
func (e *IREngine) IsResponsibleForMinorProtocolVersion(minorVer uint32) bool {
	return minorVer >= MinorProtocolVersionIR
}

// KnowsPID reports whether pid is in this engine's knownParticipants index.
func (e *IREngine) KnowsPID(pid PID) bool {
	_, ok := e.idx.byPid(pid)
	return ok
}

// KnowsIID reports whether iid is in this engine's availableInstances index.
func (e *IREngine) KnowsIID(iid IID) bool {
	_, ok := e.idx.byIid(iid)
	return ok
}

// clearParticipantForHandover fully removes pid's record, disconnecting
// first if needed. Used by the Dispatcher's minor-version hand-over (spec
// §4.5) when a peer downgrades from IR to the legacy protocol.
func (e *IREngine) clearParticipantForHandover(pid PID) {
	p, ok := e.idx.byPid(pid)
	if !ok {
		return
	}
	if e.idx.isConnected(pid) {
		e.emitDisconnected(pid)
	}
	e.idx.remove(pid, p.RemoteIID)
}

// ParticipantConnected reports whether pid is currently connected.
func (e *IREngine) ParticipantConnected(pid PID) bool {
	return e.idx.isConnected(pid)
}

// PendingInitiator reports whether iid belongs to a record still Invalid in
// the initiator role — i.e. this engine has seen the instance but not yet a
// participantInfo naming its pid (supplemented feature, spec §9 item 5).
func (e *IREngine) PendingInitiator(iid IID) bool {
	p, ok := e.idx.byIid(iid)
	return ok && p.IsInitiator && p.InitiatorState == InitiatorInvalid
}

// Connect starts the underlying transport.
func (e *IREngine) Connect() bool {
	return e.cfg.Stack.Connect()
}

// Disconnect emits NotConnected for every connected participant and clears
// all per-peer state, then tears down the transport (spec §5 Cancellation).
func (e *IREngine) Disconnect() bool {
	var connected []PID
	e.idx.forEach(func(pid PID, p *ParticipantState) {
		if e.idx.isConnected(pid) {
			connected = append(connected, pid)
		}
	})
	for _, pid := range connected {
		e.emitDisconnected(pid)
	}
	e.idx = newParticipantIndex[ParticipantState]()
	return e.cfg.Stack.Disconnect()
}

func (e *IREngine) emitConnected(pid PID) {
	e.idx.markConnected(pid)
	e.cfg.Notifier.NewParticipantHasConnected(pid)
}

func (e *IREngine) emitDisconnected(pid PID) {
	e.idx.markDisconnected(pid)
	e.cfg.Notifier.ParticipantHasDisconnected(pid)
}

// selectRole derives the IR role from an IID comparison (spec §4.1): self
// initiates iff the remote IID is larger, so the smaller IID is always the
// initiator and the larger one the responder. Equal IIDs cannot be assigned
// a role.
func selectRole(selfIID, remoteIID IID) (isInitiator, ok bool) {
	if remoteIID == selfIID {
		return false, false
	}
	return remoteIID > selfIID, true
}

// --------------------------------------------------------------------
// handleServiceAvailable / handleServiceUnavailable
// --------------------------------------------------------------------

// HandleServiceAvailable processes a serviceUp(iid) callback.
func (e *IREngine) HandleServiceAvailable(iid IID) {
	if iid.IsZero() || iid == e.cfg.SelfIID {
		e.cfg.Log.Warn("connsys/ir: dropping serviceUp for invalid instance id", "iid", iid)
		return
	}

	p, ok := e.idx.byIid(iid)
	if !ok {
		if pid, existing, found := e.idx.findByPID(func(v *ParticipantState) bool { return v.RemoteIID == iid }); found {
			// A serviceDown for this iid only dropped the iid link (spec §3
			// availableInstances); the real, pid-linked record survives.
			// Relink it instead of fabricating a fresh zero-pid duplicate.
			e.idx.setIID(pid, iid)
			p = existing
		} else {
			isInitiator, roleOK := selectRole(e.cfg.SelfIID, iid)
			if !roleOK {
				e.cfg.Log.Error("connsys/ir: equal instance ids", "iid", iid)
				return
			}
			p = e.idx.addByIID(iid, ParticipantState{RemoteIID: iid, IsInitiator: isInitiator})
		}
	}

	if p.IsInitiator {
		switch p.InitiatorState {
		case InitiatorInvalid:
			if p.RemotePID.IsZero() {
				// No participantInfo observed yet; record availability and
				// wait (spec §4.2 Invalid + serviceUp [no prior pinfo]).
				return
			}
			e.initiatorInitSession(p)
		case InitiatorUnavailable:
			e.initiatorInitSession(p)
		default:
			// Already waiting or connected: serviceUp is idempotent.
		}
	} else {
		switch p.ResponderState {
		case ResponderUnavailable:
			p.ResponderState = ResponderWaitForSession
		case ResponderWaitForUp:
			e.responderSendSessionReply(p, iid)
		default:
		}
	}
	e.wake()
}

// HandleServiceUnavailable processes a serviceDown(iid) callback.
func (e *IREngine) HandleServiceUnavailable(iid IID) {
	p, ok := e.idx.byIid(iid)
	if !ok {
		return
	}
	e.idx.removeIID(iid)
	pid := p.RemotePID
	if !pid.IsZero() && e.idx.isConnected(pid) {
		e.emitDisconnected(pid)
	}
	if p.IsInitiator {
		p.InitiatorState = InitiatorUnavailable
	} else {
		p.ResponderState = ResponderUnavailable
	}
	p.ActiveSessionID = 0
	e.wake()
}

// --------------------------------------------------------------------
// handleParticipantInfo
// --------------------------------------------------------------------

// HandleParticipantInfo processes an incoming participantInfo. senderIID is
// the instance id the message arrived from (spec §6 handleParticipantInfo
// parameter list); info carries the unused-but-round-tripped fields.
func (e *IREngine) HandleParticipantInfo(hdr MsgHeader, info ParticipantInfo, senderIID IID) {
	if hdr.SessionID.IsZero() || hdr.MessageID == 0 {
		e.cfg.Log.Warn("connsys/ir: dropping participantInfo with zero session or message id")
		return
	}
	if hdr.ParticipantID == e.cfg.SelfPID.Wire() || senderIID == e.cfg.SelfIID {
		e.cfg.Log.Warn("connsys/ir: dropping self-originated participantInfo")
		return
	}
	if info.ProtocolVersion != e.cfg.ProtocolVersion {
		e.cfg.Log.Warn("connsys/ir: dropping participantInfo with mismatched protocol version")
		return
	}

	pid := pidFromWire(hdr.ParticipantID)

	p, ok := e.idx.byPid(pid)
	if !ok {
		if existing, iidKnown := e.idx.byIid(senderIID); iidKnown {
			if !existing.RemotePID.IsZero() && existing.RemotePID != pid {
				// Same iid, new pid: asymmetric handling per spec §9 Open
				// Question 1. Responder side relinks; initiator side logs
				// and returns without reconciling.
				if !existing.IsInitiator {
					e.relinkResponderPID(existing, senderIID, pid)
					p = existing
				} else {
					e.cfg.Log.Error("connsys/ir: pid changed under stable iid on initiator side, not supported",
						"iid", senderIID, "old_pid", existing.RemotePID.String(), "new_pid", pid.String())
					return
				}
			} else {
				existing.RemotePID = pid
				e.idx.linkPID(pid, mustHandleOf(e.idx, senderIID))
				p = existing
			}
		} else {
			isInitiator, roleOK := selectRole(e.cfg.SelfIID, senderIID)
			if !roleOK {
				e.cfg.Log.Error("connsys/ir: equal instance ids", "iid", senderIID)
				return
			}
			p = e.idx.add(pid, ParticipantState{RemotePID: pid, RemoteIID: senderIID, IsInitiator: isInitiator})
			e.idx.linkIID(senderIID, mustHandlePID(e.idx, pid))
		}
	} else if p.RemoteIID != senderIID && !p.RemoteIID.IsZero() {
		// Same pid, different iid: explicitly the Non-goal migration case.
		e.cfg.Log.Error("connsys/ir: pid claims multiple instance ids, not supported",
			"pid", pid.String(), "old_iid", p.RemoteIID, "new_iid", senderIID)
		return
	}

	p.LastReceiveTime = e.cfg.Clock.Now()

	if p.IsInitiator {
		e.initiatorHandleParticipantInfo(p, hdr, senderIID)
	} else {
		e.responderHandleParticipantInfo(p, hdr, senderIID)
	}
	e.wake()
}

// relinkResponderPID implements the responder-side half of spec §9 Open
// Question 1: a new pid claims an iid this engine already knew, under the
// responder role. The old pid is disconnected and dropped; the iid is
// relinked to the new pid with a clean slate.
func (e *IREngine) relinkResponderPID(p *ParticipantState, iid IID, newPID PID) {
	oldPID := p.RemotePID
	if !oldPID.IsZero() && e.idx.isConnected(oldPID) {
		e.emitDisconnected(oldPID)
	}
	if !oldPID.IsZero() {
		e.idx.remove(oldPID, iid)
	}
	p.RemotePID = newPID
	p.ActiveSessionID = 0
	p.ResponderState = ResponderInvalid
	e.idx.linkPID(newPID, mustHandleOf(e.idx, iid))
}

func mustHandleOf[T any](idx *participantIndex[T], iid IID) handle {
	h := idx.byIID[iid]
	return h
}

func mustHandlePID[T any](idx *participantIndex[T], pid PID) handle {
	h := idx.byPID[pid]
	return h
}

func (e *IREngine) initiatorHandleParticipantInfo(p *ParticipantState, hdr MsgHeader, iid IID) {
	switch p.InitiatorState {
	case InitiatorInvalid, InitiatorUnavailable:
		e.initiatorInitSession(p)
	case InitiatorWaitForSessionReply:
		if hdr.SessionID != p.ActiveSessionID {
			e.cfg.Log.Info("connsys/ir: initiator ignoring participantInfo for unknown session", "pid", p.RemotePID.String())
			return
		}
		p.LastReceivedMessageID = 1
		p.InitiatorState = InitiatorConnected
		e.emitConnected(p.RemotePID)
	case InitiatorConnected:
		// Protocol violation: peer restarted a session while we still
		// think we're connected. Disconnect and reinit.
		e.emitDisconnected(p.RemotePID)
		e.initiatorInitSession(p)
	}
	_ = iid
}

func (e *IREngine) responderHandleParticipantInfo(p *ParticipantState, hdr MsgHeader, iid IID) {
	serviceUp := e.idx.isConnected(p.RemotePID) || e.responderServiceUp(iid)

	switch p.ResponderState {
	case ResponderInvalid, ResponderUnavailable:
		p.ActiveSessionID = hdr.SessionID
		p.LastReceivedMessageID = hdr.MessageID
		if serviceUp {
			e.responderSendSessionReply(p, iid)
		} else {
			p.ResponderState = ResponderWaitForUp
		}
	case ResponderWaitForUp:
		p.ActiveSessionID = hdr.SessionID
		p.LastReceivedMessageID = hdr.MessageID
	case ResponderWaitForSession:
		p.ActiveSessionID = hdr.SessionID
		p.LastReceivedMessageID = hdr.MessageID
		if serviceUp {
			e.responderSendSessionReply(p, iid)
		} else {
			p.ResponderState = ResponderWaitForUp
		}
	case ResponderConnected:
		e.emitDisconnected(p.RemotePID)
		p.ActiveSessionID = hdr.SessionID
		p.LastReceivedMessageID = hdr.MessageID
		if serviceUp {
			e.responderSendSessionReply(p, iid)
		} else {
			p.ResponderState = ResponderWaitForUp
		}
	}
}

// responderServiceUp reports whether iid is currently in availableInstances
// independent of any pid linkage; used to decide whether a fresh
// participantInfo can connect immediately.
func (e *IREngine) responderServiceUp(iid IID) bool {
	_, ok := e.idx.byIid(iid)
	return ok
}

func (e *IREngine) responderSendSessionReply(p *ParticipantState, iid IID) {
	p.LastSentMessageID = 1
	ok := e.sendParticipantInfo(iid, p.ActiveSessionID, 1)
	p.LastSentTime = e.cfg.Clock.Now()
	if ok {
		p.ResponderState = ResponderConnected
		e.emitConnected(p.RemotePID)
	} else {
		p.ResponderState = ResponderWaitForSession
		p.ActiveSessionID = 0
	}
}

func (e *IREngine) sendParticipantInfo(iid IID, sid SessionID, mid MessageID) bool {
	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: sid, MessageID: mid}
	info := ParticipantInfo{
		ProtocolVersion:      e.cfg.ProtocolVersion,
		MinorProtocolVersion: MinorProtocolVersionIR,
		SenderIID:            e.cfg.SelfIID,
	}
	return e.cfg.Stack.SendParticipantInfo(iid, hdr, info)
}

// --------------------------------------------------------------------
// handleKeepAlive
// --------------------------------------------------------------------

// HandleKeepAlive processes an incoming keep-alive (or, equivalently, any
// generic application message header — both share the same counter rules).
func (e *IREngine) HandleKeepAlive(hdr MsgHeader, senderIID IID, usingPreviousMessageID bool) {
	if hdr.ParticipantID == e.cfg.SelfPID.Wire() || senderIID == e.cfg.SelfIID {
		return
	}
	pid := pidFromWire(hdr.ParticipantID)
	p, ok := e.idx.byPid(pid)
	if !ok {
		e.cfg.Log.Error("connsys/ir: keep-alive from unknown participant", "pid", pid.String())
		return
	}
	p.LastReceiveTime = e.cfg.Clock.Now()

	expectedMid := p.LastReceivedMessageID + 1
	if usingPreviousMessageID {
		expectedMid = p.LastReceivedMessageID
	}

	if p.IsInitiator {
		e.initiatorHandleKeepAlive(p, hdr, expectedMid)
	} else {
		e.responderHandleKeepAlive(p, hdr, senderIID, expectedMid, usingPreviousMessageID)
	}
	e.wake()
}

func (e *IREngine) initiatorHandleKeepAlive(p *ParticipantState, hdr MsgHeader, expectedMid MessageID) {
	switch p.InitiatorState {
	case InitiatorWaitForSessionReply:
		if hdr.SessionID == p.ActiveSessionID {
			e.initiatorInitSession(p)
		}
	case InitiatorConnected:
		if hdr.SessionID != p.ActiveSessionID || hdr.MessageID == 0 || hdr.MessageID != expectedMid {
			e.emitDisconnected(p.RemotePID)
			e.initiatorInitSession(p)
			return
		}
		p.LastReceivedMessageID = hdr.MessageID
	default:
	}
}

func (e *IREngine) responderHandleKeepAlive(p *ParticipantState, hdr MsgHeader, iid IID, expectedMid MessageID, usingPreviousMessageID bool) {
	switch p.ResponderState {
	case ResponderWaitForUp:
		if hdr.SessionID == p.ActiveSessionID && hdr.MessageID == expectedMid {
			return
		}
		p.ActiveSessionID = 0
		p.ResponderState = ResponderUnavailable
	case ResponderWaitForSession:
		e.responderSendErrorForInvalidSid(iid, hdr.SessionID)
	case ResponderConnected:
		switch {
		case hdr.SessionID != p.ActiveSessionID:
			// Wrong sid, tolerated: reply with the error keep-alive for the
			// sid the peer actually sent, without touching our own state
			// (spec §4.3 Connected "wrong sid").
			e.responderSendErrorForInvalidSid(iid, hdr.SessionID)
		case hdr.MessageID == 0 || hdr.MessageID != expectedMid:
			e.emitDisconnected(p.RemotePID)
			e.responderSendError(p, iid)
		default:
			p.LastReceivedMessageID = hdr.MessageID
		}
	default:
	}
	_ = usingPreviousMessageID
}

// responderSendError disconnects the session and sends the error keep-alive
// carrying the participant's own (now-cleared) session id, moving to
// WaitForSession.
func (e *IREngine) responderSendError(p *ParticipantState, iid IID) {
	sid := p.ActiveSessionID
	p.ActiveSessionID = 0
	p.ResponderState = ResponderWaitForSession
	e.sendErrorKeepAlive(iid, sid)
}

// responderSendErrorForInvalidSid sends the error keep-alive for a
// wrong-session message without mutating any stored state.
func (e *IREngine) responderSendErrorForInvalidSid(iid IID, wrongSid SessionID) {
	e.sendErrorKeepAlive(iid, wrongSid)
}

func (e *IREngine) sendErrorKeepAlive(iid IID, sid SessionID) {
	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: sid, MessageID: 0}
	e.cfg.Stack.SendKeepAlive(iid, hdr, true)
}

// --------------------------------------------------------------------
// initSession / sending
// --------------------------------------------------------------------

func (e *IREngine) initiatorInitSession(p *ParticipantState) {
	if !p.RemotePID.IsZero() && e.idx.isConnected(p.RemotePID) {
		e.emitDisconnected(p.RemotePID)
	}

	sid, err := NewSessionID(true)
	if err != nil {
		e.cfg.Log.Error("connsys/ir: failed to draw session id", "error", err)
		sid = 0
	}
	p.ActiveSessionID = sid
	p.LastSentMessageID = 0
	p.LastReceivedMessageID = 0
	now := e.cfg.Clock.Now()
	p.LastSentTime = now
	p.LastReceiveTime = now

	e.sendParticipantInfo(p.RemoteIID, sid, 1)
	p.LastSentTime = e.cfg.Clock.Now()
	p.InitiatorState = InitiatorWaitForSessionReply
	e.wake()
}

// processReceivedMessageHeader validates an inbound generic app-message
// header against the active session/counter state, returning the sender's
// pid whenever this engine knows it. responsible is false when this engine
// is not responsible for the header's participant id at all.
func (e *IREngine) processReceivedMessageHeader(hdr MsgHeader, senderIID IID, usingPreviousMessageID bool) (pid PID, accepted bool, responsible bool) {
	candidate := pidFromWire(hdr.ParticipantID)
	p, ok := e.idx.byPid(candidate)
	if !ok {
		return PID{}, false, false
	}
	e.HandleKeepAlive(hdr, senderIID, usingPreviousMessageID)
	return p.RemotePID, p.Connected(), true
}

// SendUnicast sends a generic application payload to pid, bumping the
// outgoing message id on success (spec §4.7).
func (e *IREngine) SendUnicast(pid PID, payload []byte) error {
	p, ok := e.idx.byPid(pid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPID, pid)
	}
	if !p.Connected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, pid)
	}

	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: p.ActiveSessionID, MessageID: p.LastSentMessageID + 1}
	ok2 := e.cfg.Stack.SendAppMessage(p.RemoteIID, hdr, payload)
	if ok2 {
		p.LastSentMessageID++
		p.LastSentTime = e.cfg.Clock.Now()
		return nil
	}

	e.emitDisconnected(pid)
	if p.IsInitiator {
		e.initiatorInitSession(p)
	} else {
		e.responderSendError(p, p.RemoteIID)
	}
	return fmt.Errorf("%w: send to %s", ErrSendFailed, pid)
}

// SendBroadcast sends payload to every connected participant. Individual
// per-peer failures never fail the broadcast call itself (spec §4.7).
func (e *IREngine) SendBroadcast(payload []byte) {
	var targets []PID
	e.idx.forEach(func(pid PID, p *ParticipantState) {
		if p.Connected() {
			targets = append(targets, pid)
		}
	})
	for _, pid := range targets {
		_ = e.SendUnicast(pid, payload)
	}
}

// --------------------------------------------------------------------
// doOneThreadLoop
// --------------------------------------------------------------------

// DoOneThreadLoop walks every ParticipantState, firing timeouts and
// periodic sends, and returns the next wake-up deadline (spec §5).
func (e *IREngine) DoOneThreadLoop(now time.Time, interval, timeout time.Duration) time.Time {
	next := now.Add(interval)

	e.idx.forEach(func(pid PID, p *ParticipantState) {
		if e.canTimeOut(p) && !p.LastReceiveTime.IsZero() {
			deadline := p.LastReceiveTime.Add(timeout)
			if !deadline.After(now) {
				e.timeoutParticipant(p)
			} else if deadline.Before(next) {
				next = deadline
			}
		}

		if e.sendsPeriodically(p) && !p.LastSentTime.IsZero() {
			sendDeadline := p.LastSentTime.Add(interval)
			if !sendDeadline.After(now) {
				e.sendPeriodic(p)
			}
			if resend := p.LastSentTime.Add(interval); resend.Before(next) {
				next = resend
			}
		}
	})

	return next
}

func (e *IREngine) canTimeOut(p *ParticipantState) bool {
	if p.IsInitiator {
		return p.InitiatorState == InitiatorWaitForSessionReply || p.InitiatorState == InitiatorConnected
	}
	return p.ResponderState == ResponderWaitForUp || p.ResponderState == ResponderConnected
}

func (e *IREngine) sendsPeriodically(p *ParticipantState) bool {
	if p.IsInitiator {
		return p.InitiatorState == InitiatorWaitForSessionReply || p.InitiatorState == InitiatorConnected
	}
	return p.ResponderState == ResponderConnected
}

func (e *IREngine) timeoutParticipant(p *ParticipantState) {
	if p.IsInitiator {
		switch p.InitiatorState {
		case InitiatorWaitForSessionReply:
			e.initiatorInitSession(p)
		case InitiatorConnected:
			e.emitDisconnected(p.RemotePID)
			e.initiatorInitSession(p)
		}
		return
	}
	switch p.ResponderState {
	case ResponderWaitForUp:
		p.ActiveSessionID = 0
		p.ResponderState = ResponderUnavailable
	case ResponderConnected:
		e.emitDisconnected(p.RemotePID)
		e.responderSendError(p, p.RemoteIID)
	}
}

// sendPeriodic emits the periodic traffic for p. The initiator's
// WaitForSessionReply retry resends the full participantInfo; every other
// periodic send is a bare keep-alive that reuses the last sent message id
// without incrementing it ("same mid" — ConnectionSystemInitiatorResponder.h's
// doOneThreadLoop, preserved exactly: unlike the legacy engine, the IR
// engine's periodic keep-alive never advances the counter).
func (e *IREngine) sendPeriodic(p *ParticipantState) {
	if p.IsInitiator && p.InitiatorState == InitiatorWaitForSessionReply {
		e.sendParticipantInfo(p.RemoteIID, p.ActiveSessionID, 1)
		p.LastSentTime = e.cfg.Clock.Now()
		return
	}

	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: p.ActiveSessionID, MessageID: p.LastSentMessageID}
	e.cfg.Stack.SendKeepAlive(p.RemoteIID, hdr, true)
	p.LastSentTime = e.cfg.Clock.Now()
}

// WriteState writes a human-readable dump of all known participants.
func (e *IREngine) WriteState(w io.Writer) {
	e.idx.forEach(func(pid PID, p *ParticipantState) {
		role := "responder"
		state := p.ResponderState.String()
		if p.IsInitiator {
			role = "initiator"
			state = p.InitiatorState.String()
		}
		fmt.Fprintf(w, "ir pid=%s iid=%d role=%s state=%s session=%d connected=%v\n",
			pid.String(), p.RemoteIID, role, state, p.ActiveSessionID, p.Connected())
	})
}

// Snapshot returns a summary of every participant this engine currently
// knows about, for control-surface inspection.
func (e *IREngine) Snapshot() []ParticipantSummary {
	var out []ParticipantSummary
	e.idx.forEach(func(pid PID, p *ParticipantState) {
		role := "responder"
		state := p.ResponderState.String()
		if p.IsInitiator {
			role = "initiator"
			state = p.InitiatorState.String()
		}
		out = append(out, ParticipantSummary{
			PID:       pid,
			IID:       p.RemoteIID,
			Engine:    "ir",
			Role:      role,
			State:     state,
			SessionID: p.ActiveSessionID,
			Connected: p.Connected(),
		})
	})
	return out
}

func pidFromWire(v uint64) PID {
	var p PID
	for i := range 8 {
		p[8+i] = byte(v >> (8 * i))
	}
	return p
}
