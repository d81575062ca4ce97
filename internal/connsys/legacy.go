package connsys

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// MinorProtocolVersionLegacy is the minor-protocol-version value that
// routes a peer to this engine (spec §4.5, §6).
const MinorProtocolVersionLegacy uint32 = 0

// LegacyEngineConfig configures a LegacyEngine.
type LegacyEngineConfig struct {
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

// LegacyEngine is the minor-protocol-0 engine (C2): a single combined state
// machine without explicit initiator/responder roles, grounded on
// ConnectionSystemBase.h.
type LegacyEngine struct {
	cfg    LegacyEngineConfig
	idx    *participantIndex[LegacyParticipantState]
	wakeup func()
}

// NewLegacyEngine constructs a LegacyEngine.
func NewLegacyEngine(cfg LegacyEngineConfig) (*LegacyEngine, error) {
	if err := validateEngineConfig(cfg.SelfIID, cfg.ProtocolVersion, cfg.Stack, cfg.Notifier, cfg.KeepAliveInterval, cfg.KeepAliveTimeout); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &LegacyEngine{cfg: cfg, idx: newParticipantIndex[LegacyParticipantState]()}, nil
}

func (e *LegacyEngine) SetWakeup(fn func()) { e.wakeup = fn }

func (e *LegacyEngine) wake() {
	if e.wakeup != nil {
		e.wakeup()
	}
}

func (e *LegacyEngine) SupportedMinorProtocolVersion() uint32 { return MinorProtocolVersionLegacy }

func (e *LegacyEngine) IsResponsibleForMinorProtocolVersion(minorVer uint32) bool {
	return minorVer == MinorProtocolVersionLegacy
}

func (e *LegacyEngine) KnowsPID(pid PID) bool {
	_, ok := e.idx.byPid(pid)
	return ok
}

func (e *LegacyEngine) KnowsIID(iid IID) bool {
	_, ok := e.idx.byIid(iid)
	return ok
}

func (e *LegacyEngine) ParticipantConnected(pid PID) bool {
	return e.idx.isConnected(pid)
}

// ClearParticipant fully removes pid's record, disconnecting first if
// needed. Used by the Dispatcher's minor-version hand-over (spec §4.5).
func (e *LegacyEngine) ClearParticipant(pid PID) {
	p, ok := e.idx.byPid(pid)
	if !ok {
		return
	}
	if e.idx.isConnected(pid) {
		e.emitDisconnected(pid)
	}
	e.idx.remove(pid, p.RemoteIID)
}

func (e *LegacyEngine) Connect() bool {
	return e.cfg.Stack.Connect()
}

func (e *LegacyEngine) Disconnect() bool {
	var connected []PID
	e.idx.forEach(func(pid PID, p *LegacyParticipantState) {
		if e.idx.isConnected(pid) {
			connected = append(connected, pid)
		}
	})
	for _, pid := range connected {
		e.emitDisconnected(pid)
	}
	e.idx = newParticipantIndex[LegacyParticipantState]()
	return e.cfg.Stack.Disconnect()
}

func (e *LegacyEngine) emitConnected(pid PID) {
	e.idx.markConnected(pid)
	p, _ := e.idx.byPid(pid)
	if p != nil {
		p.Connected = true
	}
	e.cfg.Notifier.NewParticipantHasConnected(pid)
}

func (e *LegacyEngine) emitDisconnected(pid PID) {
	e.idx.markDisconnected(pid)
	p, _ := e.idx.byPid(pid)
	if p != nil {
		p.Connected = false
	}
	e.cfg.Notifier.ParticipantHasDisconnected(pid)
}

// --------------------------------------------------------------------
// serviceUp / serviceDown
// --------------------------------------------------------------------

func (e *LegacyEngine) HandleServiceAvailable(iid IID) {
	if iid.IsZero() || iid == e.cfg.SelfIID {
		e.cfg.Log.Warn("connsys/legacy: dropping serviceUp for invalid instance id", "iid", iid)
		return
	}

	p, ok := e.idx.byIid(iid)
	if ok {
		// Already available: idempotent (spec §8 round-trip laws).
		return
	}

	if pid, existing, found := e.idx.findByPID(func(v *LegacyParticipantState) bool { return v.RemoteIID == iid }); found {
		// A serviceDown for this iid only dropped the iid link (spec §3
		// availableInstances); the real, pid-linked record survives.
		// Relink it instead of fabricating a fresh zero-pid duplicate.
		e.idx.setIID(pid, iid)
		p = existing
	} else {
		p = e.idx.addByIID(iid, LegacyParticipantState{RemoteIID: iid, ExpectedRecvMessageID: 1})
	}
	sid, err := NewSessionID(false)
	if err != nil {
		e.cfg.Log.Error("connsys/legacy: failed to draw session id", "error", err)
		sid = 1
	}
	p.SendSessionID = sid
	p.SendMessageID = 1
	now := e.cfg.Clock.Now()
	p.LastSentTime = now
	p.LastReceiveTime = now

	ok2 := e.trySendParticipantInfo(p, iid)
	if ok2 && p.ExpectedRecvSessionID != 0 {
		// A participantInfo from this peer was already accepted before the
		// transport reported it up (spec supplement item 3).
		if !p.RemotePID.IsZero() {
			e.emitConnected(p.RemotePID)
		}
	}
	e.wake()
}

func (e *LegacyEngine) HandleServiceUnavailable(iid IID) {
	p, ok := e.idx.byIid(iid)
	if !ok {
		return
	}
	e.idx.removeIID(iid)
	if !p.RemotePID.IsZero() {
		if e.idx.isConnected(p.RemotePID) {
			e.emitDisconnected(p.RemotePID)
		}
		e.initNewSession(p)
	}
	e.wake()
}

// --------------------------------------------------------------------
// handleParticipantInfo
// --------------------------------------------------------------------

func (e *LegacyEngine) HandleParticipantInfo(hdr MsgHeader, info ParticipantInfo, senderIID IID) {
	if hdr.SessionID.IsZero() || hdr.MessageID == 0 {
		e.cfg.Log.Warn("connsys/legacy: dropping participantInfo with zero session or message id")
		return
	}
	if hdr.ParticipantID == e.cfg.SelfPID.Wire() || senderIID == e.cfg.SelfIID {
		e.cfg.Log.Warn("connsys/legacy: dropping self-originated participantInfo")
		return
	}
	if info.ProtocolVersion != e.cfg.ProtocolVersion {
		e.cfg.Log.Warn("connsys/legacy: dropping participantInfo with mismatched protocol version")
		return
	}

	pid := pidFromWire(hdr.ParticipantID)

	p, knownByPID := e.idx.byPid(pid)
	if !knownByPID {
		if existing, iidKnown := e.idx.byIid(senderIID); iidKnown {
			if !existing.RemotePID.IsZero() && existing.RemotePID != pid {
				// Supplemented feature: new pid reusing a known iid. The
				// legacy engine relinks rather than rejecting (spec
				// supplement item 4), the mirror image of the IR engine's
				// responder-side behavior.
				old := existing.RemotePID
				if e.idx.isConnected(old) {
					e.emitDisconnected(old)
				}
				e.idx.remove(old, senderIID)
				existing = e.idx.addByIID(senderIID, LegacyParticipantState{RemoteIID: senderIID})
			}
			existing.RemotePID = pid
			e.idx.linkPID(pid, mustHandleOf(e.idx, senderIID))
			p = existing
		} else {
			sid, err := NewSessionID(false)
			if err != nil {
				sid = 1
			}
			now := e.cfg.Clock.Now()
			p = e.idx.add(pid, LegacyParticipantState{
				RemotePID:     pid,
				RemoteIID:     senderIID,
				SendSessionID: sid,
				SendMessageID: 1,
				LastSentTime:  now,
				LastReceiveTime: now,
			})
			e.idx.linkIID(senderIID, mustHandlePID(e.idx, pid))
		}
	} else if p.RemoteIID != senderIID && !p.RemoteIID.IsZero() {
		e.cfg.Log.Error("connsys/legacy: pid claims multiple instance ids, not supported",
			"pid", pid.String(), "old_iid", p.RemoteIID, "new_iid", senderIID)
		return
	}

	p.LastReceiveTime = e.cfg.Clock.Now()

	skip := p.SkipSendPinfoOnNextMismatch
	p.SkipSendPinfoOnNextMismatch = false

	switch {
	case p.ExpectedRecvSessionID.IsZero() && p.ExpectedRecvMessageID == 1 && hdr.MessageID == 1:
		// Fresh: nothing observed from this peer yet.
		p.ExpectedRecvSessionID = hdr.SessionID
		p.ExpectedRecvMessageID = 2
		if e.idx.isConnected(p.RemotePID) {
			return
		}
		if _, available := e.idx.byIid(p.RemoteIID); available && p.SendMessageID > 1 {
			e.emitConnected(p.RemotePID)
		}

	case hdr.SessionID == p.ExpectedRecvSessionID && hdr.MessageID == p.ExpectedRecvMessageID:
		p.ExpectedRecvMessageID++

	default:
		if e.idx.isConnected(p.RemotePID) {
			e.emitDisconnected(p.RemotePID)
		}
		prevSendSessionID := p.SendSessionID
		prevSendMessageID := p.SendMessageID
		e.initNewSession(p)

		if _, available := e.idx.byIid(p.RemoteIID); !available {
			p.ExpectedRecvSessionID = hdr.SessionID
			p.ExpectedRecvMessageID = hdr.MessageID + 1
			return
		}

		// SendMessageID still 1: nothing but the announced participantInfo
		// has been sent in that session.
		if skip && prevSendMessageID == 1 {
			p.SendSessionID = prevSendSessionID
			p.SendMessageID = prevSendMessageID
		} else {
			if e.trySendParticipantInfo(p, p.RemoteIID) {
				p.SkipSendPinfoOnNextMismatch = true
			} else {
				return
			}
		}

		p.ExpectedRecvSessionID = hdr.SessionID
		p.ExpectedRecvMessageID = hdr.MessageID + 1
		e.emitConnected(p.RemotePID)
	}
	e.wake()
}

// --------------------------------------------------------------------
// handleKeepAlive / app messages
// --------------------------------------------------------------------

func (e *LegacyEngine) HandleKeepAlive(hdr MsgHeader, senderIID IID) {
	if hdr.ParticipantID == e.cfg.SelfPID.Wire() || senderIID == e.cfg.SelfIID {
		return
	}
	pid := pidFromWire(hdr.ParticipantID)
	p, ok := e.idx.byPid(pid)
	if !ok {
		e.cfg.Log.Error("connsys/legacy: keep-alive from unknown participant", "pid", pid.String())
		return
	}
	p.LastReceiveTime = e.cfg.Clock.Now()

	if hdr.SessionID == p.ExpectedRecvSessionID && hdr.MessageID == p.ExpectedRecvMessageID {
		p.ExpectedRecvMessageID++
		e.wake()
		return
	}

	if e.idx.isConnected(pid) {
		e.emitDisconnected(pid)
	}
	e.initNewSession(p)
	if _, available := e.idx.byIid(p.RemoteIID); available {
		e.trySendParticipantInfo(p, p.RemoteIID)
	}
	e.wake()
}

// processReceivedMessageHeader validates an inbound generic app-message
// header against the active session/counter state, mirroring
// IREngine.processReceivedMessageHeader. responsible is false when this
// engine is not responsible for the header's participant id at all.
func (e *LegacyEngine) processReceivedMessageHeader(hdr MsgHeader, senderIID IID) (pid PID, accepted bool, responsible bool) {
	candidate := pidFromWire(hdr.ParticipantID)
	p, ok := e.idx.byPid(candidate)
	if !ok {
		return PID{}, false, false
	}
	e.HandleKeepAlive(hdr, senderIID)
	return p.RemotePID, e.idx.isConnected(p.RemotePID), true
}

// --------------------------------------------------------------------
// initNewSession / sending
// --------------------------------------------------------------------

// initNewSession resets p's local send counters and, if this side had
// already exchanged more than its own opening pinfo, also resets its
// expectation of the peer (spec §4.4, grounded on
// ConnectionSystemBase::initNewSession).
func (e *LegacyEngine) initNewSession(p *LegacyParticipantState) {
	if p.SendMessageID > 1 {
		p.ExpectedRecvMessageID = 1
		p.ExpectedRecvSessionID = 0
	}
	p.SendMessageID = 1
	sid, err := NewSessionID(false)
	if err != nil {
		sid = 1
	}
	p.SendSessionID = sid
}

func (e *LegacyEngine) trySendParticipantInfo(p *LegacyParticipantState, iid IID) bool {
	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: p.SendSessionID, MessageID: p.SendMessageID}
	info := ParticipantInfo{ProtocolVersion: e.cfg.ProtocolVersion, MinorProtocolVersion: MinorProtocolVersionLegacy, SenderIID: e.cfg.SelfIID}
	ok := e.cfg.Stack.SendParticipantInfo(iid, hdr, info)
	p.LastSentTime = e.cfg.Clock.Now()
	e.wake()
	return ok
}

// SendUnicast sends a generic application payload to pid.
func (e *LegacyEngine) SendUnicast(pid PID, payload []byte) error {
	p, ok := e.idx.byPid(pid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPID, pid)
	}
	if !e.idx.isConnected(pid) {
		return fmt.Errorf("%w: %s", ErrNotConnected, pid)
	}

	hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: p.SendSessionID, MessageID: p.SendMessageID + 1}
	if e.cfg.Stack.SendAppMessage(p.RemoteIID, hdr, payload) {
		p.SendMessageID++
		p.LastSentTime = e.cfg.Clock.Now()
		return nil
	}

	if e.idx.isConnected(pid) {
		e.emitDisconnected(pid)
	}
	e.initNewSession(p)
	return fmt.Errorf("%w: send to %s", ErrSendFailed, pid)
}

// SendBroadcast sends payload to every connected participant.
func (e *LegacyEngine) SendBroadcast(payload []byte) {
	var targets []PID
	e.idx.forEach(func(pid PID, p *LegacyParticipantState) {
		if p.Connected {
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

// DoOneThreadLoop walks every participant with a known pid, like the IR
// engine's sweep. Its periodic keep-alive is counted like any other send:
// it carries the next message id (SendMessageID+1) and bumps SendMessageID
// on success — a deliberate divergence from the IR engine's same-mid
// keep-alive, preserved per DESIGN.md.
func (e *LegacyEngine) DoOneThreadLoop(now time.Time, interval, timeout time.Duration) time.Time {
	next := now.Add(interval)

	e.idx.forEach(func(pid PID, p *LegacyParticipantState) {
		if p.Connected && !p.LastReceiveTime.IsZero() {
			deadline := p.LastReceiveTime.Add(timeout)
			if !deadline.After(now) {
				e.emitDisconnected(pid)
				e.initNewSession(p)
			} else if deadline.Before(next) {
				next = deadline
			}
		}

		if !p.LastSentTime.IsZero() {
			sendDeadline := p.LastSentTime.Add(interval)
			if !sendDeadline.After(now) {
				if p.SendMessageID == 1 {
					ok := e.trySendParticipantInfo(p, p.RemoteIID)
					if ok && p.ExpectedRecvSessionID != 0 && !p.Connected {
						e.emitConnected(pid)
					}
				} else {
					hdr := MsgHeader{ParticipantID: e.cfg.SelfPID.Wire(), SessionID: p.SendSessionID, MessageID: p.SendMessageID + 1}
					if e.cfg.Stack.SendKeepAlive(p.RemoteIID, hdr, false) {
						p.SendMessageID++
					}
					p.LastSentTime = e.cfg.Clock.Now()
				}
			}
			if resend := p.LastSentTime.Add(interval); resend.Before(next) {
				next = resend
			}
		}
	})

	return next
}

// WriteState writes a human-readable dump of all known participants.
func (e *LegacyEngine) WriteState(w io.Writer) {
	e.idx.forEach(func(pid PID, p *LegacyParticipantState) {
		fmt.Fprintf(w, "legacy pid=%s iid=%d session=%d connected=%v\n",
			pid.String(), p.RemoteIID, p.SendSessionID, p.Connected)
	})
}

// Snapshot returns a summary of every participant this engine currently
// knows about, for control-surface inspection.
func (e *LegacyEngine) Snapshot() []ParticipantSummary {
	var out []ParticipantSummary
	e.idx.forEach(func(pid PID, p *LegacyParticipantState) {
		out = append(out, ParticipantSummary{
			PID:       pid,
			IID:       p.RemoteIID,
			Engine:    "legacy",
			SessionID: p.SendSessionID,
			Connected: p.Connected,
		})
	})
	return out
}
