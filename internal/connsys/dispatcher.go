package connsys

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher routes inbound Stack callbacks to whichever of the legacy or
// IR engine is responsible for a given participant (spec §4.5), and owns
// the single "framework lock" both engines and the keep-alive worker share
// (spec §5).
type Dispatcher struct {
	mu sync.Mutex

	Legacy *LegacyEngine
	IR     *IREngine
	log    *slog.Logger
}

// NewDispatcher builds a Dispatcher over an already-constructed pair of
// engines.
func NewDispatcher(legacy *LegacyEngine, ir *IREngine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{Legacy: legacy, IR: ir, log: log}
}

// WireWorker connects a KeepAliveWorker's Wake signal to both engines, so
// any action that changes a pending deadline interrupts the worker's wait
// (spec §5 "must signal the condition variable").
func (d *Dispatcher) WireWorker(w *KeepAliveWorker) {
	d.Legacy.SetWakeup(w.Wake)
	d.IR.SetWakeup(w.Wake)
}

// Lock and Unlock expose the framework lock (spec §5). Every other
// Dispatcher method, DoOneThreadLoop included, acquires it itself, so a
// caller must not hold it while calling one of them.
func (d *Dispatcher) Lock()   { d.mu.Lock() }
func (d *Dispatcher) Unlock() { d.mu.Unlock() }

// Connect starts both engines' transports.
func (d *Dispatcher) Connect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	okLegacy := d.Legacy.Connect()
	okIR := d.IR.Connect()
	return okLegacy && okIR
}

// Disconnect tears both engines down.
func (d *Dispatcher) Disconnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	okLegacy := d.Legacy.Disconnect()
	okIR := d.IR.Disconnect()
	return okLegacy && okIR
}

// HandleServiceAvailable routes a serviceUp callback to whichever engine
// currently owns iid; if neither does, only the IR engine records it. The
// legacy engine learns of such an instance only through a later
// participantInfo.
func (d *Dispatcher) HandleServiceAvailable(iid IID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ownedByLegacy := d.Legacy.KnowsIID(iid)
	ownedByIR := d.IR.KnowsIID(iid)

	switch {
	case ownedByLegacy:
		d.Legacy.HandleServiceAvailable(iid)
	case ownedByIR:
		d.IR.HandleServiceAvailable(iid)
	default:
		// Identity not yet established: the IR engine records availability;
		// the legacy engine is not told.
		d.IR.HandleServiceAvailable(iid)
	}
}

// HandleServiceUnavailable routes a serviceDown callback to whichever
// engine owns iid.
func (d *Dispatcher) HandleServiceUnavailable(iid IID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Legacy.KnowsIID(iid) {
		d.Legacy.HandleServiceUnavailable(iid)
	}
	if d.IR.KnowsIID(iid) {
		d.IR.HandleServiceUnavailable(iid)
	}
}

// HandleParticipantInfo implements the minor-version hand-over rules of
// spec §4.5.
func (d *Dispatcher) HandleParticipantInfo(hdr MsgHeader, info ParticipantInfo, senderIID IID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pid := pidFromWire(hdr.ParticipantID)

	if info.MinorProtocolVersion == MinorProtocolVersionLegacy {
		if d.IR.KnowsPID(pid) {
			d.IR.clearParticipantForHandover(pid)
		}
		d.Legacy.HandleParticipantInfo(hdr, info, senderIID)
		return
	}

	if d.Legacy.KnowsPID(pid) {
		d.Legacy.ClearParticipant(pid)
	}
	d.IR.HandleParticipantInfo(hdr, info, senderIID)
}

// HandleKeepAlive routes a keep-alive to whichever engine currently owns
// its participant id; dropped with an error log if neither does (spec
// §4.5).
func (d *Dispatcher) HandleKeepAlive(hdr MsgHeader, senderIID IID, usingPreviousMessageID bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pid := pidFromWire(hdr.ParticipantID)
	switch {
	case d.IR.KnowsPID(pid):
		d.IR.HandleKeepAlive(hdr, senderIID, usingPreviousMessageID)
	case d.Legacy.KnowsPID(pid):
		d.Legacy.HandleKeepAlive(hdr, senderIID)
	default:
		d.log.Error("connsys/dispatcher: keep-alive from unowned participant", "pid", pid.String())
	}
}

// HandleAppMessage routes an inbound generic application-message header to
// whichever engine owns its participant id, validating it against the same
// session/counter rules as a keep-alive (spec §4.2/§4.3 appMsg receive
// transitions share keepAlive's). The payload itself is not interpreted
// here; processReceivedMessageHeader only updates liveness/counter state.
func (d *Dispatcher) HandleAppMessage(hdr MsgHeader, senderIID IID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pid := pidFromWire(hdr.ParticipantID)
	switch {
	case d.IR.KnowsPID(pid):
		d.IR.processReceivedMessageHeader(hdr, senderIID, false)
	case d.Legacy.KnowsPID(pid):
		d.Legacy.processReceivedMessageHeader(hdr, senderIID)
	default:
		d.log.Error("connsys/dispatcher: app message from unowned participant", "pid", pid.String())
	}
}

// SendUnicast routes an application-message send through whichever engine
// owns pid.
func (d *Dispatcher) SendUnicast(pid PID, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.IR.KnowsPID(pid) {
		return d.IR.SendUnicast(pid, payload)
	}
	if d.Legacy.KnowsPID(pid) {
		return d.Legacy.SendUnicast(pid, payload)
	}
	return ErrUnknownPID
}

// SendBroadcast sends payload through both engines to all of their
// connected participants.
func (d *Dispatcher) SendBroadcast(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Legacy.SendBroadcast(payload)
	d.IR.SendBroadcast(payload)
}

// DoOneThreadLoop runs both engines' sweeps and returns the earliest of the
// two deadlines, matching the single shared keep-alive worker described in
// spec §5 (the two engines are independent state machines but share one
// worker and one framework lock).
func (d *Dispatcher) DoOneThreadLoop(now time.Time, interval, timeout time.Duration) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()

	legacyNext := d.Legacy.DoOneThreadLoop(now, interval, timeout)
	irNext := d.IR.DoOneThreadLoop(now, interval, timeout)
	if irNext.Before(legacyNext) {
		return irNext
	}
	return legacyNext
}

// WriteState dumps both engines' participant tables.
func (d *Dispatcher) WriteState(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Legacy.WriteState(w)
	d.IR.WriteState(w)
}

// ParticipantSummary describes one participant known to either engine, for
// control-surface inspection.
type ParticipantSummary struct {
	PID       PID
	IID       IID
	Engine    string // "legacy" or "ir"
	Role      string // "initiator" or "responder"; empty for the legacy engine
	State     string
	SessionID SessionID
	Connected bool
}

// Snapshot returns a summary of every participant known to either engine.
func (d *Dispatcher) Snapshot() []ParticipantSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := d.Legacy.Snapshot()
	out = append(out, d.IR.Snapshot()...)
	return out
}
