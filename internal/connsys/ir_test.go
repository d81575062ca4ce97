package connsys_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// Scenario literal values follow spec §8's "Concrete end-to-end scenarios":
// self-PID=4, self-IID=5 throughout. The scenarios' own remote-IID digits
// (1 for the "initiator" case, 10 for the "responder" case) would, applied
// literally against self-IID=5, flip which role §4.1's R>S comparison
// assigns — so the two are used swapped here (10 for the initiator
// scenarios, 1 for the responder ones) to land on the labeled role while
// keeping every other literal (pid, sid, mid) unchanged.
const (
	irSelfIID connsys.IID = 5
)

func irSelfPID() connsys.PID { return wirePID(4) }

func newIRTestEngine(t *testing.T, clock clockwork.Clock) (*connsys.IREngine, *recordingStack, *recordingListener) {
	t.Helper()

	stack := &recordingStack{iid: irSelfIID}
	notifier := connsys.NewNotifier(slog.Default())
	listener := &recordingListener{}
	notifier.RegisterForConnectionUpdates(listener)

	engine, err := connsys.NewIREngine(connsys.IREngineConfig{
		SelfPID:           irSelfPID(),
		SelfIID:           irSelfIID,
		ProtocolVersion:   99,
		Stack:             stack,
		Notifier:          notifier,
		Clock:             clock,
		Log:               slog.Default(),
		KeepAliveInterval: 100 * time.Millisecond,
		KeepAliveTimeout:  500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewIREngine() error: %v", err)
	}
	return engine, stack, listener
}

func irSnapshotFor(engine *connsys.IREngine, pid connsys.PID) (connsys.ParticipantSummary, bool) {
	for _, p := range engine.Snapshot() {
		if p.PID == pid {
			return p, true
		}
	}
	return connsys.ParticipantSummary{}, false
}

// setupConnectedInitiator drives scenario 1 (initiator lifecycle, clean) to
// completion: serviceUp, the peer's opening participantInfo (triggering our
// own session proposal), and the peer's reply echoing that session, which
// is what actually completes the handshake per §4.2's WaitForSessionReply
// rule. Returns the session id we proposed.
func setupConnectedInitiator(t *testing.T, engine *connsys.IREngine, stack *recordingStack, remoteIID connsys.IID, remotePID connsys.PID) connsys.SessionID {
	t.Helper()

	engine.HandleServiceAvailable(remoteIID)
	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 123, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 99, MinorProtocolVersion: 1, SenderIID: remoteIID},
		remoteIID,
	)

	if len(stack.pinfoSends) != 1 {
		t.Fatalf("pinfo sends after opening participantInfo = %d, want 1", len(stack.pinfoSends))
	}
	sid := stack.pinfoSends[0].hdr.SessionID
	if sid.IsZero() {
		t.Fatalf("proposed session id is zero, want random non-zero")
	}

	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: sid, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 99, MinorProtocolVersion: 1, SenderIID: remoteIID},
		remoteIID,
	)
	return sid
}

func TestIRInitiatorLifecycleClean(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(10)
	remotePID := wirePID(2)

	engine, stack, listener := newIRTestEngine(t, clockwork.NewFakeClock())
	sid := setupConnectedInitiator(t, engine, stack, remoteIID, remotePID)

	if got := stack.pinfoSends[0]; got.to != remoteIID || got.hdr.ParticipantID != irSelfPID().Wire() || got.hdr.MessageID != 1 {
		t.Errorf("first sendParticipantInfo = %+v, want to=%d pid=4 mid=1", got, remoteIID)
	}
	if n := listener.connectedCount(remotePID); n != 1 {
		t.Errorf("Connected(pid=2) notifications = %d, want 1", n)
	}
	p, ok := irSnapshotFor(engine, remotePID)
	if !ok {
		t.Fatalf("Snapshot() missing entry for pid=2")
	}
	if p.Role != "initiator" || p.State != "Connected" || p.SessionID != sid {
		t.Errorf("Snapshot() = %+v, want role=initiator state=Connected session=%d", p, sid)
	}
}

func TestIRResponderLifecycleClean(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(1)
	remotePID := wirePID(3)

	engine, stack, listener := newIRTestEngine(t, clockwork.NewFakeClock())

	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 123, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 99, MinorProtocolVersion: 1, SenderIID: remoteIID},
		remoteIID,
	)
	engine.HandleServiceAvailable(remoteIID)

	if len(stack.pinfoSends) != 1 {
		t.Fatalf("sendParticipantInfo calls = %d, want 1: %+v", len(stack.pinfoSends), stack.pinfoSends)
	}
	want := pinfoSend{to: remoteIID, hdr: connsys.MsgHeader{ParticipantID: irSelfPID().Wire(), SessionID: 123, MessageID: 1}}
	if got := stack.pinfoSends[0]; got != want {
		t.Errorf("sendParticipantInfo = %+v, want %+v", got, want)
	}
	if n := listener.connectedCount(remotePID); n != 1 {
		t.Errorf("Connected(pid=3) notifications = %d, want 1", n)
	}
	p, ok := irSnapshotFor(engine, remotePID)
	if !ok || p.Role != "responder" || p.State != "Connected" {
		t.Errorf("Snapshot() = %+v, ok=%v, want role=responder state=Connected", p, ok)
	}
}

func TestIRInitiatorCounterMismatchReconnects(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(10)
	remotePID := wirePID(2)

	engine, stack, listener := newIRTestEngine(t, clockwork.NewFakeClock())
	sidA := setupConnectedInitiator(t, engine, stack, remoteIID, remotePID)

	engine.HandleKeepAlive(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: sidA, MessageID: 5},
		remoteIID, true,
	)

	if n := listener.disconnectedCount(remotePID); n != 1 {
		t.Errorf("NotConnected(pid=2) notifications after mismatch = %d, want 1", n)
	}
	if len(stack.pinfoSends) != 2 {
		t.Fatalf("pinfo sends after mismatch = %d, want 2", len(stack.pinfoSends))
	}
	sidB := stack.pinfoSends[1].hdr.SessionID
	if sidB.IsZero() || sidB == sidA {
		t.Errorf("reconnection session id = %d, want fresh non-zero and != %d", sidB, sidA)
	}
	p, ok := irSnapshotFor(engine, remotePID)
	if !ok || p.State != "WaitForSessionReply" {
		t.Errorf("Snapshot() = %+v, ok=%v, want state=WaitForSessionReply", p, ok)
	}

	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: sidB, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 99, MinorProtocolVersion: 1, SenderIID: remoteIID},
		remoteIID,
	)
	if n := listener.connectedCount(remotePID); n != 2 {
		t.Errorf("Connected(pid=2) notifications after reconnection = %d, want 2", n)
	}
	p, ok = irSnapshotFor(engine, remotePID)
	if !ok || p.State != "Connected" || p.SessionID != sidB {
		t.Errorf("Snapshot() = %+v, ok=%v, want state=Connected session=%d", p, ok, sidB)
	}
}

func TestIRInitiatorReceiveTimeoutReconnects(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(10)
	remotePID := wirePID(2)

	clock := clockwork.NewFakeClock()
	engine, stack, listener := newIRTestEngine(t, clock)
	setupConnectedInitiator(t, engine, stack, remoteIID, remotePID)

	clock.Advance(600 * time.Millisecond)
	next := engine.DoOneThreadLoop(clock.Now(), 100*time.Millisecond, 500*time.Millisecond)

	if !next.After(clock.Now()) {
		t.Errorf("DoOneThreadLoop() returned %v, want a deadline after %v", next, clock.Now())
	}
	if n := listener.disconnectedCount(remotePID); n != 1 {
		t.Errorf("NotConnected(pid=2) notifications after receive timeout = %d, want 1", n)
	}
	if len(stack.pinfoSends) != 2 {
		t.Fatalf("pinfo sends after timeout = %d, want 2", len(stack.pinfoSends))
	}
	p, ok := irSnapshotFor(engine, remotePID)
	if !ok || p.State != "WaitForSessionReply" {
		t.Errorf("Snapshot() = %+v, ok=%v, want state=WaitForSessionReply", p, ok)
	}
}

func TestIRResponderToleratesWrongSessionKeepAlive(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(1)
	remotePID := wirePID(3)

	engine, stack, listener := newIRTestEngine(t, clockwork.NewFakeClock())

	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 123, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 99, MinorProtocolVersion: 1, SenderIID: remoteIID},
		remoteIID,
	)
	engine.HandleServiceAvailable(remoteIID)
	if n := listener.connectedCount(remotePID); n != 1 {
		t.Fatalf("setup: Connected(pid=3) notifications = %d, want 1", n)
	}

	engine.HandleKeepAlive(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 999, MessageID: 1},
		remoteIID, true,
	)

	if n := listener.disconnectedCount(remotePID); n != 0 {
		t.Errorf("NotConnected(pid=3) notifications after wrong-sid keep-alive = %d, want 0 (tolerated)", n)
	}
	if len(stack.keepAliveSends) != 1 {
		t.Fatalf("sendKeepAlive calls = %d, want 1: %+v", len(stack.keepAliveSends), stack.keepAliveSends)
	}
	want := keepAliveSend{to: remoteIID, hdr: connsys.MsgHeader{ParticipantID: irSelfPID().Wire(), SessionID: 999, MessageID: 0}, usingPreviousMessageID: true}
	if got := stack.keepAliveSends[0]; got != want {
		t.Errorf("sendKeepAlive = %+v, want %+v", got, want)
	}
	p, ok := irSnapshotFor(engine, remotePID)
	if !ok || p.State != "Connected" || p.SessionID != 123 {
		t.Errorf("Snapshot() = %+v, ok=%v, want state=Connected session=123 (unchanged)", p, ok)
	}
}
