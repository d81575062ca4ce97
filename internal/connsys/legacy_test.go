package connsys_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

const legacySelfIID connsys.IID = 5

func legacySelfPID() connsys.PID { return wirePID(4) }

func newLegacyTestEngine(t *testing.T, clock clockwork.Clock) (*connsys.LegacyEngine, *recordingStack, *recordingListener) {
	t.Helper()

	stack := &recordingStack{iid: legacySelfIID}
	notifier := connsys.NewNotifier(slog.Default())
	listener := &recordingListener{}
	notifier.RegisterForConnectionUpdates(listener)

	engine, err := connsys.NewLegacyEngine(connsys.LegacyEngineConfig{
		SelfPID:           legacySelfPID(),
		SelfIID:           legacySelfIID,
		ProtocolVersion:   77,
		Stack:             stack,
		Notifier:          notifier,
		Clock:             clock,
		Log:               slog.Default(),
		KeepAliveInterval: 100 * time.Millisecond,
		KeepAliveTimeout:  500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewLegacyEngine() error: %v", err)
	}
	return engine, stack, listener
}

// setupConnectedLegacy drives a clean legacy connect: serviceUp (our own
// opening participantInfo), the peer's opening participantInfo ("Fresh"
// case, §4.4), and one periodic sweep tick, which is the only point this
// engine ever calls emitConnected on the happy path (the tick resends our
// own participantInfo and, with the peer's session already recorded,
// connects).
func setupConnectedLegacy(t *testing.T, engine *connsys.LegacyEngine, stack *recordingStack, clock *clockwork.FakeClock, remoteIID connsys.IID, remotePID connsys.PID) {
	t.Helper()

	engine.HandleServiceAvailable(remoteIID)
	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 123, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 77, MinorProtocolVersion: connsys.MinorProtocolVersionLegacy, SenderIID: remoteIID},
		remoteIID,
	)

	clock.Advance(100 * time.Millisecond)
	engine.DoOneThreadLoop(clock.Now(), 100*time.Millisecond, 500*time.Millisecond)
}

func legacySnapshotFor(engine *connsys.LegacyEngine, pid connsys.PID) (connsys.ParticipantSummary, bool) {
	for _, p := range engine.Snapshot() {
		if p.PID == pid {
			return p, true
		}
	}
	return connsys.ParticipantSummary{}, false
}

func TestLegacyServiceUpThenParticipantInfoConnects(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(7)
	remotePID := wirePID(6)

	clock := clockwork.NewFakeClock()
	engine, stack, listener := newLegacyTestEngine(t, clock)
	setupConnectedLegacy(t, engine, stack, clock, remoteIID, remotePID)

	if n := listener.connectedCount(remotePID); n != 1 {
		t.Fatalf("Connected notifications = %d, want 1", n)
	}
	if len(stack.pinfoSends) != 2 {
		t.Fatalf("pinfo sends = %d, want 2 (opening + periodic resend)", len(stack.pinfoSends))
	}
	p, ok := legacySnapshotFor(engine, remotePID)
	if !ok || !p.Connected {
		t.Errorf("Snapshot() = %+v, ok=%v, want Connected=true", p, ok)
	}
}

// TestLegacyAntiPingPong drives spec §8 scenario 4: both sides simultaneously
// issuing a new participantInfo under a counter mismatch. The first mismatch
// must send a replacement participantInfo and set the one-shot
// SkipSendPinfoOnNextMismatch flag; the second, arriving before this side
// has sent anything but its own pinfo since (SendMessageID still 1),
// must suppress its own send and keep the already-announced session.
func TestLegacyAntiPingPong(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(7)
	remotePID := wirePID(6)

	clock := clockwork.NewFakeClock()
	engine, stack, listener := newLegacyTestEngine(t, clock)
	setupConnectedLegacy(t, engine, stack, clock, remoteIID, remotePID)

	if err := engine.SendUnicast(remotePID, []byte("hello")); err != nil {
		t.Fatalf("SendUnicast() error = %v", err)
	}

	sendsBeforeMismatches := len(stack.pinfoSends)

	// First simultaneous reconnect: the peer announces a brand new session.
	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 500, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 77, MinorProtocolVersion: connsys.MinorProtocolVersionLegacy, SenderIID: remoteIID},
		remoteIID,
	)
	if n := listener.disconnectedCount(remotePID); n != 1 {
		t.Fatalf("NotConnected notifications after first mismatch = %d, want 1", n)
	}
	if got := len(stack.pinfoSends); got != sendsBeforeMismatches+1 {
		t.Fatalf("pinfo sends after first mismatch = %d, want %d", got, sendsBeforeMismatches+1)
	}
	announced := stack.lastPinfo().hdr

	// Nothing but that replacement participantInfo has been sent on the
	// newly announced session when the second mismatch arrives.
	if got := len(stack.appSends); got != 1 {
		t.Fatalf("app sends before second mismatch = %d, want 1 (only the pre-mismatch hello)", got)
	}

	// Second simultaneous reconnect: another brand new session from the
	// peer, arriving right behind the first.
	engine.HandleParticipantInfo(
		connsys.MsgHeader{ParticipantID: remotePID.Wire(), SessionID: 501, MessageID: 1},
		connsys.ParticipantInfo{ProtocolVersion: 77, MinorProtocolVersion: connsys.MinorProtocolVersionLegacy, SenderIID: remoteIID},
		remoteIID,
	)

	if n := listener.disconnectedCount(remotePID); n != 2 {
		t.Errorf("NotConnected notifications after second mismatch = %d, want 2", n)
	}
	if n := listener.connectedCount(remotePID); n != 3 {
		t.Errorf("Connected notifications total = %d, want 3 (initial + one per mismatch)", n)
	}
	if got := len(stack.pinfoSends); got != sendsBeforeMismatches+1 {
		t.Errorf("pinfo sends after second mismatch = %d, want %d (suppressed)", got, sendsBeforeMismatches+1)
	}

	p, ok := legacySnapshotFor(engine, remotePID)
	if !ok {
		t.Fatalf("Snapshot() missing entry for remote pid")
	}
	if p.SessionID != announced.SessionID {
		t.Errorf("Snapshot().SessionID = %d, want %d (the first mismatch's announced session, unchanged)", p.SessionID, announced.SessionID)
	}
	if !p.Connected {
		t.Errorf("Snapshot().Connected = false, want true after the second mismatch's re-connect")
	}
}

func TestLegacyServiceUnavailableRemovesIID(t *testing.T) {
	t.Parallel()

	remoteIID := connsys.IID(7)
	remotePID := wirePID(6)

	clock := clockwork.NewFakeClock()
	engine, stack, listener := newLegacyTestEngine(t, clock)
	setupConnectedLegacy(t, engine, stack, clock, remoteIID, remotePID)

	engine.HandleServiceUnavailable(remoteIID)

	if engine.KnowsIID(remoteIID) {
		t.Errorf("KnowsIID(%d) = true after serviceDown, want false", remoteIID)
	}
	if n := listener.disconnectedCount(remotePID); n != 1 {
		t.Errorf("NotConnected notifications after serviceDown = %d, want 1", n)
	}
}
