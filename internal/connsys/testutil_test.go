package connsys_test

import (
	"encoding/binary"
	"io"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// wirePID builds the PID an engine derives internally from a raw 64-bit
// wire value (the package-private pidFromWire): bytes 0-7 zero, bytes 8-15
// the little-endian encoding of v. A PID minted via connsys.NewPID() is a
// full random UUID and will not equal pidFromWire(thatPID.Wire()), since a
// real random UUID essentially never has its top 8 bytes zero; tests that
// need a PID round-tripping through a wire header must build it this way
// instead.
func wirePID(v uint64) connsys.PID {
	var p connsys.PID
	binary.LittleEndian.PutUint64(p[8:16], v)
	return p
}

// recordingStack is a connsys.Stack that records every send for assertions
// and always succeeds unless armed to fail the next participantInfo send.
type recordingStack struct {
	iid connsys.IID

	pinfoSends     []pinfoSend
	keepAliveSends []keepAliveSend
	appSends       []appSend

	failNextSendParticipantInfo bool
}

type pinfoSend struct {
	to  connsys.IID
	hdr connsys.MsgHeader
}

type keepAliveSend struct {
	to                     connsys.IID
	hdr                    connsys.MsgHeader
	usingPreviousMessageID bool
}

type appSend struct {
	to      connsys.IID
	hdr     connsys.MsgHeader
	payload []byte
}

func (s *recordingStack) Connect() bool             { return true }
func (s *recordingStack) Disconnect() bool          { return true }
func (s *recordingStack) ServiceInstanceID() connsys.IID { return s.iid }

func (s *recordingStack) SendParticipantInfo(to connsys.IID, hdr connsys.MsgHeader, _ connsys.ParticipantInfo) bool {
	s.pinfoSends = append(s.pinfoSends, pinfoSend{to: to, hdr: hdr})
	if s.failNextSendParticipantInfo {
		s.failNextSendParticipantInfo = false
		return false
	}
	return true
}

func (s *recordingStack) SendKeepAlive(to connsys.IID, hdr connsys.MsgHeader, usingPreviousMessageID bool) bool {
	s.keepAliveSends = append(s.keepAliveSends, keepAliveSend{to: to, hdr: hdr, usingPreviousMessageID: usingPreviousMessageID})
	return true
}

func (s *recordingStack) SendAppMessage(to connsys.IID, hdr connsys.MsgHeader, payload []byte) bool {
	s.appSends = append(s.appSends, appSend{to: to, hdr: hdr, payload: payload})
	return true
}

func (s *recordingStack) LogConnectionState(io.Writer) {}

func (s *recordingStack) lastPinfo() pinfoSend {
	return s.pinfoSends[len(s.pinfoSends)-1]
}

// connEvent is one Connected/NotConnected notification captured by a
// recordingListener, in emission order.
type connEvent struct {
	pid connsys.PID
	up  bool
}

// recordingListener implements connsys.Listener, capturing every
// notification in order for assertions against spec §8's scenarios.
type recordingListener struct {
	events []connEvent
}

func (l *recordingListener) NewParticipantHasConnected(pid connsys.PID) {
	l.events = append(l.events, connEvent{pid: pid, up: true})
}

func (l *recordingListener) ParticipantHasDisconnected(pid connsys.PID) {
	l.events = append(l.events, connEvent{pid: pid, up: false})
}

func (l *recordingListener) connectedCount(pid connsys.PID) int {
	n := 0
	for _, e := range l.events {
		if e.pid == pid && e.up {
			n++
		}
	}
	return n
}

func (l *recordingListener) disconnectedCount(pid connsys.PID) int {
	n := 0
	for _, e := range l.events {
		if e.pid == pid && !e.up {
			n++
		}
	}
	return n
}
