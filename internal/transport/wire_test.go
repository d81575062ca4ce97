package transport

import (
	"errors"
	"testing"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

func TestMarshalUnmarshalParticipantInfoRoundTrip(t *testing.T) {
	t.Parallel()

	info := connsys.ParticipantInfo{
		ProtocolVersion:      1,
		MinorProtocolVersion: 2,
		SenderIID:            connsys.IID(0xAABBCCDD),
		ExpectedReceiverPID:  0x1122334455667788,
		ClockType:            connsys.ClockType(3),
		TimestampNow:         1234567890,
	}

	buf := make([]byte, participantInfoBodySize)
	marshalParticipantInfo(info, buf)

	got, err := unmarshalParticipantInfo(buf)
	if err != nil {
		t.Fatalf("unmarshalParticipantInfo() error: %v", err)
	}
	if got != info {
		t.Errorf("unmarshalParticipantInfo() = %+v, want %+v", got, info)
	}
}

func TestUnmarshalParticipantInfoShortBuffer(t *testing.T) {
	t.Parallel()

	buf := make([]byte, participantInfoBodySize-1)
	_, err := unmarshalParticipantInfo(buf)
	if !errors.Is(err, ErrShortDatagram) {
		t.Errorf("unmarshalParticipantInfo() error = %v, want wrapping ErrShortDatagram", err)
	}
}
