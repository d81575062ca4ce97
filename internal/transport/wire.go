package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/bmwcarit/ramses-connsys/internal/connsys"
)

// marshalParticipantInfo encodes info into buf, which must be at least
// participantInfoBodySize bytes. Layout mirrors connsys.MarshalHeader's
// little-endian, fixed-offset style.
func marshalParticipantInfo(info connsys.ParticipantInfo, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], info.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[4:8], info.MinorProtocolVersion)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(info.SenderIID))
	binary.LittleEndian.PutUint64(buf[16:24], info.ExpectedReceiverPID)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(info.ClockType))
	binary.LittleEndian.PutUint64(buf[28:36], info.TimestampNow)
}

func unmarshalParticipantInfo(buf []byte) (connsys.ParticipantInfo, error) {
	if len(buf) < participantInfoBodySize {
		return connsys.ParticipantInfo{}, fmt.Errorf("participantInfo body: %w", ErrShortDatagram)
	}

	return connsys.ParticipantInfo{
		ProtocolVersion:      binary.LittleEndian.Uint32(buf[0:4]),
		MinorProtocolVersion: binary.LittleEndian.Uint32(buf[4:8]),
		SenderIID:            connsys.IID(binary.LittleEndian.Uint64(buf[8:16])),
		ExpectedReceiverPID:  binary.LittleEndian.Uint64(buf[16:24]),
		ClockType:            connsys.ClockType(binary.LittleEndian.Uint32(buf[24:28])),
		TimestampNow:         binary.LittleEndian.Uint64(buf[28:36]),
	}, nil
}
