package connsys

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// maxSessionIDAttempts bounds the number of rejection-sampling retries when
// drawing a session id that must avoid the reserved zero value (and, for the
// initiator-responder engine, the all-ones sentinel). With a 64-bit random
// space this loop virtually never iterates more than once.
const maxSessionIDAttempts = 16

// NewSessionID draws a random, non-zero SessionID using crypto/rand, the
// same source the original initiator/responder engine draws from
// (std::uniform_int_distribution<uint64_t> over a crypto RNG substitute).
//
// excludeMax additionally rejects the all-ones value, matching the
// initiator-responder engine's draw range of [1, UINT64_MAX-1]; the legacy
// engine draws from [1, UINT64_MAX] and passes excludeMax=false.
func NewSessionID(excludeMax bool) (SessionID, error) {
	var buf [8]byte

	for range maxSessionIDAttempts {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("connsys: generate session id: %w", err)
		}

		v := binary.LittleEndian.Uint64(buf[:])
		if v == 0 {
			continue
		}
		if excludeMax && v == math.MaxUint64 {
			continue
		}

		return SessionID(v), nil
	}

	return 0, fmt.Errorf("connsys: draw session id after %d attempts", maxSessionIDAttempts)
}
