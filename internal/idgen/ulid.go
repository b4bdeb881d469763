// Package idgen generates sortable, unique identifiers for durable events.
//
// No ULID/KSUID library appears anywhere in the retrieved example corpus
// (checked every go.mod in the pack); this follows the common pattern
// of hand-writing small crypto/rand-backed identifiers directly
// (see pkg/manager/token.go's join-token generation) rather than reaching
// for a dependency that nothing else in the codebase would exercise.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	mu       sync.Mutex
	lastMs   int64
	lastRand [10]byte
)

// NewEventID returns a 26-character, time-sortable identifier: a 48-bit
// millisecond timestamp followed by 80 bits of randomness, both Crockford
// base32 encoded (the ULID layout). Within the same millisecond on the
// same process, the random component is incremented rather than
// re-rolled, preserving lexical ordering for events generated back to
// back.
func NewEventID() string {
	mu.Lock()
	defer mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms == lastMs {
		incrementRandom()
	} else {
		lastMs = ms
		if _, err := rand.Read(lastRand[:]); err != nil {
			panic(fmt.Sprintf("idgen: failed to read random bytes: %v", err))
		}
	}

	var buf [26]byte
	encodeTime(ms, buf[:10])
	copy(buf[10:], encodeRandom(lastRand))
	return string(buf[:])
}

func incrementRandom() {
	for i := len(lastRand) - 1; i >= 0; i-- {
		lastRand[i]++
		if lastRand[i] != 0 {
			break
		}
	}
}

func encodeTime(ms int64, out []byte) {
	for i := 9; i >= 0; i-- {
		out[i] = crockford[ms&0x1F]
		ms >>= 5
	}
}

func encodeRandom(b [10]byte) []byte {
	// 80 bits -> 16 base32 characters (5 bits each).
	out := make([]byte, 16)
	acc := uint64(0)
	bits := 0
	pos := 0
	for _, by := range b {
		acc = acc<<8 | uint64(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = crockford[(acc>>uint(bits))&0x1F]
			pos++
		}
	}
	if bits > 0 {
		out[pos] = crockford[(acc<<uint(5-bits))&0x1F]
		pos++
	}
	return out[:pos]
}

// NewID returns a short opaque random identifier suitable for non-event
// entities (services, attempts, builds) where sortability is not needed.
func NewID(prefix string) string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("idgen: failed to read random bytes: %v", err))
	}
	enc := encodeRandom([10]byte{b[0], b[1], b[2], b[3], b[4], b[5], b[6], b[7], b[8], b[9]})
	tail := strings.ToLower(string(enc))
	if prefix == "" {
		return tail
	}
	return prefix + "-" + tail
}
