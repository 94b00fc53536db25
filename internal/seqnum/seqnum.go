// Package seqnum implements the 16-bit routing sequence numbers carried by
// every UDP fragment.
//
// Sequence numbers wrap around at 65536, so they are ordered circularly rather
// than as plain integers: a number is considered greater than another when it
// lies less than half the number space ahead of it. Ordering is only
// meaningful for numbers that were emitted within 32767 of each other, but
// Compare stays total and deterministic for any pair.
package seqnum

import (
	"math/rand/v2"
	"strconv"
)

// half is the distance to the opposite point of the circular number space.
const half = 1 << 15

// Number identifies one logical routing message.
type Number uint16

// Random returns a randomly chosen starting number, so that a restarted
// sender does not replay a predictable sequence.
func Random() Number {
	return Number(rand.Uint32())
}

// Compare returns -1 if n orders before m, 0 if they are equal and +1 if n
// orders after m.
func (n Number) Compare(m Number) int {
	if n == m {
		return 0
	}

	opposite := n + half
	overflowed := opposite < n

	if overflowed {
		if n > m && m > opposite {
			return 1
		}
		return -1
	}

	if n < m && m <= opposite {
		return -1
	}
	return 1
}

// Less reports whether n orders strictly before m.
func (n Number) Less(m Number) bool {
	return n.Compare(m) < 0
}

// Add returns n advanced by d with wraparound.
func (n Number) Add(d uint16) Number {
	return n + Number(d)
}

// Sub returns the wrapping distance from m forward to n.
func (n Number) Sub(m Number) uint16 {
	return uint16(n - m)
}

// Increment advances n by one with wraparound.
func (n *Number) Increment() {
	*n++
}

// String returns the decimal value.
func (n Number) String() string {
	return strconv.FormatUint(uint64(n), 10)
}
