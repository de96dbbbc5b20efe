package hash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Uint64 hashes a 64-bit value with xxhash.
func Uint64(v uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return xxhash.Sum64(b[:])
}

// Pair hashes two 64-bit values with xxhash. It is used for round-dependent
// priorities, where seed changes every round.
func Pair(v, seed uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], v)
	binary.LittleEndian.PutUint64(b[8:], seed)
	return xxhash.Sum64(b[:])
}
