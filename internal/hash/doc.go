// Package hash provides the hashing primitives used across the engine.
//
// # CRC32-Castagnoli (CRC32C)
//
// Persisted snapshots carry a CRC32C trailer. CRC32C is hardware accelerated
// on x86 (SSE4.2) and ARM (CRC extension):
//
//	checksum := hash.CRC32C(data)
//
// # xxhash
//
// Partition assignment and compaction priorities use xxhash64 over
// little-endian encoded keys:
//
//	h := hash.Uint64(id)
//	p := hash.Pair(key, uint64(round))
package hash
