package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Seeds
// --------------------------------------------------------------------------

// GenerateSeed returns a random seed used to decorrelate the shard layout of
// two tier instances that live in the same process.
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hashing and Sharding
// --------------------------------------------------------------------------

// HashString hashes s with FNV-1a, mixing in the given seed.
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// ShardIndex maps a hash to a position in a slice of n shards.
// The low bits of FNV are weak for short keys, so the hash is shifted first.
func ShardIndex(hash uint64, n int) int {
	if n <= 1 {
		return 0
	}
	return int((hash >> 7) % uint64(n))
}

// NextPowerOfTwo rounds n up to the next power of two (minimum 1).
func NextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
