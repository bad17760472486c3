package ring

import (
	"crypto/md5"
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashFunc maps bytes to a position on the ring. It must be deterministic;
// a poorly distributed function skews load but never breaks lookups.
type HashFunc func(data []byte) uint64

// XXHash is the default ring hash.
func XXHash(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// MD5Hash uses the first 8 bytes of the MD5 digest.
func MD5Hash(data []byte) uint64 {
	sum := md5.Sum(data)
	return binary.BigEndian.Uint64(sum[:8])
}

// vnodeKey is the hashed identity of the i-th virtual node of nodeID.
// Generations above zero are only used after a position collision.
func vnodeKey(nodeID string, index, generation int) []byte {
	b := make([]byte, 0, len(nodeID)+24)
	b = append(b, nodeID...)
	b = append(b, '#')
	b = strconv.AppendInt(b, int64(index), 10)
	if generation > 0 {
		b = append(b, '#')
		b = strconv.AppendInt(b, int64(generation), 10)
	}
	return b
}
