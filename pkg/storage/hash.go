package storage

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// contentHash packs two independent 64-bit xxhash sums (of s, and of s
// reversed) into a 16-byte digest. xxhash is already in the dependency
// graph via the prometheus client; using it directly avoids pulling in
// a second hash package for what is a non-cryptographic identity key.
func contentHash(s string) [16]byte {
	var out [16]byte
	h1 := xxhash.Sum64String(s)
	h2 := xxhash.Sum64String(reverseString(s))
	binary.BigEndian.PutUint64(out[0:8], h1)
	binary.BigEndian.PutUint64(out[8:16], h2)
	return out
}

func reverseString(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}
