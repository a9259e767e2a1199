package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint derives a deterministic key from an ordered list of parts.
// Each part is length prefixed so ("ab","c") and ("a","bc") differ. The key is
// a SHA-256 digest; Sharded hashes it again with xxhash to pick a partition.
func Fingerprint(parts ...string) string {
	d := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		_, _ = d.Write(n[:])
		_, _ = d.Write([]byte(p))
	}
	return hex.EncodeToString(d.Sum(nil))
}
