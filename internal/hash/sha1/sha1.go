// Package sha1 provides the SHA-1 digest used to key error snapshots.
package sha1

import (
	"crypto/sha1" //nolint:gosec // naming digest, not a security boundary
	"encoding/hex"
)

// Hasher computes hex SHA-1 digests.
type Hasher struct{}

// New returns a SHA-1 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha1.Sum(data) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// HashPrefix returns at most n leading characters of the hex digest of data.
func (h *Hasher) HashPrefix(data []byte, n int) string {
	digest := h.Hash(data)
	if n < 0 || n >= len(digest) {
		return digest
	}
	return digest[:n]
}
