// Package sha256 provides SHA-256 hashing for credential secrets.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements download.Hasher using SHA-256. Credential lookups
// go hash-first against the store, so only digests cross package
// boundaries.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
