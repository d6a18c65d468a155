// Package sha256 fingerprints page content for duplicate detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256. When CollapseWhitespace is
// set, runs of whitespace are folded before hashing so pages that differ
// only in formatting share a digest.
type Hasher struct {
	CollapseWhitespace bool
}

// New returns a SHA-256 hasher that folds whitespace.
func New() *Hasher {
	return &Hasher{CollapseWhitespace: true}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if h != nil && h.CollapseWhitespace {
		data = []byte(strings.Join(strings.Fields(string(data)), " "))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
