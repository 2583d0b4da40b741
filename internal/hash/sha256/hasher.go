// Package sha256 digests page bodies for archive object names.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Hasher digests JSON bodies after compacting them, so bodies that differ only in
// whitespace share a digest. Non-JSON input is hashed as-is.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	var buf bytes.Buffer
	if json.Valid(data) {
		if err := json.Compact(&buf, data); err == nil {
			data = buf.Bytes()
		}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
