package trace

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeTraceHash hex-encodes the sha256 of a canonical trace encoding.
// Empty input hashes to "".
func ComputeTraceHash(canonical []byte) string {
	if len(canonical) == 0 {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
