package conversation

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CanonicalID derives the deterministic conversation ID used on the event bus
// from a platform's native conversation identifier. IDs that already carry the
// adapter prefix pass through unchanged, so canonical IDs round-trip.
//
// The suffix is the base64 of the first 15 bytes of SHA-256(platform_id) with
// padding stripped and "+"/"/" folded to letters, leaving a 20-character
// alphanumeric tail.
func CanonicalID(adapterType, platformID string) string {
	prefix := adapterType + "_"
	if strings.HasPrefix(platformID, prefix) {
		return platformID
	}
	sum := sha256.Sum256([]byte(platformID))
	id := base64.StdEncoding.EncodeToString(sum[:15])
	id = strings.TrimRight(id, "=")
	id = strings.ReplaceAll(id, "+", "A")
	id = strings.ReplaceAll(id, "/", "B")
	return prefix + id
}
