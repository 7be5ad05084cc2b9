package flags

import (
	"crypto/sha256"
	"encoding/binary"
)

// Bucket maps a (feature, user) pair onto [0,100). SHA-256 keeps the mapping
// stable across process restarts and uniform over any reasonable user-ID
// distribution, so raising the rollout percentage only ever adds users to
// exposure.
func Bucket(featureName, userID string) int {
	sum := sha256.Sum256([]byte(featureName + ":" + userID))
	return int(binary.BigEndian.Uint64(sum[:8]) % 100)
}
