package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// StableID derives an item id from a content-identifying key. The same
// sourceType+key pair always yields the same id, independent of request.
func StableID(sourceType, key string) string {
	sum := sha256.Sum256([]byte(sourceType + "\x00" + strings.TrimSpace(key)))
	return sourceType + ":" + hex.EncodeToString(sum[:12])
}
