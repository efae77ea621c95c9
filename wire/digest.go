package wire

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of an encoded game state. Client and server
// compute it over the exact bytes produced by the game's state encoder, so a
// mismatch after a delta replay means the replica has diverged.
func Digest(encoded []byte) string {
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
