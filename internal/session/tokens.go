package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// tokenByteLen is spec.md §4.3's "cryptographically random 32-byte
// token" for both access and refresh tokens.
const tokenByteLen = 32

// generateToken returns a hex-encoded random token and its sha256 hash.
// Hashing an opaque random token for deny-list/lookup comparison is
// plain stdlib crypto, not a concern any example repo's third-party
// dependency owns (see DESIGN.md).
func generateToken() (plaintext, hash string, err error) {
	buf := make([]byte, tokenByteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("session: generate token: %w", err)
	}
	plaintext = hex.EncodeToString(buf)
	return plaintext, hashToken(plaintext), nil
}

// hashToken is the one-way hash persisted instead of the plaintext token.
func hashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
