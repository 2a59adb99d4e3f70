// Package auth holds API-key generation and hashing.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks flowplane API keys so leaked keys are recognizable in
// scanners and logs.
const KeyPrefix = "fp_"

// GenerateKey returns a new random API key (32 bytes of entropy, hex
// encoded, prefixed). The raw key is shown to the tenant exactly once;
// only HashKey(key) is ever stored.
func GenerateKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read entropy: %w", err)
	}
	return KeyPrefix + hex.EncodeToString(raw), nil
}

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
