package storage

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultHashCost is the bcrypt cost used for device token hashes.
const DefaultHashCost = bcrypt.DefaultCost

// tokenBytes is the entropy of a device token (256 bits).
const tokenBytes = 32

// GenerateToken returns a fresh random hex-encoded device token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken hashes a plaintext token for storage.
// A cost of 0 uses DefaultHashCost.
func HashToken(token string, cost int) (string, error) {
	if cost == 0 {
		cost = DefaultHashCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenMatches reports whether token hashes to hash.
// bcrypt's comparison is constant-time.
func TokenMatches(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
