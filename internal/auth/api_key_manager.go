package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// APIKeyManager handles admin API key generation, hashing, and validation
type APIKeyManager struct {
	prefix string // Usually "bsn_"
}

// NewAPIKeyManager creates a new APIKeyManager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{
		prefix: "bsn_",
	}
}

// GenerateAPIKey generates a new admin key in the format: bsn_<64 hex chars>
// Returns plaintext key (shown once to the operator) and SHA256 hash (stored in config)
func (m *APIKeyManager) GenerateAPIKey() (plainKey, hash string, err error) {
	// 32 random bytes = 256 bits of entropy = 64 hex chars
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	plainKey = m.prefix + hex.EncodeToString(randomBytes)

	hashBytes := sha256.Sum256([]byte(plainKey))
	hash = hex.EncodeToString(hashBytes[:])

	return plainKey, hash, nil
}

// HashAPIKey validates the key format and returns its SHA256 hex digest
func (m *APIKeyManager) HashAPIKey(plainKey string) (string, error) {
	if !strings.HasPrefix(plainKey, m.prefix) || len(plainKey) != len(m.prefix)+64 {
		return "", errors.New("invalid API key format")
	}
	hashBytes := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(hashBytes[:]), nil
}

// KeyPrefix returns the first 12 characters of the key (for audit display)
func (m *APIKeyManager) KeyPrefix(plainKey string) (string, error) {
	if len(plainKey) < 12 {
		return "", errors.New("API key too short")
	}
	return plainKey[:12], nil
}

// ConstantTimeHashCompare compares two SHA256 hex digests in constant time
func ConstantTimeHashCompare(hash1, hash2 string) bool {
	return subtle.ConstantTimeCompare([]byte(hash1), []byte(hash2)) == 1
}
