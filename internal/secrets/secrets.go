package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// SecretPrefix marks webhook signing secrets
	SecretPrefix = "whsec_"
	// APIKeyPrefix marks tenant API keys
	APIKeyPrefix = "hk_"
	// secretBytes gives 256 bits of entropy
	secretBytes = 32
	// APIKeyDisplayLen is the length of the stored display prefix ("hk_" + 8 chars)
	APIKeyDisplayLen = 11
)

// Generate returns a new webhook signing secret
func Generate() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return SecretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateAPIKey generates a tenant API key.
// Returns: rawKey, keyHash, keyPrefix, error
func GenerateAPIKey() (string, string, string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	rawKey := APIKeyPrefix + hex.EncodeToString(b)
	return rawKey, Hash(rawKey), rawKey[:APIKeyDisplayLen], nil
}

// ValidAPIKeyFormat checks the shape of a raw API key without any lookup
func ValidAPIKeyFormat(rawKey string) bool {
	if len(rawKey) != len(APIKeyPrefix)+2*secretBytes || rawKey[:len(APIKeyPrefix)] != APIKeyPrefix {
		return false
	}
	_, err := hex.DecodeString(rawKey[len(APIKeyPrefix):])
	return err == nil
}

// Hash creates a SHA-256 hash of an API key
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Mask returns the display form of a secret: "****" followed by its last 4 characters
func Mask(secret string) string {
	const visible = 4
	if len(secret) <= visible {
		return "****"
	}
	return "****" + secret[len(secret)-visible:]
}
