package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// apiKeyPrefix identifies keys issued by this system in logs and UIs
// without exposing the secret portion.
const apiKeyPrefix = "gaud_"

// apiKeySecretBytes is the amount of entropy in the generated secret,
// before base64 encoding.
const apiKeySecretBytes = 32

// GenerateAPIKey returns a new plaintext key (shown to the caller exactly
// once) together with its prefix and SHA-256 hash for storage.
func GenerateAPIKey() (plaintext, prefix, hash string, err error) {
	secret := make([]byte, apiKeySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", "", err
	}

	encoded := base64.RawURLEncoding.EncodeToString(secret)
	plaintext = apiKeyPrefix + encoded
	prefix = displayPrefix(plaintext)
	hash = HashAPIKey(plaintext)
	return plaintext, prefix, hash, nil
}

// HashAPIKey returns the stable SHA-256 hex digest of a plaintext key, for
// constant-lookup storage and comparison. API keys are high-entropy random
// values, so a fast hash (unlike passwords) is appropriate here.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// displayPrefix returns the portion of a key safe to display and log,
// e.g. "gaud_AbCdEfGh" from "gaud_AbCdEfGhIjKl...".
func displayPrefix(plaintext string) string {
	const visibleChars = 8
	rest := strings.TrimPrefix(plaintext, apiKeyPrefix)
	if len(rest) <= visibleChars {
		return plaintext
	}
	return apiKeyPrefix + rest[:visibleChars]
}

// LooksLikeAPIKey reports whether a bearer credential has this system's
// API key shape, to distinguish it from an opaque session token.
func LooksLikeAPIKey(credential string) bool {
	return strings.HasPrefix(credential, apiKeyPrefix)
}
