// Package auth implements the Auth & Session Core (C4): password hashing,
// API key issuance and verification, session lifecycle, and compile-time
// enumerated RBAC.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// argon2Params controls the memory-hard KDF. WorkFactor maps to the time
// parameter; memory and parallelism are fixed at recommended defaults.
type argon2Params struct {
	memoryKiB   uint32
	parallelism uint8
	keyLen      uint32
	saltLen     uint32
}

var defaultArgon2Params = argon2Params{
	memoryKiB:   64 * 1024,
	parallelism: 2,
	keyLen:      32,
	saltLen:     16,
}

// HashPassword derives an encoded argon2id hash from password, using
// workFactor as the time parameter. Callers must enforce workFactor >= 12
// (the config layer validates this at startup).
func HashPassword(password string, workFactor int) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, uint32(workFactor), p.memoryKiB, p.parallelism, p.keyLen)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memoryKiB, workFactor, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword reports whether password matches the encoded hash produced
// by HashPassword. It always performs the hash computation, even for a
// malformed encoded value, so that failure paths take comparable time.
func VerifyPassword(password, encoded string) bool {
	params, salt, hash, ok := parseEncodedHash(encoded)
	if !ok {
		// Still do a dummy computation so callers can't distinguish a
		// malformed stored hash from a wrong password by timing.
		_ = argon2.IDKey([]byte(password), make([]byte, defaultArgon2Params.saltLen), 12, defaultArgon2Params.memoryKiB, defaultArgon2Params.parallelism, defaultArgon2Params.keyLen)
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, params.time, params.memoryKiB, params.parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1
}

type parsedParams struct {
	memoryKiB   uint32
	time        uint32
	parallelism uint8
}

func parseEncodedHash(encoded string) (parsedParams, []byte, []byte, bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return parsedParams{}, nil, nil, false
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return parsedParams{}, nil, nil, false
	}

	var p parsedParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memoryKiB, &p.time, &p.parallelism); err != nil {
		return parsedParams{}, nil, nil, false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return parsedParams{}, nil, nil, false
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return parsedParams{}, nil, nil, false
	}
	return p, salt, hash, true
}
