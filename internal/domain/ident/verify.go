package ident

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrUnknownHashType is returned when a stored hash has an unrecognized format.
var ErrUnknownHashType = errors.New("unknown hash type")

// DetectHashType identifies the hash algorithm used for a stored key hash.
// Returns "argon2id" for PHC format, "sha256" for prefixed or bare hex,
// "unknown" for unrecognized formats.
func DetectHashType(storedHash string) string {
	if strings.HasPrefix(storedHash, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(storedHash, "sha256:") {
		return "sha256"
	}
	if len(storedHash) == 64 && isHexString(storedHash) {
		return "sha256"
	}
	return "unknown"
}

// VerifyKey verifies a raw API key against a stored hash.
// Minted keys are always SHA-256 hex; Argon2id PHC hashes are accepted for
// operator-provisioned keys. Returns (true, nil) on match, (false, nil) on
// mismatch, (false, ErrUnknownHashType) for unrecognized hash formats.
func VerifyKey(rawKey, storedHash string) (bool, error) {
	switch DetectHashType(storedHash) {
	case "argon2id":
		return safeArgon2idCompare(rawKey, storedHash)

	case "sha256":
		expected := strings.TrimPrefix(storedHash, "sha256:")
		computed := HashKey(rawKey)
		return subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) == 1, nil

	default:
		return false, ErrUnknownHashType
	}
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic recovery.
// The underlying argon2 library panics on malformed hashes with invalid
// parameters (e.g. t=0 rounds); convert those panics to errors so key
// verification never panics on attacker-supplied stored hashes.
func safeArgon2idCompare(rawKey, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(rawKey, storedHash)
}

// isHexString checks if a string contains only valid hexadecimal characters.
func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
