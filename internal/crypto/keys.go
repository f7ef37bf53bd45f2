// Package crypto derives session keys and signs the bearer tokens used by the
// HTTP API and the WebSocket hub.
package crypto

import (
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyIterations is the PBKDF2-HMAC-SHA256 work factor.
	keyIterations = 310_000
	// keyLen is the derived HMAC key length.
	keyLen = 32
	// minSecretLen matches the config validation rule.
	minSecretLen = 16
)

// DeriveKey stretches the configured session secret into a fixed-length
// signing key. The salt separates deployments that share a secret.
func DeriveKey(secret, salt string) ([]byte, error) {
	if len(secret) < minSecretLen {
		return nil, errors.New("crypto: session secret must be at least 16 characters")
	}
	if salt == "" {
		return nil, errors.New("crypto: session salt must not be empty")
	}
	return pbkdf2.Key([]byte(secret), []byte(salt), keyIterations, keyLen, sha256.New), nil
}
