// Package crypto provides session token generation and password hashing.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var ErrPasswordMismatch = errors.New("crypto: password mismatch")

const (
	SaltSize    = 16
	PasswordKey = 32
)

// GenerateToken generates a random session token string (32 bytes, hex-encoded).
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("crypto: generate token: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

// HashToken hashes a raw token string with SHA-256.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", h[:])
}

// GenerateSalt returns a random salt for HashPassword.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	return salt, nil
}

// HashPassword hashes a password using Argon2id.
func HashPassword(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 1, 64*1024, 4, PasswordKey)
}

// VerifyPassword compares password against a stored Argon2id hash in constant time.
func VerifyPassword(password string, salt, hash []byte) error {
	if len(hash) == 0 {
		return ErrPasswordMismatch
	}
	if subtle.ConstantTimeCompare(HashPassword(password, salt), hash) != 1 {
		return ErrPasswordMismatch
	}
	return nil
}
