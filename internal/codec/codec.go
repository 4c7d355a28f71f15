// Package codec provides the binary-to-text encoding and random IV/salt
// generation shared by every key-management component.
package codec

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const (
	// IVSize is the XChaCha20-Poly1305 nonce length in bytes.
	IVSize = 24
	// SaltSize is the length of KDF salts in bytes.
	SaltSize = 32
)

var ErrMalformedToken = errors.New("codec: malformed token")

// Encode renders a byte buffer as a storage-safe text token.
func Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Decode is the inverse of Encode.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedToken
	}
	return b, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewIV returns a fresh random nonce. Every seal operation gets its own.
func NewIV() ([]byte, error) {
	return RandomBytes(IVSize)
}

// NewSalt returns a fresh random KDF salt. Every wrap operation gets its own.
func NewSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}
