package crypto

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
)

// KeySize is the length of every symmetric key in the system: data keys,
// content keys and derived wrapping keys.
const KeySize = chacha20poly1305.KeySize

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrBadKeyLength       = errors.New("crypto: bad key length")
)

// Seal encrypts plaintext with XChaCha20-Poly1305 under key and returns
// nonce||ciphertext with a freshly generated nonce.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadKeyLength
	}
	nonce, err := codec.NewIV()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a nonce||ciphertext buffer produced by Seal.
func Open(key, blob, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadKeyLength
	}
	if len(blob) < chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	ct := blob[chacha20poly1305.NonceSizeX:]
	return aead.Open(nil, nonce, ct, aad)
}

// SealDetached is Seal for callers whose storage schema keeps the IV in its
// own column. The nonce is returned separately instead of being prefixed.
func SealDetached(key, plaintext, aad []byte) (iv, ct []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, ErrBadKeyLength
	}
	iv, err = codec.NewIV()
	if err != nil {
		return nil, nil, err
	}
	ct = aead.Seal(nil, iv, plaintext, aad)
	return iv, ct, nil
}

// OpenDetached decrypts a ciphertext whose IV was stored separately.
func OpenDetached(key, iv, ct, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrBadKeyLength
	}
	if len(iv) != chacha20poly1305.NonceSizeX {
		return nil, ErrCiphertextTooShort
	}
	return aead.Open(nil, iv, ct, aad)
}
