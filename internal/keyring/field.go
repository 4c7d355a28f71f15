package keyring

import (
	"strings"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
)

// DecryptFailed is what decryptField returns when a stored token cannot
// be decrypted (wrong key, corrupted payload). It is a visible sentinel,
// never an error: the UI renders a readable-but-broken state instead of
// crashing.
const DecryptFailed = "[Unable to decrypt]"

// tokenPrefix tags encrypted field values so legacy plaintext already in
// storage stays distinguishable.
const tokenPrefix = "slv2:"

const aadField = "field"

// IsEncrypted reports whether a stored value carries the ciphertext tag.
func IsEncrypted(v string) bool {
	return strings.HasPrefix(v, tokenPrefix)
}

// EncryptFieldWithKey turns a plaintext field into a tagged token under
// the given key. Empty input is returned unchanged so absent fields stay
// absent.
func EncryptFieldWithKey(h *crypto.KeyHandle, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	blob, err := h.Seal([]byte(plaintext), []byte(aadField))
	if err != nil {
		return "", err
	}
	return tokenPrefix + codec.Encode(blob), nil
}

// DecryptFieldWithKey is the inverse. Untagged values pass through
// unchanged (legacy plaintext, not an error); failures degrade to the
// DecryptFailed sentinel.
func DecryptFieldWithKey(h *crypto.KeyHandle, token string) string {
	if token == "" {
		return ""
	}
	if !IsEncrypted(token) {
		return token
	}
	blob, err := codec.Decode(strings.TrimPrefix(token, tokenPrefix))
	if err != nil {
		return DecryptFailed
	}
	pt, err := h.Open(blob, []byte(aadField))
	if err != nil {
		return DecryptFailed
	}
	return string(pt)
}
