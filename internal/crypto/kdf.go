package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// WrapIterations is the PBKDF2-SHA256 round count for password- and
// recovery-code-derived wrapping keys. Raising it is safe for new wraps;
// existing wraps always re-derive with the salt and count they were
// written under.
const WrapIterations = 310_000

// DeriveWrappingKey stretches a locally supplied secret (password or
// recovery code) into a KeySize wrapping key. Deterministic for identical
// secret and salt. The secret must never have crossed the network.
func DeriveWrappingKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, WrapIterations, KeySize, sha256.New)
}
