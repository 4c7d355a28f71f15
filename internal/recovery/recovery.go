// Package recovery escrows the data key under a one-time recovery code
// so a forgotten password does not strand it. Only the code-derived
// wrapping key is ever used; the code itself is never persisted.
package recovery

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

var (
	// ErrNotConfigured: the account has no recovery escrow. Distinct
	// from a wrong code.
	ErrNotConfigured = errors.New("recovery: no recovery code configured")

	// ErrWrongCode: the escrow exists but this code cannot open it.
	ErrWrongCode = errors.New("recovery: incorrect recovery code")

	// ErrLegacyAccount: recovery is a wrapped-generation operation.
	ErrLegacyAccount = errors.New("recovery: account not yet migrated")
)

// Crockford-style alphabet: no I, L, O, U, so transcription mistakes
// stay unambiguous.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	codeLen  = 25
	groupLen = 5
)

const aadRecovery = "recovery-key-wrap"

// GenerateCode returns a fresh high-entropy recovery code formatted in
// groups for transcription, e.g. "9M4KP-TX2VH-....". 25 characters over
// a 32-symbol alphabet: 125 bits.
func GenerateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	var b strings.Builder
	for i := 0; i < codeLen; i++ {
		if i > 0 && i%groupLen == 0 {
			b.WriteByte('-')
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Normalize strips grouping and whitespace so transcribed codes compare
// equal to generated ones.
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

// Wrap escrows a data key under a key derived from code with a fresh
// independent salt.
func Wrap(dataKey *crypto.KeyHandle, code string) (wrapped, salt []byte, err error) {
	salt, err = codec.NewSalt()
	if err != nil {
		return nil, nil, err
	}
	wrapKey := crypto.DeriveWrappingKey([]byte(Normalize(code)), salt)
	defer crypto.Zero(wrapKey)

	raw, err := dataKey.ExportForWrap()
	if err != nil {
		return nil, nil, err
	}
	wrapped, err = crypto.Seal(wrapKey, raw, []byte(aadRecovery))
	if err != nil {
		return nil, nil, err
	}
	return wrapped, salt, nil
}

// Unwrap recovers the data key from its escrow. A wrong code fails with
// ErrWrongCode; a missing escrow with ErrNotConfigured.
func Unwrap(wrapped, salt []byte, code string) (*crypto.KeyHandle, error) {
	if len(wrapped) == 0 {
		return nil, ErrNotConfigured
	}
	wrapKey := crypto.DeriveWrappingKey([]byte(Normalize(code)), salt)
	defer crypto.Zero(wrapKey)

	raw, err := crypto.Open(wrapKey, wrapped, []byte(aadRecovery))
	if err != nil {
		return nil, ErrWrongCode
	}
	defer crypto.Zero(raw)
	return crypto.NewKeyHandle(raw)
}

// Subsystem binds the escrow operations to the key store.
type Subsystem struct {
	keys store.KeyStore
	log  zerolog.Logger
}

func NewSubsystem(keys store.KeyStore, log zerolog.Logger) *Subsystem {
	return &Subsystem{keys: keys, log: log}
}

// Issue generates a recovery code for the account and stores the
// escrow. Regeneration overwrites the previous escrow: the old code is
// dead the moment this returns. The code is returned to the caller for
// one-time display and exists nowhere else.
func (s *Subsystem) Issue(ctx context.Context, userID string, dataKey *crypto.KeyHandle) (string, error) {
	rec, err := s.keys.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if rec.Version != store.VersionWrapped {
		return "", ErrLegacyAccount
	}

	code, err := GenerateCode()
	if err != nil {
		return "", err
	}
	wrapped, salt, err := Wrap(dataKey, code)
	if err != nil {
		return "", err
	}
	if err := s.keys.SetRecovery(ctx, userID, wrapped, salt); err != nil {
		return "", err
	}
	s.log.Info().Str("user", userID).Msg("recovery code rotated")
	return code, nil
}

// UnwrapFor recovers the account's data key with a recovery code.
func (s *Subsystem) UnwrapFor(ctx context.Context, userID, code string) (*crypto.KeyHandle, error) {
	rec, err := s.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rec.Version != store.VersionWrapped {
		return nil, ErrLegacyAccount
	}
	return Unwrap(rec.RecoveryWrappedKey, rec.RecoveryKeySalt, code)
}
