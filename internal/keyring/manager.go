// Package keyring is the symmetric key manager: it derives or unwraps a
// user's per-account data key from a password, caches the handle for the
// session, and encrypts/decrypts opaque string fields with it. The
// backing store only ever sees wrapped key material.
package keyring

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

var (
	// ErrWrongPassword is an authentication failure, distinguishable
	// from corrupted data so the caller can say "incorrect password".
	ErrWrongPassword = errors.New("keyring: incorrect password")

	// ErrReauthRequired means the session cache is cold for a wrapped
	// account. There is no way to re-derive the wrapping key without
	// the password; the caller must force a fresh sign-in.
	ErrReauthRequired = errors.New("keyring: reauthentication required")

	// ErrUnknownGeneration guards the closed set of key generations.
	ErrUnknownGeneration = errors.New("keyring: unknown encryption generation")

	// ErrNoRSAIdentity is the state error for asymmetric operations on
	// an account that has not been issued an identity yet.
	ErrNoRSAIdentity = errors.New("keyring: account has no asymmetric identity")
)

// AAD labels separating the two things a password-derived key wraps.
const (
	aadDataKey = "data-key-wrap"
	aadPrivKey = "rsa-private-key-wrap"
)

// WrappedAccount is the storable result of wrapping an account's keys
// under a password. The wrapping key itself is derived, used, zeroized;
// it is never part of the result.
type WrappedAccount struct {
	WrappedKey []byte
	Salt       []byte

	RSAPublicKey         []byte
	WrappedRSAPrivateKey []byte
	RSAPrivateKeyIV      []byte
}

// WrapAccount wraps a data key (and, if present, an RSA private key)
// under a key derived from password with a fresh salt. The private key
// reuses the same wrapping key and salt as the data key.
func WrapAccount(password []byte, dataKey *crypto.KeyHandle, priv *rsa.PrivateKey) (*WrappedAccount, error) {
	salt, err := codec.NewSalt()
	if err != nil {
		return nil, err
	}
	wrapKey := crypto.DeriveWrappingKey(password, salt)
	defer crypto.Zero(wrapKey)

	raw, err := dataKey.ExportForWrap()
	if err != nil {
		return nil, err
	}
	wrapped, err := crypto.Seal(wrapKey, raw, []byte(aadDataKey))
	if err != nil {
		return nil, err
	}

	out := &WrappedAccount{WrappedKey: wrapped, Salt: salt}
	if priv != nil {
		pub, err := crypto.MarshalPublicKey(&priv.PublicKey)
		if err != nil {
			return nil, err
		}
		der := crypto.MarshalPrivateKey(priv)
		defer crypto.Zero(der)
		iv, ct, err := crypto.SealDetached(wrapKey, der, []byte(aadPrivKey))
		if err != nil {
			return nil, err
		}
		out.RSAPublicKey = pub
		out.WrappedRSAPrivateKey = ct
		out.RSAPrivateKeyIV = iv
	}
	return out, nil
}

// UnwrapDataKey opens a password-wrapped data key blob. A failed open
// is ErrWrongPassword.
func UnwrapDataKey(password, wrapped, salt []byte) (*crypto.KeyHandle, error) {
	wrapKey := crypto.DeriveWrappingKey(password, salt)
	defer crypto.Zero(wrapKey)

	raw, err := crypto.Open(wrapKey, wrapped, []byte(aadDataKey))
	if err != nil {
		return nil, ErrWrongPassword
	}
	h, err := crypto.NewKeyHandle(raw)
	crypto.Zero(raw)
	return h, err
}

// Manager implements the key operations over a KeyStore. It is
// stateless; per-session state lives in the Session passed to each call.
type Manager struct {
	keys store.KeyStore
	log  zerolog.Logger
}

func NewManager(keys store.KeyStore, log zerolog.Logger) *Manager {
	return &Manager{keys: keys, log: log}
}

// Enroll provisions a brand-new wrapped-generation account: fresh data
// key, fresh RSA identity, both wrapped under the password. The handles
// are cached in the session so the caller can encrypt immediately.
func (m *Manager) Enroll(ctx context.Context, sess *Session, userID, email string, password []byte) error {
	dataKey, err := crypto.RandomKeyHandle()
	if err != nil {
		return err
	}
	priv, err := crypto.GenerateIdentity()
	if err != nil {
		dataKey.Destroy()
		return err
	}
	wa, err := WrapAccount(password, dataKey, priv)
	if err != nil {
		dataKey.Destroy()
		return err
	}

	rec := &store.UserKeyRecord{
		UserID:               userID,
		Email:                email,
		Version:              store.VersionWrapped,
		WrappedKey:           wa.WrappedKey,
		Salt:                 wa.Salt,
		RSAPublicKey:         wa.RSAPublicKey,
		WrappedRSAPrivateKey: wa.WrappedRSAPrivateKey,
		RSAPrivateKeyIV:      wa.RSAPrivateKeyIV,
		HasRSAKeys:           true,
	}
	if err := m.keys.Put(ctx, rec); err != nil {
		dataKey.Destroy()
		return fmt.Errorf("keyring: store enrollment: %w", err)
	}

	sess.putDataKey(userID, dataKey)
	sess.putPrivateKey(userID, priv)
	m.log.Info().Str("user", userID).Msg("account keys enrolled")
	return nil
}

// SignIn unwraps the account's keys with the just-supplied password and
// populates the session cache. Wrong password fails with
// ErrWrongPassword, not a generic error. The wrapping key is derived,
// used and discarded; only unwrapped handles are cached.
func (m *Manager) SignIn(ctx context.Context, sess *Session, userID string, password []byte) error {
	rec, err := m.keys.Get(ctx, userID)
	if err != nil {
		return err
	}

	switch rec.Version {
	case store.VersionLegacy:
		if len(rec.EncryptedKey) == 0 {
			return fmt.Errorf("keyring: legacy account %s has no key", userID)
		}
		h, err := crypto.NewKeyHandle(rec.EncryptedKey)
		if err != nil {
			return err
		}
		sess.putDataKey(userID, h)
		return nil

	case store.VersionWrapped:
		// One derivation serves both the data key and the private key.
		wrapKey := crypto.DeriveWrappingKey(password, rec.Salt)
		defer crypto.Zero(wrapKey)

		raw, err := crypto.Open(wrapKey, rec.WrappedKey, []byte(aadDataKey))
		if err != nil {
			return ErrWrongPassword
		}
		h, err := crypto.NewKeyHandle(raw)
		crypto.Zero(raw)
		if err != nil {
			return err
		}
		sess.putDataKey(userID, h)

		if rec.HasRSAKeys {
			der, err := crypto.OpenDetached(wrapKey, rec.RSAPrivateKeyIV, rec.WrappedRSAPrivateKey, []byte(aadPrivKey))
			if err != nil {
				// The data key opened, so the password was right;
				// a broken private-key blob should not block sign-in.
				m.log.Warn().Str("user", userID).Err(err).Msg("rsa private key unwrap failed")
				return nil
			}
			priv, err := crypto.ParsePrivateKey(der)
			crypto.Zero(der)
			if err != nil {
				m.log.Warn().Str("user", userID).Err(err).Msg("rsa private key parse failed")
				return nil
			}
			sess.putPrivateKey(userID, priv)
		}
		return nil

	default:
		return ErrUnknownGeneration
	}
}

// SignOut clears the account's cached keys.
func (m *Manager) SignOut(sess *Session, userID string) {
	sess.Drop(userID)
}

// DataKey returns the cached data key handle, or ErrReauthRequired when
// the cache is cold.
func (m *Manager) DataKey(sess *Session, userID string) (*crypto.KeyHandle, error) {
	h, ok := sess.dataKey(userID)
	if !ok {
		return nil, ErrReauthRequired
	}
	return h, nil
}

// PrivateKey returns the cached RSA private key. ErrNoRSAIdentity means
// the account has none; ErrReauthRequired means it was never unwrapped
// this session.
func (m *Manager) PrivateKey(ctx context.Context, sess *Session, userID string) (*rsa.PrivateKey, error) {
	if k, ok := sess.privateKey(userID); ok {
		return k, nil
	}
	rec, err := m.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !rec.HasRSAKeys {
		return nil, ErrNoRSAIdentity
	}
	return nil, ErrReauthRequired
}

// EncryptField encrypts one opaque string field under the session's data
// key. Empty input is a no-op.
func (m *Manager) EncryptField(sess *Session, userID, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	h, ok := sess.dataKey(userID)
	if !ok {
		return "", ErrReauthRequired
	}
	return EncryptFieldWithKey(h, plaintext)
}

// DecryptField decrypts a stored field value. Legacy plaintext passes
// through; failures degrade to the DecryptFailed sentinel. The only
// error condition is a cold session cache.
func (m *Manager) DecryptField(sess *Session, userID, token string) (string, error) {
	if token == "" || !IsEncrypted(token) {
		return token, nil
	}
	h, ok := sess.dataKey(userID)
	if !ok {
		return "", ErrReauthRequired
	}
	return DecryptFieldWithKey(h, token), nil
}
