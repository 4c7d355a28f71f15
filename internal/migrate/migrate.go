// Package migrate moves accounts off the legacy raw-key generation. The
// coordinator runs at sign-in, the one moment the password is in hand,
// and never erases the raw key before the wrapped form has been read
// back from storage.
package migrate

import (
	"bytes"
	"context"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

// Coordinator drives the one-way Legacy -> Wrapped -> Promoted state
// machine. Safe to run repeatedly; an account already wrapped is a
// no-op.
type Coordinator struct {
	keys store.KeyStore
	log  zerolog.Logger
}

func NewCoordinator(keys store.KeyStore, log zerolog.Logger) *Coordinator {
	return &Coordinator{keys: keys, log: log}
}

// Run attempts the migration for one account and reports whether the
// account was promoted by this call. Migration is opportunistic: every
// failure is logged and leaves the account in its previous state for a
// retry at the next sign-in. Callers must have verified the password
// first.
func (c *Coordinator) Run(ctx context.Context, userID string, password []byte) bool {
	rec, err := c.keys.Get(ctx, userID)
	if err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: load record")
		return false
	}

	switch rec.Version {
	case store.VersionWrapped:
		return false
	case store.VersionLegacy:
		// Proceed.
	default:
		c.log.Error().Str("user", userID).Int("version", int(rec.Version)).Msg("migrate: unknown generation")
		return false
	}
	if len(rec.EncryptedKey) == 0 {
		c.log.Error().Str("user", userID).Msg("migrate: legacy record without raw key")
		return false
	}

	dataKey, err := crypto.NewKeyHandle(rec.EncryptedKey)
	if err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: raw key unusable")
		return false
	}
	defer dataKey.Destroy()

	wa, err := keyring.WrapAccount(password, dataKey, nil)
	if err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: wrap")
		return false
	}
	if err := c.keys.SetWrapped(ctx, userID, wa.WrappedKey, wa.Salt); err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: write wrapped key")
		return false
	}

	// Read-back checkpoint. The raw key is erased only once storage has
	// returned a wrapped blob that unwraps to the same key.
	if !c.verify(ctx, userID, password, rec.EncryptedKey) {
		return false
	}

	if err := c.keys.Promote(ctx, userID); err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: promote")
		return false
	}
	c.log.Info().Str("user", userID).Msg("account promoted to wrapped key storage")
	return true
}

func (c *Coordinator) verify(ctx context.Context, userID string, password, rawKey []byte) bool {
	got, err := c.keys.Get(ctx, userID)
	if err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: read back")
		return false
	}
	if len(got.WrappedKey) == 0 || len(got.Salt) == 0 {
		c.log.Warn().Str("user", userID).Msg("migrate: read back returned empty wrapped key")
		return false
	}

	h, err := keyring.UnwrapDataKey(password, got.WrappedKey, got.Salt)
	if err != nil {
		c.log.Warn().Str("user", userID).Err(err).Msg("migrate: stored wrapped key does not open")
		return false
	}
	defer h.Destroy()
	exported, err := h.ExportForWrap()
	if err != nil {
		return false
	}
	if !bytes.Equal(exported, rawKey) {
		c.log.Error().Str("user", userID).Msg("migrate: stored wrapped key opens to a different key")
		return false
	}
	return true
}
