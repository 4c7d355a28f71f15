package recovery

import (
	"context"
	"crypto/rsa"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
)

// ResetResult is what a successful password reset hands back to the
// caller: the replacement recovery code (the supplied one is consumed)
// for one-time display.
type ResetResult struct {
	NewCode string
}

// ResetPassword recovers the data key via the recovery code, re-wraps
// it under the new password, and rotates the recovery code. If the
// account has an RSA identity it is regenerated: the old private key
// was wrapped under the old password-derived key and cannot be
// re-wrapped without it. Letters wrapped for the old public key stay
// readable through their sender until reconciliation re-wraps them.
func (s *Subsystem) ResetPassword(ctx context.Context, userID, code string, newPassword []byte) (*ResetResult, error) {
	dataKey, err := s.UnwrapFor(ctx, userID, code)
	if err != nil {
		return nil, err
	}
	defer dataKey.Destroy()

	rec, err := s.keys.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	var priv *rsa.PrivateKey
	if rec.HasRSAKeys {
		if priv, err = crypto.GenerateIdentity(); err != nil {
			return nil, err
		}
	}

	wa, err := keyring.WrapAccount(newPassword, dataKey, priv)
	if err != nil {
		return nil, err
	}
	if err := s.keys.SetWrapped(ctx, userID, wa.WrappedKey, wa.Salt); err != nil {
		return nil, err
	}
	if priv != nil {
		if err := s.keys.SetRSAIdentity(ctx, userID, wa.RSAPublicKey, wa.WrappedRSAPrivateKey, wa.RSAPrivateKeyIV); err != nil {
			return nil, err
		}
	}

	newCode, err := s.Issue(ctx, userID, dataKey)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("user", userID).Bool("rsa_rotated", priv != nil).Msg("password reset via recovery code")
	return &ResetResult{NewCode: newCode}, nil
}
