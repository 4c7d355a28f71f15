package envelope

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
)

// Reconciler retries the recipient wrap for letters stored before their
// recipient had an RSA identity. It runs opportunistically while the
// sender is signed in: the sender's plaintext is re-derived from
// storage, re-encrypted under a fresh content key and wrapped for both
// parties. This is the only point where plaintext is regenerated from
// storage rather than kept from the original write.
type Reconciler struct {
	engine *Engine
	log    zerolog.Logger
}

func NewReconciler(engine *Engine, log zerolog.Logger) *Reconciler {
	return &Reconciler{engine: engine, log: log}
}

// ReconcileAuthor re-wraps every pending letter of one author whose
// recipient now has a public key. Per-letter failures are logged and
// left pending for the next attempt; they never block the caller.
func (r *Reconciler) ReconcileAuthor(ctx context.Context, sess *keyring.Session, authorID string) int {
	pending, err := r.engine.letters.PendingByAuthor(ctx, authorID)
	if err != nil {
		r.log.Warn().Str("author", authorID).Err(err).Msg("list pending letters")
		return 0
	}

	done := 0
	for _, rec := range pending {
		pub, err := r.engine.lookup.PublicKeyByEmail(ctx, rec.RecipientEmail)
		if err != nil || len(pub) == 0 {
			continue
		}

		letter, err := r.engine.Open(ctx, sess, authorID, rec, RoleSender)
		if err != nil {
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: reopen failed")
			continue
		}

		contentKey, err := crypto.RandomKeyHandle()
		if err != nil {
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: content key")
			continue
		}
		if err := encryptFields(contentKey, *letter, rec); err != nil {
			contentKey.Destroy()
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: re-encrypt")
			continue
		}
		senderWrap, err := r.engine.wrapForSender(ctx, sess, authorID, contentKey)
		if err != nil {
			contentKey.Destroy()
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: sender wrap")
			continue
		}
		recipientWrap, err := wrapUnderPublicKeyPEM(pub, contentKey)
		contentKey.Destroy()
		if err != nil {
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: recipient wrap")
			continue
		}

		rec.SenderWrappedContentKey = senderWrap
		rec.RecipientWrappedContentKey = recipientWrap
		rec.RecipientEncrypted = true
		if err := r.engine.letters.Put(ctx, rec); err != nil {
			r.log.Warn().Str("letter", rec.ID).Err(err).Msg("reconcile: store")
			continue
		}
		done++
	}
	if done > 0 {
		r.log.Info().Str("author", authorID).Int("letters", done).Msg("reconciled pending letters")
	}
	return done
}
