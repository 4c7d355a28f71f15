package envelope

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

// legacyWrapKey derives the symmetric content-key wrapping key for an
// account without an RSA identity. Domain-separated from the data key so
// the wrap never reuses the field-encryption key directly.
func legacyWrapKey(dataKey *crypto.KeyHandle, userID string) ([]byte, error) {
	raw, err := dataKey.ExportForWrap()
	if err != nil {
		return nil, err
	}
	stream := hkdf.New(sha256.New, raw, nil, []byte("legacy-content-key/"+userID))
	out := make([]byte, crypto.KeySize)
	if _, err := io.ReadFull(stream, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ServerRekeyer is the privileged legacy fallback: for senders that
// predate RSA identities, it re-keys letters server-side using the raw
// V1 keys the store still holds. Explicitly weaker than the device-side
// path; retained only for accounts not yet migrated.
type ServerRekeyer struct {
	keys    store.KeyStore
	letters store.LetterStore
	dir     store.Directory
	lookup  store.Lookup
	log     zerolog.Logger
}

func NewServerRekeyer(keys store.KeyStore, letters store.LetterStore, dir store.Directory, lookup store.Lookup, log zerolog.Logger) *ServerRekeyer {
	return &ServerRekeyer{keys: keys, letters: letters, dir: dir, lookup: lookup, log: log}
}

// Rekey processes the given letters, giving each recipient a readable
// copy of the content key where possible. Per-letter failures are
// logged and skipped; a letter left unreadable stays pending.
func (s *ServerRekeyer) Rekey(ctx context.Context, letterIDs []string) error {
	for _, id := range letterIDs {
		if err := s.rekeyOne(ctx, id); err != nil {
			s.log.Warn().Str("letter", id).Err(err).Msg("legacy rekey failed")
		}
	}
	return nil
}

func (s *ServerRekeyer) rekeyOne(ctx context.Context, letterID string) error {
	letter, err := s.letters.Get(ctx, letterID)
	if err != nil {
		return err
	}
	if letter.RecipientEncrypted {
		return nil
	}

	author, err := s.keys.Get(ctx, letter.AuthorID)
	if err != nil {
		return err
	}
	if author.Version != store.VersionLegacy || len(author.EncryptedKey) == 0 {
		return fmt.Errorf("author %s is not a legacy account", letter.AuthorID)
	}

	// Recover the content key with the server-held sender key.
	senderKey, err := crypto.NewKeyHandle(author.EncryptedKey)
	if err != nil {
		return err
	}
	defer senderKey.Destroy()
	wrapKey, err := legacyWrapKey(senderKey, letter.AuthorID)
	if err != nil {
		return err
	}
	defer crypto.Zero(wrapKey)
	rawContent, err := crypto.Open(wrapKey, letter.SenderWrappedContentKey, []byte(aadContentKey))
	if err != nil {
		return fmt.Errorf("recover content key: %w", err)
	}
	defer crypto.Zero(rawContent)
	contentKey, err := crypto.NewKeyHandle(rawContent)
	if err != nil {
		return err
	}
	defer contentKey.Destroy()

	// Prefer the recipient's asymmetric identity when one exists.
	pub, err := s.lookup.PublicKeyByEmail(ctx, letter.RecipientEmail)
	if err != nil {
		return err
	}
	if len(pub) > 0 {
		wrapped, err := wrapUnderPublicKeyPEM(pub, contentKey)
		if err != nil {
			return err
		}
		letter.RecipientWrappedContentKey = wrapped
		letter.RecipientEncrypted = true
		return s.letters.Put(ctx, letter)
	}

	// Otherwise the recipient must themselves be a legacy account with
	// a server-held key.
	recipientID, err := s.dir.UserIDByEmail(ctx, letter.RecipientEmail)
	if err != nil {
		return fmt.Errorf("recipient not registered: %w", err)
	}
	recipient, err := s.keys.Get(ctx, recipientID)
	if err != nil {
		return err
	}
	if recipient.Version != store.VersionLegacy || len(recipient.EncryptedKey) == 0 {
		return fmt.Errorf("recipient %s has no usable key", recipientID)
	}
	recipientKey, err := crypto.NewKeyHandle(recipient.EncryptedKey)
	if err != nil {
		return err
	}
	defer recipientKey.Destroy()
	rWrapKey, err := legacyWrapKey(recipientKey, recipientID)
	if err != nil {
		return err
	}
	defer crypto.Zero(rWrapKey)
	raw, err := contentKey.ExportForWrap()
	if err != nil {
		return err
	}
	wrapped, err := crypto.Seal(rWrapKey, raw, []byte(aadContentKey))
	if err != nil {
		return err
	}
	letter.RecipientWrappedContentKey = wrapped
	letter.RecipientEncrypted = true
	return s.letters.Put(ctx, letter)
}
