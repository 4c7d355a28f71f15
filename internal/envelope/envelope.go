// Package envelope implements two-party letter encryption: a one-time
// content key encrypts the letter's fields, then the content key is
// wrapped once for the sender and once for the recipient so each can
// later open it with only their own private key.
package envelope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

var (
	// ErrNotYetReadable means the reader's wrapped copy of the content
	// key does not exist yet (recipient has not signed up). A valid
	// steady state until reconciliation runs.
	ErrNotYetReadable = errors.New("envelope: letter not yet readable by this party")

	ErrNotAParty = errors.New("envelope: reader is neither sender nor recipient")
)

const aadContentKey = "content-key-wrap"

// Letter is the field set this subsystem touches. Anything else on the
// letter row belongs to the presentation layer.
type Letter struct {
	Title     string
	Body      string
	Signature string
	Sketch    string
}

// Role of a reader relative to a letter.
type Role int

const (
	RoleSender Role = iota
	RoleRecipient
)

// Engine seals and opens third-party letters. Self-addressed letters
// never come here; they use the symmetric key manager directly.
type Engine struct {
	keys    store.KeyStore
	letters store.LetterStore
	lookup  store.Lookup
	manager *keyring.Manager
	log     zerolog.Logger
}

func NewEngine(keys store.KeyStore, letters store.LetterStore, lookup store.Lookup, manager *keyring.Manager, log zerolog.Logger) *Engine {
	return &Engine{keys: keys, letters: letters, lookup: lookup, manager: manager, log: log}
}

// Seal encrypts a letter for a third-party recipient and persists it.
// A fresh content key encrypts each field with its own IV, then is
// wrapped under the sender's public key and, when the recipient already
// has an identity, under the recipient's. Otherwise the letter is stored
// with recipient_encrypted=false until reconciliation.
func (e *Engine) Seal(ctx context.Context, sess *keyring.Session, authorID, recipientEmail string, deliverAfter time.Time, letter Letter) (*store.LetterRecord, error) {
	contentKey, err := crypto.RandomKeyHandle()
	if err != nil {
		return nil, err
	}
	defer contentKey.Destroy()

	rec := &store.LetterRecord{
		ID:             uuid.NewString(),
		AuthorID:       authorID,
		RecipientEmail: recipientEmail,
		DeliverAfter:   deliverAfter,
	}
	if err := encryptFields(contentKey, letter, rec); err != nil {
		return nil, err
	}

	senderWrap, err := e.wrapForSender(ctx, sess, authorID, contentKey)
	if err != nil {
		return nil, err
	}
	rec.SenderWrappedContentKey = senderWrap

	pub, err := e.lookup.PublicKeyByEmail(ctx, recipientEmail)
	if err != nil {
		return nil, err
	}
	if len(pub) > 0 {
		recipientWrap, err := wrapUnderPublicKeyPEM(pub, contentKey)
		if err != nil {
			return nil, err
		}
		rec.RecipientWrappedContentKey = recipientWrap
		rec.RecipientEncrypted = true
	}

	if err := e.letters.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("envelope: store letter: %w", err)
	}
	return rec, nil
}

// Open recovers the letter's plaintext for one of its two parties. The
// reader's own wrapped column is unwrapped with their private key; each
// field then decrypts independently, degrading to the sentinel rather
// than failing the whole letter.
func (e *Engine) Open(ctx context.Context, sess *keyring.Session, readerID string, rec *store.LetterRecord, role Role) (*Letter, error) {
	var wrapped []byte
	switch role {
	case RoleSender:
		if rec.AuthorID != readerID {
			return nil, ErrNotAParty
		}
		wrapped = rec.SenderWrappedContentKey
	case RoleRecipient:
		if !rec.RecipientEncrypted {
			return nil, ErrNotYetReadable
		}
		wrapped = rec.RecipientWrappedContentKey
	default:
		return nil, ErrNotAParty
	}
	if len(wrapped) == 0 {
		return nil, ErrNotYetReadable
	}

	contentKey, err := e.unwrapContentKey(ctx, sess, readerID, wrapped)
	if err != nil {
		return nil, err
	}
	defer contentKey.Destroy()

	return decryptFields(contentKey, rec), nil
}

func encryptFields(contentKey *crypto.KeyHandle, letter Letter, rec *store.LetterRecord) error {
	var err error
	if rec.Title, err = keyring.EncryptFieldWithKey(contentKey, letter.Title); err != nil {
		return err
	}
	if rec.Body, err = keyring.EncryptFieldWithKey(contentKey, letter.Body); err != nil {
		return err
	}
	if rec.Signature, err = keyring.EncryptFieldWithKey(contentKey, letter.Signature); err != nil {
		return err
	}
	rec.SketchData, err = keyring.EncryptFieldWithKey(contentKey, letter.Sketch)
	return err
}

func decryptFields(contentKey *crypto.KeyHandle, rec *store.LetterRecord) *Letter {
	return &Letter{
		Title:     keyring.DecryptFieldWithKey(contentKey, rec.Title),
		Body:      keyring.DecryptFieldWithKey(contentKey, rec.Body),
		Signature: keyring.DecryptFieldWithKey(contentKey, rec.Signature),
		Sketch:    keyring.DecryptFieldWithKey(contentKey, rec.SketchData),
	}
}

func wrapUnderPublicKeyPEM(pubPEM []byte, contentKey *crypto.KeyHandle) ([]byte, error) {
	pub, err := crypto.ParsePublicKey(pubPEM)
	if err != nil {
		return nil, err
	}
	raw, err := contentKey.ExportForWrap()
	if err != nil {
		return nil, err
	}
	return crypto.WrapUnderPublicKey(pub, raw)
}

// wrapForSender wraps the content key for the author. Accounts with an
// RSA identity get the standard asymmetric wrap; legacy accounts fall
// back to a symmetric wrap under a key derived from their data key,
// readable on the same paths that still hold that key.
func (e *Engine) wrapForSender(ctx context.Context, sess *keyring.Session, authorID string, contentKey *crypto.KeyHandle) ([]byte, error) {
	rec, err := e.keys.Get(ctx, authorID)
	if err != nil {
		return nil, err
	}
	if rec.HasRSAKeys {
		return wrapUnderPublicKeyPEM(rec.RSAPublicKey, contentKey)
	}

	dataKey, err := e.manager.DataKey(sess, authorID)
	if err != nil {
		return nil, err
	}
	wrapKey, err := legacyWrapKey(dataKey, authorID)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(wrapKey)
	raw, err := contentKey.ExportForWrap()
	if err != nil {
		return nil, err
	}
	return crypto.Seal(wrapKey, raw, []byte(aadContentKey))
}

func (e *Engine) unwrapContentKey(ctx context.Context, sess *keyring.Session, readerID string, wrapped []byte) (*crypto.KeyHandle, error) {
	priv, err := e.manager.PrivateKey(ctx, sess, readerID)
	switch {
	case err == nil:
		raw, err := crypto.UnwrapWithPrivateKey(priv, wrapped)
		if err != nil {
			return nil, fmt.Errorf("envelope: unwrap content key: %w", err)
		}
		defer crypto.Zero(raw)
		return crypto.NewKeyHandle(raw)

	case errors.Is(err, keyring.ErrNoRSAIdentity):
		// Legacy symmetric unwrap.
		dataKey, err := e.manager.DataKey(sess, readerID)
		if err != nil {
			return nil, err
		}
		wrapKey, err := legacyWrapKey(dataKey, readerID)
		if err != nil {
			return nil, err
		}
		defer crypto.Zero(wrapKey)
		raw, err := crypto.Open(wrapKey, wrapped, []byte(aadContentKey))
		if err != nil {
			return nil, fmt.Errorf("envelope: legacy unwrap content key: %w", err)
		}
		defer crypto.Zero(raw)
		return crypto.NewKeyHandle(raw)

	default:
		return nil, err
	}
}
