// Package store defines the row store backing the key-management
// subsystem: one UserKeyRecord per account and one LetterRecord per
// sealed letter. The subsystem treats it as opaque storage; everything
// it writes is wrapped or tokenized before it gets here.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// EncryptionVersion is the key-management generation of an account.
// Transitions are one-way: VersionLegacy -> VersionWrapped.
type EncryptionVersion int

const (
	// VersionLegacy stores the data key raw (a known weakness the
	// migration coordinator exists to remove).
	VersionLegacy EncryptionVersion = 1
	// VersionWrapped stores the data key only wrapped under a
	// password-derived key.
	VersionWrapped EncryptionVersion = 2
)

// UserKeyRecord is the per-account key row. Mutated only by this
// subsystem.
type UserKeyRecord struct {
	UserID  string
	Email   string
	Version EncryptionVersion

	// EncryptedKey is the V1 raw data key. Nil once promoted.
	EncryptedKey []byte

	// WrappedKey and Salt are the V2 form: the data key wrapped under
	// a password-derived key, plus the salt needed to re-derive it.
	WrappedKey []byte
	Salt       []byte

	// Recovery escrow: the same data key wrapped a second time under a
	// recovery-code-derived key. Independent of the password.
	RecoveryWrappedKey []byte
	RecoveryKeySalt    []byte

	// Asymmetric identity for receiving envelope-encrypted letters.
	// The private half is wrapped under the password-derived key.
	RSAPublicKey         []byte
	WrappedRSAPrivateKey []byte
	RSAPrivateKeyIV      []byte
	HasRSAKeys           bool
}

// LetterRecord is the slice of the letter row this subsystem touches.
// Each content field is either legacy plaintext or a tagged ciphertext
// token.
type LetterRecord struct {
	ID             string
	AuthorID       string
	RecipientEmail string

	Title      string
	Body       string
	Signature  string
	SketchData string

	DeliverAfter time.Time

	// RecipientEncrypted is false while the recipient has no RSA
	// identity yet. A valid steady state, not an error.
	RecipientEncrypted         bool
	SenderWrappedContentKey    []byte
	RecipientWrappedContentKey []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeyStore persists UserKeyRecords.
type KeyStore interface {
	Get(ctx context.Context, userID string) (*UserKeyRecord, error)
	Put(ctx context.Context, rec *UserKeyRecord) error

	// SetWrapped writes the password-wrapped form without touching the
	// version or the raw key. Step two of the migration.
	SetWrapped(ctx context.Context, userID string, wrappedKey, salt []byte) error

	// Promote bumps the record to VersionWrapped and erases the raw
	// key in the same logical update. Called only after the wrapped
	// form has been read back successfully.
	Promote(ctx context.Context, userID string) error

	// SetRecovery overwrites the recovery escrow. The previous blob is
	// not retained.
	SetRecovery(ctx context.Context, userID string, wrapped, salt []byte) error

	SetRSAIdentity(ctx context.Context, userID string, pub, wrappedPriv, iv []byte) error
}

// RecoveryMeta is what the pre-authentication recovery lookup returns.
// For unknown emails it is the zero value, indistinguishable from an
// account without recovery configured.
type RecoveryMeta struct {
	Configured bool
	WrappedKey []byte
	Salt       []byte
}

// Lookup are the two pre-authentication lookups. Neither may leak
// whether an email is registered beyond returning empty results.
type Lookup interface {
	RecoveryMetaByEmail(ctx context.Context, email string) (RecoveryMeta, error)
	PublicKeyByEmail(ctx context.Context, email string) ([]byte, error)
}

// Directory resolves account ids from email addresses. Privileged:
// only server-side collaborators (the legacy rekeyer) may use it.
type Directory interface {
	UserIDByEmail(ctx context.Context, email string) (string, error)
}

// LetterStore persists LetterRecords.
type LetterStore interface {
	Put(ctx context.Context, rec *LetterRecord) error
	Get(ctx context.Context, id string) (*LetterRecord, error)
	ByAuthor(ctx context.Context, authorID string) ([]*LetterRecord, error)
	ForRecipient(ctx context.Context, email string) ([]*LetterRecord, error)

	// PendingByAuthor lists the author's letters still waiting for
	// their recipient wrap (recipient_encrypted = false).
	PendingByAuthor(ctx context.Context, authorID string) ([]*LetterRecord, error)
}
