package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory KeyStore/LetterStore/Lookup, used by tests
// and the single-process dev daemon.
type MemoryStore struct {
	mu      sync.RWMutex
	keys    map[string]*UserKeyRecord // by user id
	byEmail map[string]string         // email -> user id
	letters map[string]*LetterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:    map[string]*UserKeyRecord{},
		byEmail: map[string]string{},
		letters: map[string]*LetterRecord{},
	}
}

func normEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneKeyRecord(r *UserKeyRecord) *UserKeyRecord {
	c := *r
	c.EncryptedKey = append([]byte(nil), r.EncryptedKey...)
	c.WrappedKey = append([]byte(nil), r.WrappedKey...)
	c.Salt = append([]byte(nil), r.Salt...)
	c.RecoveryWrappedKey = append([]byte(nil), r.RecoveryWrappedKey...)
	c.RecoveryKeySalt = append([]byte(nil), r.RecoveryKeySalt...)
	c.RSAPublicKey = append([]byte(nil), r.RSAPublicKey...)
	c.WrappedRSAPrivateKey = append([]byte(nil), r.WrappedRSAPrivateKey...)
	c.RSAPrivateKeyIV = append([]byte(nil), r.RSAPrivateKeyIV...)
	if len(c.EncryptedKey) == 0 {
		c.EncryptedKey = nil
	}
	return &c
}

func cloneLetter(r *LetterRecord) *LetterRecord {
	c := *r
	c.SenderWrappedContentKey = append([]byte(nil), r.SenderWrappedContentKey...)
	c.RecipientWrappedContentKey = append([]byte(nil), r.RecipientWrappedContentKey...)
	return &c
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*UserKeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.keys[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneKeyRecord(r), nil
}

func (m *MemoryStore) Put(_ context.Context, rec *UserKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneKeyRecord(rec)
	c.Email = normEmail(c.Email)
	m.keys[c.UserID] = c
	if c.Email != "" {
		m.byEmail[c.Email] = c.UserID
	}
	return nil
}

func (m *MemoryStore) SetWrapped(_ context.Context, userID string, wrappedKey, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[userID]
	if !ok {
		return ErrNotFound
	}
	r.WrappedKey = append([]byte(nil), wrappedKey...)
	r.Salt = append([]byte(nil), salt...)
	return nil
}

func (m *MemoryStore) Promote(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[userID]
	if !ok {
		return ErrNotFound
	}
	r.Version = VersionWrapped
	r.EncryptedKey = nil
	return nil
}

func (m *MemoryStore) SetRecovery(_ context.Context, userID string, wrapped, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[userID]
	if !ok {
		return ErrNotFound
	}
	r.RecoveryWrappedKey = append([]byte(nil), wrapped...)
	r.RecoveryKeySalt = append([]byte(nil), salt...)
	return nil
}

func (m *MemoryStore) SetRSAIdentity(_ context.Context, userID string, pub, wrappedPriv, iv []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.keys[userID]
	if !ok {
		return ErrNotFound
	}
	r.RSAPublicKey = append([]byte(nil), pub...)
	r.WrappedRSAPrivateKey = append([]byte(nil), wrappedPriv...)
	r.RSAPrivateKeyIV = append([]byte(nil), iv...)
	r.HasRSAKeys = true
	return nil
}

func (m *MemoryStore) RecoveryMetaByEmail(_ context.Context, email string) (RecoveryMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normEmail(email)]
	if !ok {
		return RecoveryMeta{}, nil
	}
	r := m.keys[id]
	if len(r.RecoveryWrappedKey) == 0 {
		return RecoveryMeta{}, nil
	}
	return RecoveryMeta{
		Configured: true,
		WrappedKey: append([]byte(nil), r.RecoveryWrappedKey...),
		Salt:       append([]byte(nil), r.RecoveryKeySalt...),
	}, nil
}

func (m *MemoryStore) PublicKeyByEmail(_ context.Context, email string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normEmail(email)]
	if !ok {
		return nil, nil
	}
	r := m.keys[id]
	if !r.HasRSAKeys {
		return nil, nil
	}
	return append([]byte(nil), r.RSAPublicKey...), nil
}

func (m *MemoryStore) UserIDByEmail(_ context.Context, email string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[normEmail(email)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (m *MemoryStore) letterPut(rec *LetterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneLetter(rec)
	c.RecipientEmail = normEmail(c.RecipientEmail)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.UpdatedAt = time.Now()
	m.letters[c.ID] = c
	return nil
}

// LetterStore interface methods share the MemoryStore so tests can wire
// one value everywhere, as the daemon does with Mongo.

func (m *MemoryStore) Letters() LetterStore { return (*memoryLetters)(m) }

type memoryLetters MemoryStore

func (m *memoryLetters) Put(ctx context.Context, rec *LetterRecord) error {
	return (*MemoryStore)(m).letterPut(rec)
}

func (m *memoryLetters) Get(_ context.Context, id string) (*LetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.letters[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneLetter(r), nil
}

func (m *memoryLetters) ByAuthor(_ context.Context, authorID string) ([]*LetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LetterRecord
	for _, r := range m.letters {
		if r.AuthorID == authorID {
			out = append(out, cloneLetter(r))
		}
	}
	return out, nil
}

func (m *memoryLetters) ForRecipient(_ context.Context, email string) ([]*LetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	email = normEmail(email)
	var out []*LetterRecord
	for _, r := range m.letters {
		if r.RecipientEmail == email {
			out = append(out, cloneLetter(r))
		}
	}
	return out, nil
}

func (m *memoryLetters) PendingByAuthor(_ context.Context, authorID string) ([]*LetterRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*LetterRecord
	for _, r := range m.letters {
		if r.AuthorID == authorID && r.RecipientEmail != "" && !r.RecipientEncrypted {
			out = append(out, cloneLetter(r))
		}
	}
	return out, nil
}
