package keyring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

func testManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewManager(st, zerolog.Nop()), st
}

func TestEnrollSignInRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess := NewSession()
	defer sess.Close()

	if err := m.Enroll(ctx, sess, "u1", "alice@example.com", []byte("correct-horse-A1!")); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	tok, err := m.EncryptField(sess, "u1", "Dear future me")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !IsEncrypted(tok) {
		t.Fatalf("token missing prefix: %q", tok)
	}

	// Fresh session, same password: sign-in must recover the same key.
	sess2 := NewSession()
	defer sess2.Close()
	if err := m.SignIn(ctx, sess2, "u1", []byte("correct-horse-A1!")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	got, err := m.DecryptField(sess2, "u1", tok)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "Dear future me" {
		t.Fatalf("decrypt = %q", got)
	}

	// RSA identity unwrapped too.
	if _, err := m.PrivateKey(ctx, sess2, "u1"); err != nil {
		t.Fatalf("private key: %v", err)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess := NewSession()
	defer sess.Close()

	if err := m.Enroll(ctx, sess, "u1", "a@b.c", []byte("correct-horse")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	sess2 := NewSession()
	defer sess2.Close()
	err := m.SignIn(ctx, sess2, "u1", []byte("wrong-password"))
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("want ErrWrongPassword, got %v", err)
	}
}

func TestEncryptDistinctCiphertexts(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess := NewSession()
	defer sess.Close()
	if err := m.Enroll(ctx, sess, "u1", "a@b.c", []byte("pw")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	t1, err := m.EncryptField(sess, "u1", "same text")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	t2, err := m.EncryptField(sess, "u1", "same text")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if t1 == t2 {
		t.Fatal("expected distinct tokens for repeated encryption")
	}
	for _, tok := range []string{t1, t2} {
		got, err := m.DecryptField(sess, "u1", tok)
		if err != nil || got != "same text" {
			t.Fatalf("decrypt %q: %q %v", tok, got, err)
		}
	}
}

func TestDecryptFieldEdgeCases(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess := NewSession()
	defer sess.Close()
	if err := m.Enroll(ctx, sess, "u1", "a@b.c", []byte("pw")); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	// Empty and legacy plaintext pass through.
	if got, err := m.DecryptField(sess, "u1", ""); err != nil || got != "" {
		t.Fatalf("empty: %q %v", got, err)
	}
	if got, err := m.DecryptField(sess, "u1", "plain old title"); err != nil || got != "plain old title" {
		t.Fatalf("legacy: %q %v", got, err)
	}
	if got, err := m.EncryptField(sess, "u1", ""); err != nil || got != "" {
		t.Fatalf("encrypt empty: %q %v", got, err)
	}

	// Corrupted payloads degrade to the sentinel, never an error.
	for _, tok := range []string{
		tokenPrefix + "!!!not base64!!!",
		tokenPrefix + codec.Encode([]byte("short")),
	} {
		got, err := m.DecryptField(sess, "u1", tok)
		if err != nil {
			t.Fatalf("decrypt %q returned error: %v", tok, err)
		}
		if got != DecryptFailed {
			t.Fatalf("decrypt %q = %q, want sentinel", tok, got)
		}
	}
}

func TestWrongKeyYieldsSentinel(t *testing.T) {
	// Fields sealed under a password-derived key decrypt exactly with
	// the same password and salt, and degrade to sentinels under a
	// wrong password.
	salt, err := codec.NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	right, err := crypto.NewKeyHandle(crypto.DeriveWrappingKey([]byte("correct-horse"), salt))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	wrong, err := crypto.NewKeyHandle(crypto.DeriveWrappingKey([]byte("wrong-password"), salt))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	defer right.Destroy()
	defer wrong.Destroy()

	fields := map[string]string{"title": "Hello", "body": "World", "signature": "Me"}
	tokens := map[string]string{}
	for name, pt := range fields {
		tok, err := EncryptFieldWithKey(right, pt)
		if err != nil {
			t.Fatalf("encrypt %s: %v", name, err)
		}
		tokens[name] = tok
	}
	for name, tok := range tokens {
		if got := DecryptFieldWithKey(right, tok); got != fields[name] {
			t.Fatalf("right key %s = %q", name, got)
		}
		if got := DecryptFieldWithKey(wrong, tok); got != DecryptFailed {
			t.Fatalf("wrong key %s = %q, want sentinel", name, got)
		}
	}
}

func TestColdCacheRequiresReauth(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)
	sess := NewSession()
	if err := m.Enroll(ctx, sess, "u1", "a@b.c", []byte("pw")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	tok, err := m.EncryptField(sess, "u1", "secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	sess.Close()

	// Cache cold after logout: no silent fallback.
	if _, err := m.EncryptField(sess, "u1", "more"); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("encrypt after close: %v", err)
	}
	if _, err := m.DecryptField(sess, "u1", tok); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("decrypt after close: %v", err)
	}
	if _, err := m.DataKey(sess, "u1"); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("data key after close: %v", err)
	}
}

func TestLegacySignInUsesRawKey(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t)

	raw, err := codec.RandomBytes(crypto.KeySize)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	rec := &store.UserKeyRecord{
		UserID:       "legacy1",
		Email:        "old@example.com",
		Version:      store.VersionLegacy,
		EncryptedKey: raw,
	}
	if err := st.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	sess := NewSession()
	defer sess.Close()
	// Password is irrelevant for the legacy generation.
	if err := m.SignIn(ctx, sess, "legacy1", []byte("anything")); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	tok, err := m.EncryptField(sess, "legacy1", "old data")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := m.DecryptField(sess, "legacy1", tok)
	if err != nil || got != "old data" {
		t.Fatalf("decrypt: %q %v", got, err)
	}
}

func TestUnknownGenerationRejected(t *testing.T) {
	ctx := context.Background()
	m, st := testManager(t)
	if err := st.Put(ctx, &store.UserKeyRecord{UserID: "u9", Version: 9}); err != nil {
		t.Fatalf("put: %v", err)
	}
	sess := NewSession()
	defer sess.Close()
	if err := m.SignIn(ctx, sess, "u9", []byte("pw")); !errors.Is(err, ErrUnknownGeneration) {
		t.Fatalf("want ErrUnknownGeneration, got %v", err)
	}
}

func FuzzDecryptFieldNeverPanics(f *testing.F) {
	h, err := crypto.RandomKeyHandle()
	if err != nil {
		f.Fatalf("handle: %v", err)
	}
	f.Add("")
	f.Add("plain text")
	f.Add(tokenPrefix)
	f.Add(tokenPrefix + "AAAA")
	f.Fuzz(func(t *testing.T, token string) {
		got := DecryptFieldWithKey(h, token)
		if token == "" && got != "" {
			t.Fatal("empty input must stay empty")
		}
		if !strings.HasPrefix(token, tokenPrefix) && got != token {
			t.Fatal("untagged input must pass through")
		}
	})
}
