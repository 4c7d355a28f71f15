package migrate

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

func putLegacy(t *testing.T, st *store.MemoryStore, id string) []byte {
	t.Helper()
	raw, err := codec.RandomBytes(crypto.KeySize)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	err = st.Put(context.Background(), &store.UserKeyRecord{
		UserID:       id,
		Email:        id + "@example.com",
		Version:      store.VersionLegacy,
		EncryptedKey: raw,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	return raw
}

func TestRunPromotesLegacyAccount(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	raw := putLegacy(t, st, "u1")
	coord := NewCoordinator(st, zerolog.Nop())

	// Something encrypted under the raw key before migration.
	before, err := crypto.NewKeyHandle(raw)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	tok, err := keyring.EncryptFieldWithKey(before, "pre-migration letter")
	before.Destroy()
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if !coord.Run(ctx, "u1", []byte("hunter2")) {
		t.Fatal("expected promotion")
	}

	rec, err := st.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Version != store.VersionWrapped {
		t.Fatalf("version = %d, want wrapped", rec.Version)
	}
	if len(rec.EncryptedKey) != 0 {
		t.Fatal("raw key must be erased after promotion")
	}
	if len(rec.WrappedKey) == 0 || len(rec.Salt) == 0 {
		t.Fatal("wrapped key and salt must be populated")
	}

	// The password now signs in through the wrapped path and the data
	// key is unchanged: the pre-migration field still decrypts.
	manager := keyring.NewManager(st, zerolog.Nop())
	sess := keyring.NewSession()
	defer sess.Close()
	if err := manager.SignIn(ctx, sess, "u1", []byte("hunter2")); err != nil {
		t.Fatalf("sign in after migration: %v", err)
	}
	got, err := manager.DecryptField(sess, "u1", tok)
	if err != nil || got != "pre-migration letter" {
		t.Fatalf("decrypt after migration: %q %v", got, err)
	}
}

func TestRunTwiceIsOnePromotion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	putLegacy(t, st, "u1")
	coord := NewCoordinator(st, zerolog.Nop())

	if !coord.Run(ctx, "u1", []byte("pw")) {
		t.Fatal("first run should promote")
	}
	rec1, _ := st.Get(ctx, "u1")

	if coord.Run(ctx, "u1", []byte("pw")) {
		t.Fatal("second run must be a no-op")
	}
	rec2, _ := st.Get(ctx, "u1")
	if string(rec1.WrappedKey) != string(rec2.WrappedKey) || string(rec1.Salt) != string(rec2.Salt) {
		t.Fatal("no-op run must not rewrap the key")
	}
}

func TestRunWrappedAccountNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	manager := keyring.NewManager(st, zerolog.Nop())
	sess := keyring.NewSession()
	defer sess.Close()
	if err := manager.Enroll(ctx, sess, "u2", "u2@example.com", []byte("pw")); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if NewCoordinator(st, zerolog.Nop()).Run(ctx, "u2", []byte("pw")) {
		t.Fatal("wrapped account must be a no-op")
	}
}

// failingKeys simulates storage faults at chosen steps.
type failingKeys struct {
	*store.MemoryStore
	failSetWrapped bool
	failPromote    bool
	emptyReadBack  bool
}

var errInjected = errors.New("injected storage failure")

func (f *failingKeys) SetWrapped(ctx context.Context, userID string, wrappedKey, salt []byte) error {
	if f.failSetWrapped {
		return errInjected
	}
	return f.MemoryStore.SetWrapped(ctx, userID, wrappedKey, salt)
}

func (f *failingKeys) Promote(ctx context.Context, userID string) error {
	if f.failPromote {
		return errInjected
	}
	return f.MemoryStore.Promote(ctx, userID)
}

func (f *failingKeys) Get(ctx context.Context, userID string) (*store.UserKeyRecord, error) {
	rec, err := f.MemoryStore.Get(ctx, userID)
	if err == nil && f.emptyReadBack {
		rec.WrappedKey = nil
	}
	return rec, err
}

func TestFailuresLeaveLegacyIntact(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name string
		mut  func(*failingKeys)
	}{
		{"write fails", func(f *failingKeys) { f.failSetWrapped = true }},
		{"read back empty", func(f *failingKeys) { f.emptyReadBack = true }},
		{"promote fails", func(f *failingKeys) { f.failPromote = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fk := &failingKeys{MemoryStore: store.NewMemoryStore()}
			raw := putLegacy(t, fk.MemoryStore, "u1")
			tc.mut(fk)

			if NewCoordinator(fk, zerolog.Nop()).Run(ctx, "u1", []byte("pw")) {
				t.Fatal("run must report failure")
			}

			rec, err := fk.MemoryStore.Get(ctx, "u1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if rec.Version != store.VersionLegacy {
				t.Fatalf("version = %d, account must stay legacy", rec.Version)
			}
			if string(rec.EncryptedKey) != string(raw) {
				t.Fatal("raw key must survive a failed migration")
			}
		})
	}
}

func TestRetryAfterFailureSucceeds(t *testing.T) {
	ctx := context.Background()
	fk := &failingKeys{MemoryStore: store.NewMemoryStore(), failPromote: true}
	putLegacy(t, fk.MemoryStore, "u1")
	coord := NewCoordinator(fk, zerolog.Nop())

	if coord.Run(ctx, "u1", []byte("pw")) {
		t.Fatal("first run should fail at promote")
	}
	fk.failPromote = false
	if !coord.Run(ctx, "u1", []byte("pw")) {
		t.Fatal("retry should promote")
	}
	rec, _ := fk.MemoryStore.Get(ctx, "u1")
	if rec.Version != store.VersionWrapped || len(rec.EncryptedKey) != 0 {
		t.Fatalf("retry left record in %d with raw key len %d", rec.Version, len(rec.EncryptedKey))
	}
}
