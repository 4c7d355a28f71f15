package envelope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/codec"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

type fixture struct {
	st      *store.MemoryStore
	manager *keyring.Manager
	engine  *Engine
	sess    *keyring.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	manager := keyring.NewManager(st, zerolog.Nop())
	engine := NewEngine(st, st.Letters(), st, manager, zerolog.Nop())
	sess := keyring.NewSession()
	t.Cleanup(sess.Close)
	return &fixture{st: st, manager: manager, engine: engine, sess: sess}
}

func (f *fixture) enroll(t *testing.T, id, email, password string) {
	t.Helper()
	if err := f.manager.Enroll(context.Background(), f.sess, id, email, []byte(password)); err != nil {
		t.Fatalf("enroll %s: %v", id, err)
	}
}

var testLetter = Letter{
	Title:     "Hello",
	Body:      "World",
	Signature: "Me",
	Sketch:    "c3RybzpkYXRh",
}

func TestSealOpenBothParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "sender", "sender@example.com", "sender-pass")
	f.enroll(t, "reader", "reader@example.com", "reader-pass")

	rec, err := f.engine.Seal(ctx, f.sess, "sender", "reader@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !rec.RecipientEncrypted {
		t.Fatal("recipient had a key; letter should be recipient-encrypted")
	}
	if len(rec.SenderWrappedContentKey) == 0 || len(rec.RecipientWrappedContentKey) == 0 {
		t.Fatal("expected both wrapped content keys")
	}
	for _, field := range []string{rec.Title, rec.Body, rec.Signature, rec.SketchData} {
		if !keyring.IsEncrypted(field) {
			t.Fatalf("stored field not encrypted: %q", field)
		}
	}

	asSender, err := f.engine.Open(ctx, f.sess, "sender", rec, RoleSender)
	if err != nil {
		t.Fatalf("open as sender: %v", err)
	}
	asReader, err := f.engine.Open(ctx, f.sess, "reader", rec, RoleRecipient)
	if err != nil {
		t.Fatalf("open as recipient: %v", err)
	}
	for _, got := range []*Letter{asSender, asReader} {
		if *got != testLetter {
			t.Fatalf("decrypted letter mismatch: %+v", got)
		}
	}
}

func TestSealPendingRecipient(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "sender", "sender@example.com", "sender-pass")

	rec, err := f.engine.Seal(ctx, f.sess, "sender", "nobody@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if rec.RecipientEncrypted {
		t.Fatal("unknown recipient must leave letter pending")
	}
	if len(rec.RecipientWrappedContentKey) != 0 {
		t.Fatal("pending letter must not carry a recipient wrap")
	}

	// Sender can still read it.
	got, err := f.engine.Open(ctx, f.sess, "sender", rec, RoleSender)
	if err != nil {
		t.Fatalf("open as sender: %v", err)
	}
	if *got != testLetter {
		t.Fatalf("mismatch: %+v", got)
	}

	// Recipient cannot, distinctly.
	if _, err := f.engine.Open(ctx, f.sess, "anyone", rec, RoleRecipient); !errors.Is(err, ErrNotYetReadable) {
		t.Fatalf("want ErrNotYetReadable, got %v", err)
	}
}

func TestReconcileAfterRecipientSignup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "sender", "sender@example.com", "sender-pass")

	rec, err := f.engine.Seal(ctx, f.sess, "sender", "late@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// Recipient signs up after the letter was sealed.
	f.enroll(t, "late", "late@example.com", "late-pass")

	recon := NewReconciler(f.engine, zerolog.Nop())
	if n := recon.ReconcileAuthor(ctx, f.sess, "sender"); n != 1 {
		t.Fatalf("reconciled %d letters, want 1", n)
	}

	stored, err := f.st.Letters().Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.RecipientEncrypted {
		t.Fatal("letter still pending after reconcile")
	}

	got, err := f.engine.Open(ctx, f.sess, "late", stored, RoleRecipient)
	if err != nil {
		t.Fatalf("open as recipient: %v", err)
	}
	if *got != testLetter {
		t.Fatalf("mismatch after reconcile: %+v", got)
	}
	// Sender keeps access through the fresh wrap.
	if got, err := f.engine.Open(ctx, f.sess, "sender", stored, RoleSender); err != nil || *got != testLetter {
		t.Fatalf("sender reopen: %+v %v", got, err)
	}

	// Second run is a no-op.
	if n := recon.ReconcileAuthor(ctx, f.sess, "sender"); n != 0 {
		t.Fatalf("second reconcile touched %d letters", n)
	}
}

func legacyEnroll(t *testing.T, f *fixture, id, email string) {
	t.Helper()
	raw, err := codec.RandomBytes(crypto.KeySize)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	err = f.st.Put(context.Background(), &store.UserKeyRecord{
		UserID:       id,
		Email:        email,
		Version:      store.VersionLegacy,
		EncryptedKey: raw,
	})
	if err != nil {
		t.Fatalf("put legacy %s: %v", id, err)
	}
	if err := f.manager.SignIn(context.Background(), f.sess, id, nil); err != nil {
		t.Fatalf("legacy sign in %s: %v", id, err)
	}
}

func TestLegacySenderServerRekey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	legacyEnroll(t, f, "oldtimer", "oldtimer@example.com")

	rec, err := f.engine.Seal(ctx, f.sess, "oldtimer", "reader@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if rec.RecipientEncrypted {
		t.Fatal("recipient unknown; should be pending")
	}

	// Sender without RSA still reads their own letter.
	if got, err := f.engine.Open(ctx, f.sess, "oldtimer", rec, RoleSender); err != nil || *got != testLetter {
		t.Fatalf("legacy sender open: %+v %v", got, err)
	}

	// Recipient signs up; the privileged server-side rekeyer runs.
	f.enroll(t, "reader", "reader@example.com", "reader-pass")
	rk := NewServerRekeyer(f.st, f.st.Letters(), f.st, f.st, zerolog.Nop())
	if err := rk.Rekey(ctx, []string{rec.ID}); err != nil {
		t.Fatalf("rekey: %v", err)
	}

	stored, err := f.st.Letters().Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.RecipientEncrypted {
		t.Fatal("rekey did not mark letter recipient-encrypted")
	}
	if got, err := f.engine.Open(ctx, f.sess, "reader", stored, RoleRecipient); err != nil || *got != testLetter {
		t.Fatalf("recipient open after rekey: %+v %v", got, err)
	}
}

func TestLegacyBothPartiesServerRekey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	legacyEnroll(t, f, "s1", "s1@example.com")
	legacyEnroll(t, f, "r1", "r1@example.com")

	rec, err := f.engine.Seal(ctx, f.sess, "s1", "r1@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	rk := NewServerRekeyer(f.st, f.st.Letters(), f.st, f.st, zerolog.Nop())
	if err := rk.Rekey(ctx, []string{rec.ID}); err != nil {
		t.Fatalf("rekey: %v", err)
	}
	stored, err := f.st.Letters().Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.RecipientEncrypted {
		t.Fatal("letter still pending")
	}
	if got, err := f.engine.Open(ctx, f.sess, "r1", stored, RoleRecipient); err != nil || *got != testLetter {
		t.Fatalf("legacy recipient open: %+v %v", got, err)
	}
}

func TestOpenWrongParty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "sender", "sender@example.com", "pw1")
	f.enroll(t, "reader", "reader@example.com", "pw2")

	rec, err := f.engine.Seal(ctx, f.sess, "sender", "reader@example.com", time.Now(), testLetter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := f.engine.Open(ctx, f.sess, "reader", rec, RoleSender); !errors.Is(err, ErrNotAParty) {
		t.Fatalf("want ErrNotAParty, got %v", err)
	}
	// A third account's private key cannot unwrap either column.
	f.enroll(t, "intruder", "intruder@example.com", "pw3")
	if _, err := f.engine.Open(ctx, f.sess, "intruder", rec, RoleRecipient); err == nil {
		t.Fatal("expected unwrap failure for non-party key")
	}
}

func TestEmptySketchStaysEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.enroll(t, "sender", "sender@example.com", "pw1")
	letter := Letter{Title: "T", Body: "B", Signature: "S"}
	rec, err := f.engine.Seal(ctx, f.sess, "sender", "nobody@example.com", time.Now(), letter)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if rec.SketchData != "" {
		t.Fatalf("absent sketch stored as %q", rec.SketchData)
	}
	got, err := f.engine.Open(ctx, f.sess, "sender", rec, RoleSender)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.Sketch != "" {
		t.Fatalf("sketch = %q, want empty", got.Sketch)
	}
}
