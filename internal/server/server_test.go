package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/jhossain3/signed-letters-sub000/internal/auth"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st := store.NewMemoryStore()
	srv, err := NewWithStores(context.Background(), Config{}, zerolog.Nop(),
		auth.NewMemoryUserStore(), st, st.Letters(), st, st)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func signup(t *testing.T, ts *httptest.Server, email, password string) signupResp {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/signup", "", signupReq{Email: email, Password: password})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: status %d", email, resp.StatusCode)
	}
	out := decode[signupResp](t, resp)
	if out.Token == "" || out.RecoveryCode == "" {
		t.Fatalf("signup %s: missing token or recovery code", email)
	}
	return out
}

func login(t *testing.T, ts *httptest.Server, email, password string) loginResp {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/login", "", auth.LoginRequest{Email: email, Password: password})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	return decode[loginResp](t, resp)
}

func TestSealAndOpenOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	sender := signup(t, ts, "sender@example.com", "CorrectHorse9!")
	reader := signup(t, ts, "reader@example.com", "BatteryStaple7!")

	resp := postJSON(t, ts.URL+"/api/letters", sender.Token, sealReq{
		RecipientEmail: "reader@example.com",
		DeliverAfter:   time.Now().Add(-time.Hour).Format(time.RFC3339),
		Title:          "Hello",
		Body:           "World",
		Signature:      "Me",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("seal: status %d", resp.StatusCode)
	}
	meta := decode[letterMeta](t, resp)
	if !meta.RecipientEncrypted {
		t.Fatal("recipient had keys; letter should be recipient-encrypted")
	}

	for _, tok := range []string{sender.Token, reader.Token} {
		resp := getJSON(t, ts.URL+"/api/letters/"+meta.ID, tok)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("open: status %d", resp.StatusCode)
		}
		got := decode[openedLetter](t, resp)
		if got.Title != "Hello" || got.Body != "World" || got.Signature != "Me" {
			t.Fatalf("decrypted letter mismatch: %+v", got)
		}
	}
}

func TestSelfAddressedLetterUsesOwnDataKey(t *testing.T) {
	srv, ts := newTestServer(t)
	me := signup(t, ts, "me@example.com", "CorrectHorse9!")
	other := signup(t, ts, "other@example.com", "BatteryStaple7!")

	// An empty recipient and your own address both mean a letter to
	// yourself.
	for _, recipient := range []string{"", "me@example.com"} {
		resp := postJSON(t, ts.URL+"/api/letters", me.Token, sealReq{
			RecipientEmail: recipient,
			DeliverAfter:   time.Now().Add(-time.Hour).Format(time.RFC3339),
			Title:          "Dear future me",
			Body:           "Keep going",
			Signature:      "Past me",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("seal self (recipient %q): status %d", recipient, resp.StatusCode)
		}
		meta := decode[letterMeta](t, resp)
		if meta.RecipientEmail != "me@example.com" {
			t.Fatalf("recipient = %q, want author's address", meta.RecipientEmail)
		}

		// No envelope: the stored fields are data-key tokens and there
		// is no wrapped content key in either column.
		rec, err := srv.letters.Get(context.Background(), meta.ID)
		if err != nil {
			t.Fatalf("load letter: %v", err)
		}
		if len(rec.SenderWrappedContentKey) != 0 || len(rec.RecipientWrappedContentKey) != 0 {
			t.Fatal("self-addressed letter must not carry wrapped content keys")
		}
		if !keyring.IsEncrypted(rec.Title) || !keyring.IsEncrypted(rec.Body) {
			t.Fatalf("fields stored unencrypted: %q / %q", rec.Title, rec.Body)
		}

		resp = getJSON(t, ts.URL+"/api/letters/"+meta.ID, me.Token)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("open self: status %d", resp.StatusCode)
		}
		got := decode[openedLetter](t, resp)
		if got.Title != "Dear future me" || got.Body != "Keep going" || got.Signature != "Past me" {
			t.Fatalf("decrypted letter mismatch: %+v", got)
		}

		// Nobody else can read it, same answer as a missing letter.
		if resp := getJSON(t, ts.URL+"/api/letters/"+meta.ID, other.Token); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("other account: status %d", resp.StatusCode)
		}
	}
}

func TestDeliveryDateEnforcedForRecipientOnly(t *testing.T) {
	_, ts := newTestServer(t)
	sender := signup(t, ts, "sender@example.com", "CorrectHorse9!")
	reader := signup(t, ts, "reader@example.com", "BatteryStaple7!")

	resp := postJSON(t, ts.URL+"/api/letters", sender.Token, sealReq{
		RecipientEmail: "reader@example.com",
		DeliverAfter:   time.Now().Add(24 * time.Hour).Format(time.RFC3339),
		Title:          "Future",
		Body:           "Later",
	})
	meta := decode[letterMeta](t, resp)

	if resp := getJSON(t, ts.URL+"/api/letters/"+meta.ID, reader.Token); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("recipient before delivery date: status %d", resp.StatusCode)
	}
	// The author is never locked out of their own letter.
	if resp := getJSON(t, ts.URL+"/api/letters/"+meta.ID, sender.Token); resp.StatusCode != http.StatusOK {
		t.Fatalf("sender open: status %d", resp.StatusCode)
	}
}

func TestPendingLetterReconciledAtSenderLogin(t *testing.T) {
	_, ts := newTestServer(t)
	sender := signup(t, ts, "sender@example.com", "CorrectHorse9!")

	resp := postJSON(t, ts.URL+"/api/letters", sender.Token, sealReq{
		RecipientEmail: "late@example.com",
		DeliverAfter:   time.Now().Add(-time.Hour).Format(time.RFC3339),
		Title:          "Waiting",
		Body:           "For you",
	})
	meta := decode[letterMeta](t, resp)
	if meta.RecipientEncrypted {
		t.Fatal("recipient unknown; letter must start pending")
	}

	late := signup(t, ts, "late@example.com", "BatteryStaple7!")

	// Pending until the sender's next sign-in re-wraps it.
	if resp := getJSON(t, ts.URL+"/api/letters/"+meta.ID, late.Token); resp.StatusCode != http.StatusConflict {
		t.Fatalf("before reconcile: status %d", resp.StatusCode)
	}
	login(t, ts, "sender@example.com", "CorrectHorse9!")
	resp = getJSON(t, ts.URL+"/api/letters/"+meta.ID, late.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("after reconcile: status %d", resp.StatusCode)
	}
	got := decode[openedLetter](t, resp)
	if got.Title != "Waiting" {
		t.Fatalf("letter = %+v", got)
	}
}

func TestPasswordResetOverHTTP(t *testing.T) {
	_, ts := newTestServer(t)
	acct := signup(t, ts, "user@example.com", "CorrectHorse9!")

	resp := postJSON(t, ts.URL+"/api/password/reset", "", passwordResetReq{
		Email:        "user@example.com",
		RecoveryCode: acct.RecoveryCode,
		NewPassword:  "BatteryStaple7!",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status %d", resp.StatusCode)
	}
	out := decode[passwordResetResp](t, resp)
	if out.RecoveryCode == "" || out.RecoveryCode == acct.RecoveryCode {
		t.Fatal("reset must rotate the recovery code")
	}

	if resp := postJSON(t, ts.URL+"/api/login", "", auth.LoginRequest{Email: "user@example.com", Password: "CorrectHorse9!"}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old password: status %d", resp.StatusCode)
	}
	login(t, ts, "user@example.com", "BatteryStaple7!")

	// The consumed code cannot be replayed.
	resp = postJSON(t, ts.URL+"/api/password/reset", "", passwordResetReq{
		Email:        "user@example.com",
		RecoveryCode: acct.RecoveryCode,
		NewPassword:  "ThirdPassword5!",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("replayed code: status %d", resp.StatusCode)
	}
}

func TestLookupsDoNotRevealRegistration(t *testing.T) {
	_, ts := newTestServer(t)
	signup(t, ts, "known@example.com", "CorrectHorse9!")

	for _, email := range []string{"known@example.com", "unknown@example.com"} {
		resp := getJSON(t, ts.URL+"/api/recovery/meta?email="+email, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("meta %s: status %d", email, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := getJSON(t, ts.URL+"/api/lookup/public-key?email=unknown@example.com", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unknown lookup: status %d", resp.StatusCode)
	}
	out := decode[map[string]string](t, resp)
	if out["public_key"] != "" {
		t.Fatal("unknown email must yield an empty public key")
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	_, ts := newTestServer(t)
	resp := getJSON(t, ts.URL+"/api/letters", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}
	resp.Body.Close()
}
