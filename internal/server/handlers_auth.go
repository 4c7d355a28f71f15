package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jhossain3/signed-letters-sub000/internal/audit"
	"github.com/jhossain3/signed-letters-sub000/internal/auth"
	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/recovery"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

type signupReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signupResp struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	RecoveryCode string    `json:"recovery_code"`
	Note         string    `json:"note"`
}

type loginResp struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type passwordResetReq struct {
	Email        string `json:"email"`
	RecoveryCode string `json:"recovery_code"`
	NewPassword  string `json:"new_password"`
}

type passwordResetResp struct {
	RecoveryCode string `json:"recovery_code"`
	Note         string `json:"note"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req signupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" || !isValidEmail(email) {
		http.Error(w, "valid email required", http.StatusBadRequest)
		return
	}
	if err := validatePassword(req.Password); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}

	hash, err := auth.HashPassword(auth.DefaultArgon, req.Password)
	if err != nil {
		http.Error(w, "hash password failed", http.StatusInternalServerError)
		return
	}
	user := &auth.User{
		ID:       uuid.NewString(),
		Email:    email,
		PassHash: hash,
		Roles:    []auth.Role{auth.RoleUser},
	}
	if err := s.users.Add(r.Context(), user); err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			http.Error(w, "email already registered", http.StatusConflict)
			return
		}
		http.Error(w, "signup failed", http.StatusInternalServerError)
		return
	}

	password := []byte(req.Password)
	req.Password = ""
	defer crypto.Zero(password)

	sess := keyring.NewSession()
	if err := s.manager.Enroll(r.Context(), sess, user.ID, email, password); err != nil {
		sess.Close()
		s.log.Error().Str("user", user.ID).Err(err).Msg("key enrollment failed")
		http.Error(w, "key enrollment failed", http.StatusInternalServerError)
		return
	}
	s.audit.Record(user.ID, audit.EventEnroll)

	dataKey, err := s.manager.DataKey(sess, user.ID)
	if err != nil {
		sess.Close()
		http.Error(w, "key enrollment failed", http.StatusInternalServerError)
		return
	}
	code, err := s.recovery.Issue(r.Context(), user.ID, dataKey)
	if err != nil {
		sess.Close()
		http.Error(w, "recovery setup failed", http.StatusInternalServerError)
		return
	}
	s.audit.Record(user.ID, audit.EventRecoveryRotated)
	s.putSession(user.ID, sess)

	// Letters sealed for this address before the account existed. The
	// server-side path only helps for legacy senders; the rest re-wrap
	// when their sender next signs in.
	s.rekeyPendingFor(r, user.ID, email)

	tok, exp, err := s.signer.IssueToken(user.ID, user.Email, user.Roles)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSONStatus(w, http.StatusCreated, signupResp{
		Token:        tok,
		ExpiresAt:    exp,
		RecoveryCode: code,
		Note:         "Store the recovery code now; it is shown exactly once.",
	})
}

func (s *Server) rekeyPendingFor(r *http.Request, userID, email string) {
	pending, err := s.letters.ForRecipient(r.Context(), email)
	if err != nil {
		s.log.Warn().Str("email", email).Err(err).Msg("pending letter lookup failed")
		return
	}
	var ids []string
	for _, rec := range pending {
		if !rec.RecipientEncrypted {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := s.rekeyer.Rekey(r.Context(), ids); err != nil {
		s.log.Warn().Str("user", userID).Err(err).Msg("signup rekey failed")
		return
	}
	s.audit.Record(userID, audit.EventServerRekey)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlLoginIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}
	if !s.rlLoginID.allow(email) {
		tooMany(w, 60)
		return
	}

	user, err := s.users.FindByEmail(r.Context(), email)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	ok, err := auth.VerifyPassword(req.Password, user.PassHash)
	if err != nil || !ok {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	password := []byte(req.Password)
	req.Password = ""
	defer crypto.Zero(password)

	// The password is in hand: migrate a legacy account now. Failure is
	// logged inside and never blocks the login.
	if s.migrator.Run(r.Context(), user.ID, password) {
		s.audit.Record(user.ID, audit.EventPromote)
	}

	sess := keyring.NewSession()
	if err := s.manager.SignIn(r.Context(), sess, user.ID, password); err != nil {
		sess.Close()
		if errors.Is(err, keyring.ErrWrongPassword) {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		s.log.Error().Str("user", user.ID).Err(err).Msg("key sign-in failed")
		http.Error(w, "sign-in failed", http.StatusInternalServerError)
		return
	}
	s.putSession(user.ID, sess)
	s.audit.Record(user.ID, audit.EventSignIn)

	if n := s.reconciler.ReconcileAuthor(r.Context(), sess, user.ID); n > 0 {
		s.audit.Record(user.ID, audit.EventLetterReconciled)
	}

	tok, exp, err := s.signer.IssueToken(user.ID, user.Email, user.Roles)
	if err != nil {
		http.Error(w, "token issue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, loginResp{Token: tok, ExpiresAt: exp})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	s.dropSession(claims.Sub)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	unlocked := false
	if sess := s.sessionFor(claims.Sub); sess != nil {
		_, keyErr := s.manager.DataKey(sess, claims.Sub)
		unlocked = keyErr == nil
	}
	writeJSON(w, map[string]any{
		"user":     claims.Sub,
		"email":    claims.Email,
		"unlocked": unlocked,
	})
}

func (s *Server) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.rlResetIP.allow(getClientIP(r)) {
		tooMany(w, 300)
		return
	}
	var req passwordResetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	email := auth.NormalizeEmail(req.Email)
	if email == "" || strings.TrimSpace(req.RecoveryCode) == "" {
		http.Error(w, "email and recovery code required", http.StatusBadRequest)
		return
	}
	if !s.rlResetID.allow(email) {
		tooMany(w, 300)
		return
	}
	if err := validatePassword(req.NewPassword); err != nil {
		http.Error(w, "weak password: "+err.Error(), http.StatusBadRequest)
		return
	}

	// One generic failure for unknown email, wrong code, or unmigrated
	// account, so the endpoint does not confirm which addresses exist.
	fail := func() {
		http.Error(w, "invalid recovery code", http.StatusUnauthorized)
	}

	userID, err := s.dir.UserIDByEmail(r.Context(), email)
	if err != nil {
		fail()
		return
	}

	newPassword := []byte(req.NewPassword)
	req.NewPassword = ""
	defer crypto.Zero(newPassword)

	res, err := s.recovery.ResetPassword(r.Context(), userID, req.RecoveryCode, newPassword)
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrWrongCode),
			errors.Is(err, recovery.ErrNotConfigured),
			errors.Is(err, recovery.ErrLegacyAccount),
			errors.Is(err, store.ErrNotFound):
			fail()
		default:
			s.log.Error().Str("user", userID).Err(err).Msg("password reset failed")
			http.Error(w, "reset failed", http.StatusInternalServerError)
		}
		return
	}

	hash, err := auth.HashPassword(auth.DefaultArgon, string(newPassword))
	if err != nil {
		http.Error(w, "reset failed", http.StatusInternalServerError)
		return
	}
	if err := s.users.UpdatePassword(r.Context(), userID, hash); err != nil {
		s.log.Error().Str("user", userID).Err(err).Msg("login hash update failed after reset")
	}

	// Old sessions hold keys wrapped state from before the reset.
	s.dropSession(userID)
	s.audit.Record(userID, audit.EventPasswordReset)

	writeJSON(w, passwordResetResp{
		RecoveryCode: res.NewCode,
		Note:         "Password updated and recovery code rotated. Store the new code; the old one is dead.",
	})
}

func (s *Server) handleRecoveryMeta(w http.ResponseWriter, r *http.Request) {
	if !s.rlLookupIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}
	email := auth.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}
	meta, err := s.lookup.RecoveryMetaByEmail(r.Context(), email)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	// Unknown address and no-recovery-configured are the same answer.
	writeJSON(w, map[string]any{"configured": meta.Configured})
}

func (s *Server) handlePublicKeyLookup(w http.ResponseWriter, r *http.Request) {
	if !s.rlLookupIP.allow(getClientIP(r)) {
		tooMany(w, 60)
		return
	}
	email := auth.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		http.Error(w, "email required", http.StatusBadRequest)
		return
	}
	pub, err := s.lookup.PublicKeyByEmail(r.Context(), email)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"public_key": string(pub)})
}

func (s *Server) handleRecoveryRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	sess := s.sessionFor(claims.Sub)
	if sess == nil {
		http.Error(w, "reauthentication required", http.StatusUnauthorized)
		return
	}
	dataKey, err := s.manager.DataKey(sess, claims.Sub)
	if err != nil {
		http.Error(w, "reauthentication required", http.StatusUnauthorized)
		return
	}

	code, err := s.recovery.Issue(r.Context(), claims.Sub, dataKey)
	if err != nil {
		if errors.Is(err, recovery.ErrLegacyAccount) {
			http.Error(w, "account not yet migrated", http.StatusConflict)
			return
		}
		http.Error(w, "recovery rotation failed", http.StatusInternalServerError)
		return
	}
	s.audit.Record(claims.Sub, audit.EventRecoveryRotated)
	writeJSON(w, map[string]string{
		"recovery_code": code,
		"note":          "Previous code is no longer valid.",
	})
}
