package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jhossain3/signed-letters-sub000/internal/audit"
	"github.com/jhossain3/signed-letters-sub000/internal/auth"
	"github.com/jhossain3/signed-letters-sub000/internal/envelope"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

type sealReq struct {
	RecipientEmail string `json:"recipient_email"`
	DeliverAfter   string `json:"deliver_after"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	Signature      string `json:"signature"`
	Sketch         string `json:"sketch,omitempty"`
}

type letterMeta struct {
	ID                 string    `json:"id"`
	RecipientEmail     string    `json:"recipient_email"`
	DeliverAfter       time.Time `json:"deliver_after"`
	RecipientEncrypted bool      `json:"recipient_encrypted"`
	CreatedAt          time.Time `json:"created_at"`
}

type openedLetter struct {
	ID             string    `json:"id"`
	RecipientEmail string    `json:"recipient_email"`
	DeliverAfter   time.Time `json:"deliver_after"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	Signature      string    `json:"signature"`
	Sketch         string    `json:"sketch,omitempty"`
}

func (s *Server) requireKeySession(w http.ResponseWriter, r *http.Request) (*auth.Claims, *keyring.Session, bool) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return nil, nil, false
	}
	sess := s.sessionFor(claims.Sub)
	if sess == nil {
		http.Error(w, "reauthentication required", http.StatusUnauthorized)
		return nil, nil, false
	}
	return claims, sess, true
}

func (s *Server) handleLetters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSeal(w, r)
	case http.MethodGet:
		s.handleListOutbox(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	claims, sess, ok := s.requireKeySession(w, r)
	if !ok {
		return
	}
	var req sealReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	recipient := auth.NormalizeEmail(req.RecipientEmail)
	// An omitted recipient, or your own address, is a letter to
	// yourself.
	self := recipient == "" || recipient == auth.NormalizeEmail(claims.Email)
	if !self && !isValidEmail(recipient) {
		http.Error(w, "valid recipient_email required", http.StatusBadRequest)
		return
	}
	deliverAfter, err := time.Parse(time.RFC3339, req.DeliverAfter)
	if err != nil {
		http.Error(w, "deliver_after must be RFC 3339", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Body) == "" {
		http.Error(w, "title and body required", http.StatusBadRequest)
		return
	}

	letter := envelope.Letter{
		Title:     req.Title,
		Body:      req.Body,
		Signature: req.Signature,
		Sketch:    req.Sketch,
	}
	var rec *store.LetterRecord
	if self {
		recipient = auth.NormalizeEmail(claims.Email)
		rec, err = s.sealSelf(r.Context(), sess, claims, deliverAfter, letter)
	} else {
		rec, err = s.engine.Seal(r.Context(), sess, claims.Sub, recipient, deliverAfter, letter)
	}
	if err != nil {
		if errors.Is(err, keyring.ErrReauthRequired) {
			http.Error(w, "reauthentication required", http.StatusUnauthorized)
			return
		}
		s.log.Error().Str("user", claims.Sub).Err(err).Msg("seal failed")
		http.Error(w, "seal failed", http.StatusInternalServerError)
		return
	}
	s.audit.Record(claims.Sub, audit.EventLetterSealed)

	if s.mail.Enabled() {
		if err := s.mail.SendDeliveryNotice(recipient, claims.Email, deliverAfter); err != nil {
			s.log.Warn().Str("letter", rec.ID).Err(err).Msg("delivery notice failed")
		}
	}

	writeJSONStatus(w, http.StatusCreated, letterMeta{
		ID:                 rec.ID,
		RecipientEmail:     rec.RecipientEmail,
		DeliverAfter:       rec.DeliverAfter,
		RecipientEncrypted: rec.RecipientEncrypted,
		CreatedAt:          rec.CreatedAt,
	})
}

// sealSelf stores a self-addressed letter. It never touches the
// envelope engine: each field is sealed directly under the author's
// session data key, so no content key and no RSA wrap exist for it.
func (s *Server) sealSelf(ctx context.Context, sess *keyring.Session, claims *auth.Claims, deliverAfter time.Time, letter envelope.Letter) (*store.LetterRecord, error) {
	rec := &store.LetterRecord{
		ID:                 uuid.NewString(),
		AuthorID:           claims.Sub,
		RecipientEmail:     auth.NormalizeEmail(claims.Email),
		DeliverAfter:       deliverAfter,
		RecipientEncrypted: true,
	}
	var err error
	if rec.Title, err = s.manager.EncryptField(sess, claims.Sub, letter.Title); err != nil {
		return nil, err
	}
	if rec.Body, err = s.manager.EncryptField(sess, claims.Sub, letter.Body); err != nil {
		return nil, err
	}
	if rec.Signature, err = s.manager.EncryptField(sess, claims.Sub, letter.Signature); err != nil {
		return nil, err
	}
	if rec.SketchData, err = s.manager.EncryptField(sess, claims.Sub, letter.Sketch); err != nil {
		return nil, err
	}
	if err := s.letters.Put(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Server) openSelf(sess *keyring.Session, userID string, rec *store.LetterRecord) (*envelope.Letter, error) {
	out := &envelope.Letter{}
	var err error
	if out.Title, err = s.manager.DecryptField(sess, userID, rec.Title); err != nil {
		return nil, err
	}
	if out.Body, err = s.manager.DecryptField(sess, userID, rec.Body); err != nil {
		return nil, err
	}
	if out.Signature, err = s.manager.DecryptField(sess, userID, rec.Signature); err != nil {
		return nil, err
	}
	out.Sketch, err = s.manager.DecryptField(sess, userID, rec.SketchData)
	return out, err
}

func (s *Server) handleListOutbox(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	recs, err := s.letters.ByAuthor(r.Context(), claims.Sub)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	out := make([]letterMeta, 0, len(recs))
	for _, rec := range recs {
		out = append(out, letterMeta{
			ID:                 rec.ID,
			RecipientEmail:     rec.RecipientEmail,
			DeliverAfter:       rec.DeliverAfter,
			RecipientEncrypted: rec.RecipientEncrypted,
			CreatedAt:          rec.CreatedAt,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleLetterByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, sess, ok := s.requireKeySession(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/letters/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	rec, err := s.letters.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "load failed", http.StatusInternalServerError)
		return
	}

	var letter *envelope.Letter
	if len(rec.SenderWrappedContentKey) == 0 && len(rec.RecipientWrappedContentKey) == 0 {
		// Self-addressed: sealed under the author's data key, readable
		// by nobody else.
		if rec.AuthorID != claims.Sub {
			http.NotFound(w, r)
			return
		}
		letter, err = s.openSelf(sess, claims.Sub, rec)
	} else {
		var role envelope.Role
		switch {
		case rec.AuthorID == claims.Sub:
			role = envelope.RoleSender
		case rec.RecipientEmail == claims.Email:
			role = envelope.RoleRecipient
			if time.Now().Before(rec.DeliverAfter) {
				http.Error(w, "letter is sealed until its delivery date", http.StatusForbidden)
				return
			}
		default:
			// Non-parties get the same answer as a missing letter.
			http.NotFound(w, r)
			return
		}
		letter, err = s.engine.Open(r.Context(), sess, claims.Sub, rec, role)
	}
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrNotYetReadable):
			http.Error(w, "letter is not yet readable; sender must sign in first", http.StatusConflict)
		case errors.Is(err, keyring.ErrReauthRequired):
			http.Error(w, "reauthentication required", http.StatusUnauthorized)
		default:
			s.log.Error().Str("letter", rec.ID).Err(err).Msg("open failed")
			http.Error(w, "open failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, openedLetter{
		ID:             rec.ID,
		RecipientEmail: rec.RecipientEmail,
		DeliverAfter:   rec.DeliverAfter,
		Title:          letter.Title,
		Body:           letter.Body,
		Signature:      letter.Signature,
		Sketch:         letter.Sketch,
	})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	recs, err := s.letters.ForRecipient(r.Context(), claims.Email)
	if err != nil {
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	type inboxEntry struct {
		ID           string    `json:"id"`
		DeliverAfter time.Time `json:"deliver_after"`
		Readable     bool      `json:"readable"`
	}
	out := make([]inboxEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, inboxEntry{
			ID:           rec.ID,
			DeliverAfter: rec.DeliverAfter,
			Readable:     rec.RecipientEncrypted && !now.Before(rec.DeliverAfter),
		})
	}
	writeJSON(w, out)
}

type rekeyReq struct {
	LetterIDs []string `json:"letter_ids"`
}

func (s *Server) handleAdminRekey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	claims, err := auth.MustClaims(r)
	if err != nil {
		http.Error(w, "no auth context", http.StatusUnauthorized)
		return
	}
	var req rekeyReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.LetterIDs) == 0 {
		http.Error(w, "letter_ids required", http.StatusBadRequest)
		return
	}
	if err := s.rekeyer.Rekey(r.Context(), req.LetterIDs); err != nil {
		http.Error(w, "rekey failed", http.StatusInternalServerError)
		return
	}
	s.audit.Record(claims.Sub, audit.EventServerRekey)
	writeJSON(w, map[string]any{"submitted": len(req.LetterIDs)})
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.audit.Verify(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if user := r.URL.Query().Get("user"); user != "" {
		writeJSON(w, s.audit.ByUser(user))
		return
	}
	writeJSON(w, s.audit.Entries())
}
