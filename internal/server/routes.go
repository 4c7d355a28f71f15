package server

import (
	"net/http"

	"github.com/jhossain3/signed-letters-sub000/internal/auth"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/health", s.handleHealth)

	// Public.
	s.mux.HandleFunc("/api/signup", s.handleSignup)
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/password/reset", s.handlePasswordReset)
	s.mux.HandleFunc("/api/recovery/meta", s.handleRecoveryMeta)
	s.mux.HandleFunc("/api/lookup/public-key", s.handlePublicKeyLookup)

	// Authenticated.
	s.mux.HandleFunc("/api/logout", s.handleLogout)
	s.mux.HandleFunc("/api/session", s.handleSession)
	s.mux.HandleFunc("/api/letters", s.handleLetters)
	s.mux.HandleFunc("/api/letters/", s.handleLetterByID)
	s.mux.HandleFunc("/api/inbox", s.handleInbox)
	s.mux.HandleFunc("/api/recovery", s.handleRecoveryRotate)

	// Privileged.
	adminOnly := auth.RequireRole(auth.RoleAdmin)
	s.mux.Handle("/api/admin/rekey", adminOnly(http.HandlerFunc(s.handleAdminRekey)))
	s.mux.Handle("/api/admin/audit", adminOnly(http.HandlerFunc(s.handleAdminAudit)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
