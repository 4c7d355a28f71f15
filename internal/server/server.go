// Package server exposes the key-management subsystem over HTTP: signup
// and login drive key enrollment, unwrapping and opportunistic
// migration; the letter routes drive the envelope engine; the recovery
// routes drive escrow rotation and password reset.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jhossain3/signed-letters-sub000/internal/audit"
	"github.com/jhossain3/signed-letters-sub000/internal/auth"
	"github.com/jhossain3/signed-letters-sub000/internal/envelope"
	"github.com/jhossain3/signed-letters-sub000/internal/keyring"
	"github.com/jhossain3/signed-letters-sub000/internal/migrate"
	"github.com/jhossain3/signed-letters-sub000/internal/recovery"
	"github.com/jhossain3/signed-letters-sub000/internal/store"
)

type Server struct {
	cfg Config
	mux *http.ServeMux
	log zerolog.Logger

	signer  *auth.JWTSigner
	users   auth.UserStore
	keys    store.KeyStore
	lookup  store.Lookup
	dir     store.Directory
	letters store.LetterStore

	manager    *keyring.Manager
	engine     *envelope.Engine
	reconciler *envelope.Reconciler
	rekeyer    *envelope.ServerRekeyer
	recovery   *recovery.Subsystem
	migrator   *migrate.Coordinator
	audit      *audit.Log
	mail       mailer

	mu       sync.Mutex
	sessions map[string]*keyring.Session

	rlLoginIP  *keyedLimiter
	rlLoginID  *keyedLimiter
	rlResetIP  *keyedLimiter
	rlResetID  *keyedLimiter
	rlLookupIP *keyedLimiter
}

// New connects to MongoDB and assembles the full server.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Server, error) {
	cfg.setDefaults()
	if cfg.MongoURI == "" {
		return nil, errors.New("server: MongoURI required")
	}
	if cfg.MongoDB == "" {
		return nil, errors.New("server: MongoDB required")
	}

	st, err := store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return nil, err
	}
	users, err := auth.NewMongoUserStore(ctx, st.Client(), cfg.MongoDB, cfg.UsersCollection)
	if err != nil {
		return nil, err
	}
	return NewWithStores(ctx, cfg, log, users, st, st.Letters(), st, st)
}

// NewWithStores assembles the server on explicit stores. Tests use it
// with the in-memory implementations.
func NewWithStores(ctx context.Context, cfg Config, log zerolog.Logger, users auth.UserStore, keys store.KeyStore, letters store.LetterStore, lookup store.Lookup, dir store.Directory) (*Server, error) {
	cfg.setDefaults()

	priv, _, err := auth.GenerateEd25519()
	if err != nil {
		return nil, err
	}

	manager := keyring.NewManager(keys, log)
	engine := envelope.NewEngine(keys, letters, lookup, manager, log)

	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		log:        log,
		signer:     auth.NewJWTSigner(priv, cfg.JWTIssuer, cfg.TokenTTL),
		users:      users,
		keys:       keys,
		lookup:     lookup,
		dir:        dir,
		letters:    letters,
		manager:    manager,
		engine:     engine,
		reconciler: envelope.NewReconciler(engine, log),
		rekeyer:    envelope.NewServerRekeyer(keys, letters, dir, lookup, log),
		recovery:   recovery.NewSubsystem(keys, log),
		migrator:   migrate.NewCoordinator(keys, log),
		audit:      audit.New(),
		sessions:   map[string]*keyring.Session{},
	}
	s.mail = newSMTPMailer(cfg.SMTP, log)

	perWindow := func(n int, window time.Duration) rate.Limit {
		return rate.Limit(float64(n) / window.Seconds())
	}
	s.rlLoginIP = newKeyedLimiter(perWindow(10, time.Minute), 10, time.Hour)
	s.rlLoginID = newKeyedLimiter(perWindow(5, time.Minute), 5, time.Hour)
	s.rlResetIP = newKeyedLimiter(perWindow(10, 15*time.Minute), 10, 30*time.Minute)
	s.rlResetID = newKeyedLimiter(perWindow(3, 15*time.Minute), 3, 30*time.Minute)
	s.rlLookupIP = newKeyedLimiter(perWindow(30, time.Minute), 30, 10*time.Minute)

	if err := s.seedAdmin(ctx); err != nil {
		return nil, err
	}

	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}()

	s.addDefaultHeaders(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/api/") && !s.isPublic(r.URL.Path) {
		auth.AuthRequired(s.signer)(s.mux).ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler { return s }

func (s *Server) isPublic(path string) bool {
	switch path {
	case "/health", "/api/health",
		"/api/signup", "/api/login",
		"/api/password/reset",
		"/api/recovery/meta", "/api/lookup/public-key":
		return true
	default:
		return false
	}
}

func (s *Server) addDefaultHeaders(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	if strings.HasPrefix(r.URL.Path, "/api/") {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
}

// sessionFor returns the key session of a signed-in account, or nil.
func (s *Server) sessionFor(userID string) *keyring.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[userID]
}

func (s *Server) putSession(userID string, sess *keyring.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.sessions[userID]; ok && old != sess {
		old.Close()
	}
	s.sessions[userID] = sess
}

func (s *Server) dropSession(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		sess.Close()
		delete(s.sessions, userID)
	}
}

// Close tears down every cached key session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.Close()
		delete(s.sessions, id)
	}
}

func (s *Server) seedAdmin(ctx context.Context) error {
	email := auth.NormalizeEmail(s.cfg.Admin.Email)
	if email == "" || strings.TrimSpace(s.cfg.Admin.Password) == "" {
		return nil
	}
	if _, err := s.users.FindByEmail(ctx, email); err == nil {
		return nil
	}
	hash, err := auth.HashPassword(auth.DefaultArgon, s.cfg.Admin.Password)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if err := s.users.Add(ctx, &auth.User{
		ID:       id,
		Email:    email,
		PassHash: hash,
		Roles:    []auth.Role{auth.RoleAdmin, auth.RoleUser},
	}); err != nil {
		return err
	}

	sess := keyring.NewSession()
	defer sess.Close()
	if err := s.manager.Enroll(ctx, sess, id, email, []byte(s.cfg.Admin.Password)); err != nil {
		return err
	}
	s.log.Info().Str("email", email).Msg("seeded admin account")
	return nil
}
