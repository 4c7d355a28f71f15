package keyring

import (
	"crypto/rsa"
	"sync"

	"github.com/jhossain3/signed-letters-sub000/internal/crypto"
)

// Session caches unwrapped key handles for the life of one authenticated
// session. It is populated by successful unwrap operations and read by
// every later encrypt/decrypt call; callers never re-derive from the
// password after the first unwrap. Nothing here survives process
// restart, and Close tears everything down on logout.
type Session struct {
	mu   sync.RWMutex
	data map[string]*crypto.KeyHandle
	priv map[string]*rsa.PrivateKey
}

func NewSession() *Session {
	return &Session{
		data: map[string]*crypto.KeyHandle{},
		priv: map[string]*rsa.PrivateKey{},
	}
}

func (s *Session) dataKey(userID string) (*crypto.KeyHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.data[userID]
	return h, ok
}

func (s *Session) privateKey(userID string) (*rsa.PrivateKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.priv[userID]
	return k, ok
}

func (s *Session) putDataKey(userID string, h *crypto.KeyHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[userID]; ok && old != h {
		old.Destroy()
	}
	s.data[userID] = h
}

func (s *Session) putPrivateKey(userID string, k *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priv[userID] = k
}

// Drop removes and destroys one account's cached keys.
func (s *Session) Drop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.data[userID]; ok {
		h.Destroy()
		delete(s.data, userID)
	}
	delete(s.priv, userID)
}

// Close destroys every cached handle. Used at logout and shutdown.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.data {
		h.Destroy()
		delete(s.data, id)
	}
	for id := range s.priv {
		delete(s.priv, id)
	}
}
