// Package audit keeps a hash-chained record of key lifecycle events:
// enrollment, promotion, recovery rotation, envelope rekeys. The chain
// makes silent tampering with the history detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

type Event string

const (
	EventEnroll           Event = "keys.enroll"
	EventSignIn           Event = "keys.signin"
	EventPromote          Event = "keys.promote"
	EventRecoveryRotated  Event = "recovery.rotated"
	EventPasswordReset    Event = "recovery.password_reset"
	EventLetterSealed     Event = "envelope.sealed"
	EventLetterReconciled Event = "envelope.reconciled"
	EventServerRekey      Event = "envelope.server_rekey"
)

type Entry struct {
	TS    int64  `json:"ts"`
	User  string `json:"user"`
	Event Event  `json:"event"`
	Hash  string `json:"hash"`
}

// Log is an append-only in-process chain. Safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	lastHash []byte
	entries  []Entry
}

func New() *Log { return &Log{} }

func (l *Log) Record(user string, ev Event) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	h := sha256.New()
	h.Write(l.lastHash)
	h.Write([]byte(user))
	h.Write([]byte(ev))
	sum := h.Sum(nil)
	l.lastHash = sum

	e := Entry{TS: time.Now().Unix(), User: user, Event: ev, Hash: hex.EncodeToString(sum)}
	l.entries = append(l.entries, e)
	return e
}

// Verify recomputes the chain and reports the first break.
func (l *Log) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var prev []byte
	for i, e := range l.entries {
		h := sha256.New()
		h.Write(prev)
		h.Write([]byte(e.User))
		h.Write([]byte(e.Event))
		sum := h.Sum(nil)
		if hex.EncodeToString(sum) != e.Hash {
			return fmt.Errorf("audit chain broken at entry %d", i)
		}
		prev = sum
	}
	return nil
}

func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// ByUser returns the events recorded for one account, oldest first.
func (l *Log) ByUser(user string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.User == user {
			out = append(out, e)
		}
	}
	return out
}
