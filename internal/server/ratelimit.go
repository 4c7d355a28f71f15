package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter throttles one class of credential-guessing surface
// (login, password reset, the pre-auth lookups) per caller key: the
// client IP on the outer layer, the target email on the inner one, so
// neither a single source nor a single account can be hammered. Idle
// keys age out after ttl to keep the map bounded.
type keyedLimiter struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	ttl   time.Duration
	seen  map[string]*limiterEntry
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(limit rate.Limit, burst int, ttl time.Duration) *keyedLimiter {
	return &keyedLimiter{
		limit: limit,
		burst: burst,
		ttl:   ttl,
		seen:  make(map[string]*limiterEntry),
	}
}

func (k *keyedLimiter) allow(key string) bool {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	e := k.seen[key]
	if e == nil {
		e = &limiterEntry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.seen[key] = e
	}
	e.lastSeen = now

	for key, old := range k.seen {
		if now.Sub(old.lastSeen) > k.ttl {
			delete(k.seen, key)
		}
	}
	return e.lim.Allow()
}

// getClientIP keys the outer limiters. First X-Forwarded-For hop when a
// proxy set one, the socket peer otherwise.
func getClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if ip := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
