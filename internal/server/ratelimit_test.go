package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestKeyedLimiterBurstThenDeny(t *testing.T) {
	kl := newKeyedLimiter(rate.Limit(2), 2, time.Minute)
	if !kl.allow("alice@example.com") {
		t.Fatal("first attempt should pass")
	}
	if !kl.allow("alice@example.com") {
		t.Fatal("second attempt should pass")
	}
	if kl.allow("alice@example.com") {
		t.Fatal("third immediate attempt should be limited")
	}
	// Each key carries its own budget.
	if !kl.allow("bob@example.com") {
		t.Fatal("a different key must not share the exhausted budget")
	}
}

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.9:4567"
	if got := getClientIP(r); got != "10.0.0.9" {
		t.Fatalf("peer address: got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	if got := getClientIP(r); got != "203.0.113.7" {
		t.Fatalf("forwarded: got %q", got)
	}
}
