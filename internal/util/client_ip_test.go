package util

import (
	"net/http/httptest"
	"testing"
)

func TestClientIPIgnoresForwardedFromUntrustedPeer(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.7:4567"
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := ClientIP(r, nil); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want 203.0.113.7", got)
	}
}

func TestClientIPHonorsForwardedFromTrustedProxy(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"127.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := ClientIP(r, trusted); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want 203.0.113.7", got)
	}
}

func TestClientIPSkipsTrustedHopsInChain(t *testing.T) {
	trusted, err := NewTrustedProxies([]string{"127.0.0.0/8", "10.0.0.0/8"})
	if err != nil {
		t.Fatalf("new trusted proxies: %v", err)
	}
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "127.0.0.1:4567"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.3")
	if got := ClientIP(r, trusted); got != "203.0.113.7" {
		t.Fatalf("ClientIP = %q, want 203.0.113.7", got)
	}
}

func TestNewTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := NewTrustedProxies([]string{"not-an-ip"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
