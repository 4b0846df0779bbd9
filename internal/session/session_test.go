package session

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m, err := NewManager(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.Issue("12345")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	subject, err := m.Subject(token)
	if err != nil {
		t.Fatalf("subject: %v", err)
	}
	if subject != "12345" {
		t.Fatalf("subject = %q, want 12345", subject)
	}
}

func TestSubjectRejectsForeignSecret(t *testing.T) {
	issuer, err := NewManager(Config{Secret: "secret-a"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	verifier, err := NewManager(Config{Secret: "secret-b"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := issuer.Issue("12345")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Subject(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("foreign secret: got %v, want ErrInvalidSession", err)
	}
}

func TestSubjectRejectsExpiredToken(t *testing.T) {
	m, err := NewManager(Config{Secret: "test-secret", TTL: -time.Hour, Leeway: time.Millisecond})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	token, err := m.Issue("12345")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Subject(token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expired token: got %v, want ErrInvalidSession", err)
	}
}

func TestSubjectRejectsGarbage(t *testing.T) {
	m, err := NewManager(Config{Secret: "test-secret"})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := m.Subject("not-a-token"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("garbage token: got %v, want ErrInvalidSession", err)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatalf("expected constructor error for empty secret")
	}
}
