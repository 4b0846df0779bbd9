// Package session issues and validates first-party session tokens. A client
// exchanges a verified platform payload once and then presents the session
// token on subsequent calls instead of re-sending the full payload.
package session

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"tgmarket/internal/util"
)

const (
	defaultIssuer   = "tgmarket"
	defaultAudience = "tgmarket-api"
	defaultTTL      = 24 * time.Hour
	defaultLeeway   = 30 * time.Second
)

// ErrInvalidSession indicates a session token that is missing, expired, or
// not signed by this service.
var ErrInvalidSession = errors.New("invalid session token")

// Config configures session token issuance and validation.
type Config struct {
	Secret   string
	TTL      time.Duration
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Manager mints and verifies HS256 session tokens.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
}

// NewManager constructs a session manager. The secret is required.
func NewManager(cfg Config) (*Manager, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("session: secret is required")
	}
	m := &Manager{
		secret:   []byte(secret),
		ttl:      cfg.TTL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		leeway:   cfg.Leeway,
	}
	if m.ttl == 0 {
		m.ttl = defaultTTL
	}
	if m.issuer == "" {
		m.issuer = defaultIssuer
	}
	if m.audience == "" {
		m.audience = defaultAudience
	}
	if m.leeway <= 0 {
		m.leeway = defaultLeeway
	}
	return m, nil
}

// Issue mints a session token for the given user id.
func (m *Manager) Issue(userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("session: user id is required")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		ID:        util.NewID(),
		Subject:   userID,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{m.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Subject validates a session token and returns the user id it was issued
// for.
func (m *Manager) Subject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil || !parsed.Valid {
		return "", ErrInvalidSession
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrInvalidSession
	}
	return subject, nil
}
