// Package initdata validates signed session payloads issued by the host
// platform to mini-app sessions and extracts the identity claim they carry.
package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
)

const (
	// signatureField is the query field carrying the payload signature.
	signatureField = "hash"
	// secretLabel is the fixed domain-separation label the platform uses to
	// derive the signing key from the bot token.
	secretLabel = "WebAppData"
)

var (
	// ErrMalformedToken indicates the payload is not a query string or lacks
	// the signature field.
	ErrMalformedToken = errors.New("malformed token")
	// ErrSignatureMismatch indicates the payload signature does not match the
	// configured secret.
	ErrSignatureMismatch = errors.New("token signature mismatch")
	// ErrInvalidIdentityPayload indicates the identity field is missing,
	// unparsable, or lacks a numeric user id.
	ErrInvalidIdentityPayload = errors.New("invalid identity payload")
)

// Claim is the verified identity embedded in a signed payload. Unknown
// fields the platform may add over time are preserved in Extra rather than
// rejected.
type Claim struct {
	ID           int64
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	Extra        map[string]json.RawMessage
}

// Config configures payload verification.
type Config struct {
	// BotToken is the shared secret issued by the host platform.
	BotToken string
	// AllowUnverified disables signature checking for local development.
	// It is a deployment-time switch only; request data can never enable it.
	AllowUnverified bool
}

// Verifier checks signed payloads against the derived secret key.
type Verifier struct {
	secret          []byte
	allowUnverified bool
}

// NewVerifier derives the secondary signing key from the bot token.
// An empty token fails closed unless AllowUnverified is set.
func NewVerifier(cfg Config) (*Verifier, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token == "" {
		if !cfg.AllowUnverified {
			return nil, errors.New("initdata: bot token is not configured")
		}
		return &Verifier{allowUnverified: true}, nil
	}
	mac := hmac.New(sha256.New, []byte(secretLabel))
	mac.Write([]byte(token))
	return &Verifier{secret: mac.Sum(nil), allowUnverified: cfg.AllowUnverified}, nil
}

// Verify parses a raw payload, checks its signature, and returns the
// embedded identity claim. Verification is a pure function of the payload
// and the configured secret.
func (v *Verifier) Verify(token string) (Claim, error) {
	values, err := url.ParseQuery(token)
	if err != nil {
		return Claim{}, ErrMalformedToken
	}
	if !v.allowUnverified {
		supplied := values.Get(signatureField)
		if supplied == "" {
			return Claim{}, ErrMalformedToken
		}
		values.Del(signatureField)
		sig, err := hex.DecodeString(supplied)
		if err != nil {
			return Claim{}, ErrSignatureMismatch
		}
		mac := hmac.New(sha256.New, v.secret)
		mac.Write([]byte(checkString(values)))
		if !hmac.Equal(mac.Sum(nil), sig) {
			return Claim{}, ErrSignatureMismatch
		}
	}
	raw := values.Get("user")
	if raw == "" {
		raw = values.Get("receiver")
	}
	if raw == "" {
		return Claim{}, ErrInvalidIdentityPayload
	}
	return parseClaim([]byte(raw))
}

// checkString builds the canonical form the signature covers: remaining
// pairs sorted bytewise by key and joined as key=value lines.
func checkString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	return strings.Join(pairs, "\n")
}

func parseClaim(raw []byte) (Claim, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Claim{}, ErrInvalidIdentityPayload
	}
	idRaw, ok := fields["id"]
	if !ok {
		return Claim{}, ErrInvalidIdentityPayload
	}
	c := Claim{}
	if err := json.Unmarshal(idRaw, &c.ID); err != nil {
		return Claim{}, ErrInvalidIdentityPayload
	}
	stringField(fields, "first_name", &c.FirstName)
	stringField(fields, "last_name", &c.LastName)
	stringField(fields, "username", &c.Username)
	stringField(fields, "language_code", &c.LanguageCode)
	for _, known := range []string{"id", "first_name", "last_name", "username", "language_code"} {
		delete(fields, known)
	}
	if len(fields) > 0 {
		c.Extra = fields
	}
	return c, nil
}

// stringField extracts an optional string field, tolerating absent or
// non-string values.
func stringField(fields map[string]json.RawMessage, key string, dst *string) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	_ = json.Unmarshal(raw, dst)
}
