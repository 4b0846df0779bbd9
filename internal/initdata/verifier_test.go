package initdata

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
	"testing"
)

const testBotToken = "12345:test-bot-token"

// signPayload builds a signed query-string payload the way the platform does.
func signPayload(t *testing.T, botToken string, fields map[string]string) string {
	t.Helper()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	secretMac := hmac.New(sha256.New, []byte("WebAppData"))
	secretMac.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secretMac.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	hash := hex.EncodeToString(mac.Sum(nil))

	values := url.Values{}
	for k, v := range fields {
		values.Set(k, v)
	}
	values.Set("hash", hash)
	return values.Encode()
}

func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{BotToken: testBotToken})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func TestVerifyValidPayload(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAF9x",
		"user":      `{"id":987654321,"first_name":"Ana","last_name":"K","username":"anak","language_code":"tk","is_premium":true}`,
	})
	claim, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claim.ID != 987654321 {
		t.Fatalf("claim id = %d, want 987654321", claim.ID)
	}
	if claim.FirstName != "Ana" || claim.Username != "anak" || claim.LanguageCode != "tk" {
		t.Fatalf("unexpected claim fields: %+v", claim)
	}
	if _, ok := claim.Extra["is_premium"]; !ok {
		t.Fatalf("unknown fields should be preserved in Extra, got %v", claim.Extra)
	}
}

func TestVerifyReceiverAlias(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"receiver":  `{"id":42,"first_name":"Bot"}`,
	})
	claim, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claim.ID != 42 {
		t.Fatalf("claim id = %d, want 42", claim.ID)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"user":      `{"id":1,"first_name":"A"}`,
	})
	values, _ := url.ParseQuery(token)
	hash := values.Get("hash")
	flipped := "0"
	if hash[0] == '0' {
		flipped = "1"
	}
	values.Set("hash", flipped+hash[1:])
	if _, err := v.Verify(values.Encode()); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered hash: got %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, testBotToken, map[string]string{
		"auth_date": "1700000000",
		"user":      `{"id":1,"first_name":"A"}`,
	})
	values, _ := url.ParseQuery(token)
	values.Set("user", `{"id":2,"first_name":"A"}`)
	if _, err := v.Verify(values.Encode()); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("tampered payload: got %v, want ErrSignatureMismatch", err)
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Verify("auth_date=1700000000&user=%7B%22id%22%3A1%7D"); !errors.Is(err, ErrMalformedToken) {
		t.Fatalf("missing hash: got %v, want ErrMalformedToken", err)
	}
}

func TestVerifyRejectsBadIdentityPayload(t *testing.T) {
	v := newTestVerifier(t)
	cases := map[string]string{
		"not json":       `not-json`,
		"missing id":     `{"first_name":"A"}`,
		"non-numeric id": `{"id":"abc","first_name":"A"}`,
	}
	for name, user := range cases {
		token := signPayload(t, testBotToken, map[string]string{
			"auth_date": "1700000000",
			"user":      user,
		})
		if _, err := v.Verify(token); !errors.Is(err, ErrInvalidIdentityPayload) {
			t.Fatalf("%s: got %v, want ErrInvalidIdentityPayload", name, err)
		}
	}
}

func TestVerifyRejectsMissingIdentityField(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, testBotToken, map[string]string{"auth_date": "1700000000"})
	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidIdentityPayload) {
		t.Fatalf("missing user field: got %v, want ErrInvalidIdentityPayload", err)
	}
}

func TestNewVerifierFailsClosedWithoutSecret(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected constructor error for empty bot token")
	}
}

func TestAllowUnverifiedSkipsSignature(t *testing.T) {
	v, err := NewVerifier(Config{AllowUnverified: true})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	values := url.Values{}
	values.Set("user", `{"id":7,"first_name":"Dev"}`)
	claim, err := v.Verify(values.Encode())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claim.ID != 7 {
		t.Fatalf("claim id = %d, want 7", claim.ID)
	}
}

func TestVerifySignatureCoversOtherTokens(t *testing.T) {
	v := newTestVerifier(t)
	token := signPayload(t, "other:bot-token", map[string]string{
		"auth_date": "1700000000",
		"user":      `{"id":1,"first_name":"A"}`,
	})
	if _, err := v.Verify(token); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("foreign secret: got %v, want ErrSignatureMismatch", err)
	}
}
