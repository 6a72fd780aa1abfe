package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

// ─── JWT provider ────────────────────────────────────────────────────────────

func TestJWTProvider_ValidToken(t *testing.T) {
	p := NewJWTProvider("secret-1", "laneguard")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub":   "user-42",
		"email": "dispatcher@example.com",
		"role":  "dispatcher",
		"iss":   "laneguard",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	ident, err := p.Authenticate(bearerRequest(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ident.UserID != "user-42" || ident.Email != "dispatcher@example.com" || ident.Role != "dispatcher" {
		t.Fatalf("identity = %+v", ident)
	}
}

func TestJWTProvider_MissingCredentials(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	r := httptest.NewRequest("GET", "/api/v1/events", nil)

	_, err := p.Authenticate(r)
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestJWTProvider_ExpiredToken(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTProvider_WrongSecret(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "other-secret", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for wrong signature")
	}
}

func TestJWTProvider_WrongIssuer(t *testing.T) {
	p := NewJWTProvider("secret-1", "laneguard")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub": "user-42",
		"iss": "someone-else",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for wrong issuer")
	}
}

func TestJWTProvider_MissingExpiry(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "secret-1", jwt.MapClaims{"sub": "user-42"})

	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for token without exp")
	}
}

func TestJWTProvider_MissingSubject(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for token without sub")
	}
}

func TestJWTProvider_NoneAlgorithmRejected(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("building unsigned token: %v", err)
	}

	if _, err := p.Authenticate(bearerRequest(unsigned)); err == nil {
		t.Fatal("alg=none token must be rejected")
	}
}

func TestJWTProvider_RevokedToken(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub": "user-42",
		"jti": "tok-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	if _, err := p.Authenticate(bearerRequest(token)); err != nil {
		t.Fatalf("token should validate before revocation: %v", err)
	}

	p.Revoke("tok-1", time.Now().Add(time.Hour))
	if _, err := p.Authenticate(bearerRequest(token)); err == nil {
		t.Fatal("expected error for revoked token")
	}
}

func TestJWTProvider_RevokeInThePastIsNoop(t *testing.T) {
	p := NewJWTProvider("secret-1", "")
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub": "user-42",
		"jti": "tok-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	p.Revoke("tok-2", time.Now().Add(-time.Minute))
	if _, err := p.Authenticate(bearerRequest(token)); err != nil {
		t.Fatalf("expired revocation must not block the token: %v", err)
	}
}

// ─── API key provider ────────────────────────────────────────────────────────

func TestAPIKeyProvider_HeaderKey(t *testing.T) {
	p := NewAPIKeyProvider([]string{"key-a", "key-b"}, Identity{UserID: "ops-service", Role: "service"})

	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("X-API-Key", "key-b")

	ident, err := p.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if ident.UserID != "ops-service" || ident.Role != "service" {
		t.Fatalf("identity = %+v", ident)
	}
}

func TestAPIKeyProvider_BearerFallback(t *testing.T) {
	p := NewAPIKeyProvider([]string{"key-a"}, Identity{UserID: "ops-service", Role: "service"})

	if _, err := p.Authenticate(bearerRequest("key-a")); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
}

func TestAPIKeyProvider_UnknownKey(t *testing.T) {
	p := NewAPIKeyProvider([]string{"key-a"}, Identity{UserID: "ops-service"})

	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("X-API-Key", "wrong")

	if _, err := p.Authenticate(r); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestAPIKeyProvider_MissingCredentials(t *testing.T) {
	p := NewAPIKeyProvider([]string{"key-a"}, Identity{})

	_, err := p.Authenticate(httptest.NewRequest("GET", "/", nil))
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

// ─── Combined providers ──────────────────────────────────────────────────────

func TestProviders_TriesEachInOrder(t *testing.T) {
	jwtProv := NewJWTProvider("secret-1", "")
	keyProv := NewAPIKeyProvider([]string{"svc-key"}, Identity{UserID: "ops-service", Role: "service"})
	combined := Providers{jwtProv, keyProv}

	// API key in X-API-Key: the JWT provider sees no bearer credentials
	// and the key provider takes over.
	r := httptest.NewRequest("GET", "/api/v1/events", nil)
	r.Header.Set("X-API-Key", "svc-key")
	ident, err := combined.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate with api key: %v", err)
	}
	if ident.UserID != "ops-service" {
		t.Fatalf("identity = %+v", ident)
	}

	// A valid JWT wins on the first provider.
	token := mintToken(t, "secret-1", jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	ident, err = combined.Authenticate(bearerRequest(token))
	if err != nil {
		t.Fatalf("Authenticate with jwt: %v", err)
	}
	if ident.UserID != "user-42" {
		t.Fatalf("identity = %+v", ident)
	}
}

func TestProviders_NoCredentialsAtAll(t *testing.T) {
	combined := Providers{
		NewJWTProvider("secret-1", ""),
		NewAPIKeyProvider([]string{"svc-key"}, Identity{}),
	}

	_, err := combined.Authenticate(httptest.NewRequest("GET", "/", nil))
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}
