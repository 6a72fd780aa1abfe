package middleware

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

// ErrNoCredentials is returned when a request carries no credentials at
// all, as opposed to credentials that failed validation. The chain uses
// the distinction to pick the 401 message.
var ErrNoCredentials = errors.New("no credentials presented")

// Identity is the authenticated principal attached to a request.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
}

// IdentityProvider validates the credentials on a request. Token
// issuance stays with the host application; laneguard only verifies.
type IdentityProvider interface {
	Authenticate(r *http.Request) (*Identity, error)
}

// Providers tries each provider in order and returns the first
// successful identity. A provider that saw no credentials for its
// scheme does not mask a real validation failure from another.
type Providers []IdentityProvider

func (ps Providers) Authenticate(r *http.Request) (*Identity, error) {
	lastErr := error(ErrNoCredentials)
	for _, p := range ps {
		ident, err := p.Authenticate(r)
		if err == nil {
			return ident, nil
		}
		if !errors.Is(err, ErrNoCredentials) {
			lastErr = err
		}
	}
	return nil, lastErr
}

// ─── JWT ─────────────────────────────────────────────────────────────────────

// JWTProvider validates HMAC-signed bearer tokens. Expected claims:
// sub (user id, required), email, role, and optionally jti for
// revocation. Revoked token IDs live in an expiring cache so the list
// cleans itself up once the tokens would have expired anyway.
type JWTProvider struct {
	secret  []byte
	issuer  string
	revoked *cache.Cache
}

// NewJWTProvider creates a verifier for tokens signed with the given
// shared secret. If issuer is non-empty the iss claim must match.
func NewJWTProvider(secret, issuer string) *JWTProvider {
	return &JWTProvider{
		secret:  []byte(secret),
		issuer:  issuer,
		revoked: cache.New(time.Hour, 2*time.Hour),
	}
}

func (p *JWTProvider) Authenticate(r *http.Request) (*Identity, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return nil, err
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	if jti, _ := claims["jti"].(string); jti != "" && p.isRevoked(jti) {
		return nil, errors.New("token revoked")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("token missing subject")
	}
	email, _ := claims["email"].(string)
	role, _ := claims["role"].(string)

	return &Identity{UserID: sub, Email: email, Role: role}, nil
}

// Revoke blacklists a token ID until the given time, normally the
// token's own expiry.
func (p *JWTProvider) Revoke(jti string, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	p.revoked.Set("revoked:"+jti, true, ttl)
}

func (p *JWTProvider) isRevoked(jti string) bool {
	_, found := p.revoked.Get("revoked:" + jti)
	return found
}

// ─── API keys ────────────────────────────────────────────────────────────────

// APIKeyProvider accepts static keys, for service-to-service callers.
// Keys arrive in the X-API-Key header or as a bearer token; every
// matching key maps to the same fixed identity.
type APIKeyProvider struct {
	keys     []string
	identity Identity
}

func NewAPIKeyProvider(keys []string, ident Identity) *APIKeyProvider {
	return &APIKeyProvider{keys: keys, identity: ident}
}

func (p *APIKeyProvider) Authenticate(r *http.Request) (*Identity, error) {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		var err error
		key, err = bearerToken(r)
		if err != nil {
			return nil, err
		}
	}

	for _, k := range p.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			ident := p.identity
			return &ident, nil
		}
	}
	return nil, errors.New("unknown api key")
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoCredentials
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("authorization header is not a bearer token")
	}
	return strings.TrimSpace(h[len(prefix):]), nil
}
