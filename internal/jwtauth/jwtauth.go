// Package jwtauth validates bearer JWTs against either a static HMAC
// secret or a remote JWKS key set, supporting the HS256, RS256/384/512,
// and ES256/384 families.
package jwtauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of JWT claims this validator inspects.
type Claims struct {
	jwt.RegisteredClaims
}

// AuthError represents a JWT authentication failure with a stable code for
// metrics and error-response mapping.
type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	errMissingAuth = &AuthError{Code: "MissingAuth", Message: "no bearer token present"}
)

// Result is the outcome of a successful validation.
type Result struct {
	Subject string
	Claims  map[string]any
}

// Validator validates bearer tokens for one bucket binding. Exactly one of
// hmacSecret or jwks is configured, matching the binding's auth.jwt section.
type Validator struct {
	issuer   string
	audience string

	hmacSecret []byte

	jwks *jwksCache
}

// NewHMACValidator builds a Validator that verifies HS256 tokens against a
// shared secret.
func NewHMACValidator(secret, issuer, audience string) *Validator {
	return &Validator{
		issuer:     issuer,
		audience:   audience,
		hmacSecret: []byte(secret),
	}
}

// NewJWKSValidator builds a Validator that fetches and caches signing keys
// from a remote JWKS endpoint, refreshed lazily after ttl elapses.
func NewJWKSValidator(jwksURL, issuer, audience string, ttl time.Duration) *Validator {
	return &Validator{
		issuer:   issuer,
		audience: audience,
		jwks:     newJWKSCache(jwksURL, ttl),
	}
}

// ExtractToken pulls a bearer token from the Authorization header, falling
// back to a "token" query parameter.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the bearer token carried by r.
func (v *Validator) Authenticate(ctx context.Context, r *http.Request) (*Result, error) {
	token := ExtractToken(r)
	if token == "" {
		return nil, errMissingAuth
	}

	var claims Claims
	var parsed *jwt.Token
	var err error

	if v.hmacSecret != nil {
		parsed, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return v.hmacSecret, nil
		}, v.parserOptions()...)
	} else {
		parsed, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
			kid, _ := t.Header["kid"].(string)
			return v.jwks.key(ctx, kid, t.Method.Alg())
		}, v.parserOptions()...)
	}

	if err != nil {
		return nil, classifyError(err)
	}
	if !parsed.Valid {
		return nil, &AuthError{Code: "InvalidToken", Message: "token failed validation"}
	}

	claimsMap := map[string]any{}
	if claims.Issuer != "" {
		claimsMap["iss"] = claims.Issuer
	}
	if len(claims.Audience) > 0 {
		claimsMap["aud"] = claims.Audience[0]
	}

	return &Result{Subject: claims.Subject, Claims: claimsMap}, nil
}

func (v *Validator) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return opts
}

func classifyError(err error) error {
	switch {
	case strings.Contains(err.Error(), "token is expired"):
		return &AuthError{Code: "TokenExpired", Message: err.Error()}
	case strings.Contains(err.Error(), "signature is invalid"):
		return &AuthError{Code: "InvalidSignature", Message: err.Error()}
	default:
		return &AuthError{Code: "InvalidToken", Message: err.Error()}
	}
}

// jwksCache fetches and caches a remote JWKS document behind a
// reader-writer lock. Refresh is gated by an elapsed>TTL check read under
// the read lock; the writer re-checks before swapping to avoid a stampede
// of concurrent refreshes.
type jwksCache struct {
	url string
	ttl time.Duration

	httpClient *http.Client

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time
}

func newJWKSCache(url string, ttl time.Duration) *jwksCache {
	return &jwksCache{
		url:        url,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// key returns the decoding key for kid, refreshing the cache first if its
// TTL has elapsed. When kid is empty, the first available key is used.
func (c *jwksCache) key(ctx context.Context, kid, alg string) (any, error) {
	if err := c.refreshIfNeeded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if kid != "" {
		for _, k := range c.keys.Keys {
			if k.KeyID == kid {
				return k.Key, nil
			}
		}
		return nil, &AuthError{Code: "InvalidToken", Message: fmt.Sprintf("key not found: %s", kid)}
	}
	if len(c.keys.Keys) == 0 {
		return nil, &AuthError{Code: "InvalidToken", Message: "no keys available"}
	}
	return c.keys.Keys[0].Key, nil
}

func (c *jwksCache) refreshIfNeeded(ctx context.Context) error {
	c.mu.RLock()
	stale := time.Since(c.fetchedAt) > c.ttl
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.fetchedAt) <= c.ttl {
		// Another goroutine refreshed while we waited for the write lock.
		return nil
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		if len(c.keys.Keys) > 0 {
			// Fall back to the last known key set; verification surfaces
			// its own error if the stale keys no longer match.
			return nil
		}
		return &AuthError{Code: "JwksFetchError", Message: err.Error()}
	}

	c.keys = keys
	c.fetchedAt = time.Now()
	return nil
}

func (c *jwksCache) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("parsing jwks document: %w", err)
	}
	return keySet, nil
}
