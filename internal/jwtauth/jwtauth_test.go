package jwtauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mintHS256(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func requestWithBearer(token string) *http.Request {
	r := httptest.NewRequest("PUT", "/uploads/key", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func TestHMACValidatorValid(t *testing.T) {
	v := NewHMACValidator("topsecret", "", "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token := mintHS256(t, "topsecret", claims)

	result, err := v.Authenticate(context.Background(), requestWithBearer(token))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", result.Subject)
	}
}

func TestHMACValidatorExpired(t *testing.T) {
	v := NewHMACValidator("topsecret", "", "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	token := mintHS256(t, "topsecret", claims)

	_, err := v.Authenticate(context.Background(), requestWithBearer(token))
	authErr, ok := err.(*AuthError)
	if !ok {
		t.Fatalf("expected *AuthError, got %T", err)
	}
	if authErr.Code != "TokenExpired" {
		t.Errorf("code = %q, want TokenExpired", authErr.Code)
	}
}

func TestHMACValidatorWrongSecret(t *testing.T) {
	v := NewHMACValidator("topsecret", "", "")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token := mintHS256(t, "wrong-secret", claims)

	_, err := v.Authenticate(context.Background(), requestWithBearer(token))
	if err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestHMACValidatorMissingToken(t *testing.T) {
	v := NewHMACValidator("topsecret", "", "")
	r := httptest.NewRequest("PUT", "/uploads/key", nil)

	_, err := v.Authenticate(context.Background(), r)
	if err != errMissingAuth {
		t.Errorf("err = %v, want errMissingAuth", err)
	}
}

func TestHMACValidatorIssuerAudiencePinning(t *testing.T) {
	v := NewHMACValidator("topsecret", "https://issuer.example.com", "s3relay")
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "alice",
		Issuer:    "https://issuer.example.com",
		Audience:  jwt.ClaimStrings{"s3relay"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token := mintHS256(t, "topsecret", claims)

	result, err := v.Authenticate(context.Background(), requestWithBearer(token))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if result.Claims["iss"] != "https://issuer.example.com" {
		t.Errorf("claims[iss] = %v", result.Claims["iss"])
	}

	// Wrong audience is rejected.
	claims.Audience = jwt.ClaimStrings{"other-service"}
	badToken := mintHS256(t, "topsecret", claims)
	if _, err := v.Authenticate(context.Background(), requestWithBearer(badToken)); err == nil {
		t.Error("expected error for wrong audience")
	}
}

func TestExtractTokenFromQueryParam(t *testing.T) {
	r := httptest.NewRequest("GET", "/uploads/key?token=abc.def.ghi", nil)
	if got := ExtractToken(r); got != "abc.def.ghi" {
		t.Errorf("ExtractToken = %q, want abc.def.ghi", got)
	}
}

func TestJWKSValidatorRefreshesOnlyOnceUnderConcurrentReads(t *testing.T) {
	var fetchCount int64

	jwk := testRSAJWK(t, "key-1")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fetchCount, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwksDoc{Keys: []json.RawMessage{jwk}})
	}))
	defer server.Close()

	v := NewJWKSValidator(server.URL, "", "", time.Hour)

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			v.jwks.refreshIfNeeded(context.Background())
			done <- struct{}{}
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	if got := atomic.LoadInt64(&fetchCount); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

type jwksDoc struct {
	Keys []json.RawMessage `json:"keys"`
}

func testRSAJWK(t *testing.T, kid string) json.RawMessage {
	t.Helper()
	// A fixed RSA public key in JWK form, reused across tests.
	const raw = `{
		"kty": "RSA",
		"kid": "` + kid + `",
		"use": "sig",
		"alg": "RS256",
		"n": "0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",
		"e": "AQAB"
	}`
	return json.RawMessage(raw)
}
