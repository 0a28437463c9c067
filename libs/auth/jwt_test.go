package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHS256RoundTrip(t *testing.T) {
	secret := "test-secret"
	token, err := SignHS256(Principal{UserID: "7", Role: "therapist"}, secret, time.Hour)
	if err != nil {
		t.Fatalf("SignHS256 failed: %v", err)
	}
	p, err := NewVerifier(secret, nil).Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.UserID != "7" || p.Role != "therapist" {
		t.Fatalf("principal mismatch: %+v", p)
	}
	if _, err := NewVerifier("wrong-secret", nil).Verify(token); err == nil {
		t.Fatal("expected verification error with wrong secret")
	}
}

func TestRejectsExpiredAndGarbage(t *testing.T) {
	secret := "test-secret"
	expired, err := SignHS256(Principal{UserID: "1", Role: "patient"}, secret, -time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	v := NewVerifier(secret, nil)
	if _, err := v.Verify(expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
	if _, err := v.Verify("not.a.token"); err == nil {
		t.Fatal("expected garbage token to be rejected")
	}
}

func TestRejectsNoneAlgorithm(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: "therapist",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := NewVerifier("s", nil).Verify(raw); err == nil {
		t.Fatal("alg=none must be rejected")
	}
}

func TestRS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey failed: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "kid-1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		Role: "patient",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tok.Header["kid"] = "kid-1"
	raw, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("rs256 sign: %v", err)
	}

	p, err := NewVerifier("", NewJWKSClient(srv.URL, time.Minute)).Verify(raw)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.UserID != "42" || p.Role != "patient" {
		t.Fatalf("principal mismatch: %+v", p)
	}
}

func TestRequireAuth(t *testing.T) {
	secret := "test-secret"
	v := NewVerifier(secret, nil)
	h := RequireAuth(v, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.UserID != "9" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	token, _ := SignHS256(Principal{UserID: "9", Role: "patient"}, secret, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}

	reqBad := httptest.NewRequest(http.MethodGet, "http://example.com", nil)
	reqBad.Header.Set("Authorization", "Bearer badtoken")
	rwBad := httptest.NewRecorder()
	h.ServeHTTP(rwBad, reqBad)
	if rwBad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rwBad.Code)
	}
}

func TestJWKSUnknownKidRefreshIsThrottled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"keys":[]}`))
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewJWKSClient(srv.URL, time.Hour)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if _, err := c.Get("missing"); err != ErrKeyNotFound {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}

	now = now.Add(minJWKSRefresh)
	_, _ = c.Get("missing")
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected a refetch after the throttle window, got %d", got)
	}
}
