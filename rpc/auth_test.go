package rpc

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func signTestJWT(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestAuthenticatorStaticToken(t *testing.T) {
	auth := &authenticator{token: "static-secret"}
	if rpcErr := auth.authorize(authRequest("static-secret")); rpcErr != nil {
		t.Fatalf("expected pass, got %+v", rpcErr)
	}
	if rpcErr := auth.authorize(authRequest("wrong")); rpcErr == nil {
		t.Fatalf("expected rejection for wrong token")
	}
	if rpcErr := auth.authorize(authRequest("")); rpcErr == nil {
		t.Fatalf("expected rejection for missing header")
	}
}

func TestAuthenticatorUnconfigured(t *testing.T) {
	auth := &authenticator{}
	if rpcErr := auth.authorize(authRequest("anything")); rpcErr == nil {
		t.Fatalf("expected rejection when no credentials configured")
	}
}

func TestAuthenticatorJWT(t *testing.T) {
	secret := []byte("hmac-secret")
	auth := &authenticator{secret: secret, issuer: "refi", audience: "rpc"}

	valid := signTestJWT(t, secret, jwt.MapClaims{
		"iss": "refi",
		"aud": "rpc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if rpcErr := auth.authorize(authRequest(valid)); rpcErr != nil {
		t.Fatalf("expected pass, got %+v", rpcErr)
	}

	wrongIssuer := signTestJWT(t, secret, jwt.MapClaims{
		"iss": "somebody-else",
		"aud": "rpc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if rpcErr := auth.authorize(authRequest(wrongIssuer)); rpcErr == nil {
		t.Fatalf("expected rejection for issuer mismatch")
	}

	wrongAudience := signTestJWT(t, secret, jwt.MapClaims{
		"iss": "refi",
		"aud": "other",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if rpcErr := auth.authorize(authRequest(wrongAudience)); rpcErr == nil {
		t.Fatalf("expected rejection for audience mismatch")
	}

	expired := signTestJWT(t, secret, jwt.MapClaims{
		"iss": "refi",
		"aud": "rpc",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if rpcErr := auth.authorize(authRequest(expired)); rpcErr == nil {
		t.Fatalf("expected rejection for expired token")
	}

	wrongKey := signTestJWT(t, []byte("other-secret"), jwt.MapClaims{
		"iss": "refi",
		"aud": "rpc",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if rpcErr := auth.authorize(authRequest(wrongKey)); rpcErr == nil {
		t.Fatalf("expected rejection for bad signature")
	}
}
