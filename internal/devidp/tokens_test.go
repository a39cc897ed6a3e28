package devidp_test

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/carebridge-health/portal/internal/devidp"
)

func newIssuer(t *testing.T, ttl time.Duration) *devidp.TokenIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return devidp.NewTokenIssuer(key, "http://localhost:8082", ttl)
}

func testAccount() *devidp.Account {
	return &devidp.Account{
		ID:            "acct-1",
		Email:         "a@x.com",
		DisplayName:   "Ada Reyes",
		EmailVerified: true,
	}
}

func TestIssueSession_roundTrip(t *testing.T) {
	iss := newIssuer(t, 0)

	signed, err := iss.IssueSession(testAccount())
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	claims, err := iss.Verify(signed, "session")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "acct-1" || claims.Email != "a@x.com" {
		t.Fatalf("claims = %+v", claims)
	}
	if !claims.EmailVerified {
		t.Fatal("email_verified lost")
	}
}

func TestVerify_rejectsWrongType(t *testing.T) {
	iss := newIssuer(t, 0)

	signed, err := iss.IssuePasswordReset(testAccount())
	if err != nil {
		t.Fatalf("IssuePasswordReset: %v", err)
	}
	if _, err := iss.Verify(signed, "session"); err == nil {
		t.Fatal("password-reset token accepted as a session token")
	}
}

func TestVerify_rejectsOtherIssuersKey(t *testing.T) {
	a := newIssuer(t, 0)
	b := newIssuer(t, 0)

	signed, err := a.IssueSession(testAccount())
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := b.Verify(signed, "session"); err == nil {
		t.Fatal("token signed by another key accepted")
	}
}

func TestVerify_rejectsExpired(t *testing.T) {
	iss := newIssuer(t, -time.Minute)

	signed, err := iss.IssueSession(testAccount())
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	if _, err := iss.Verify(signed, "session"); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestJWKS_describesSigningKey(t *testing.T) {
	iss := newIssuer(t, 0)

	set := iss.JWKS()
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(set.Keys))
	}
	k := set.Keys[0]
	if k.Kty != "RSA" || k.Alg != "RS256" || k.Use != "sig" {
		t.Fatalf("jwk = %+v", k)
	}
	if k.N == "" || k.E == "" {
		t.Fatal("jwk missing modulus or exponent")
	}
}
