package devidp

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const signingKeyID = "carebridge-idp-key-1"

// SessionClaims are the JWT claims of an identity-service session token.
// Subject carries the stable external account id the auth backend keys
// user records on.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	DisplayName   string `json:"display_name,omitempty"`
	PhotoURL      string `json:"photo_url,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Type          string `json:"type"` // "session", "password-reset", or "verify-email"
}

// TokenIssuer signs and verifies the identity service's RS256 tokens.
type TokenIssuer struct {
	key    *rsa.PrivateKey
	pub    *rsa.PublicKey
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. ttl is the session-token lifetime;
// zero means one hour.
func NewTokenIssuer(key *rsa.PrivateKey, issuerURL string, ttl time.Duration) *TokenIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, pub: &key.PublicKey, issuer: issuerURL, ttl: ttl}
}

// TTL returns the session-token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }

// PublicKey exposes the verification key.
func (t *TokenIssuer) PublicKey() *rsa.PublicKey { return t.pub }

// IssueSession signs a short-lived session token for an account.
func (t *TokenIssuer) IssueSession(a *Account) (string, error) {
	return t.issue(a, "session", t.ttl)
}

// IssuePasswordReset signs a single-purpose reset token embedded in the
// emailed link.
func (t *TokenIssuer) IssuePasswordReset(a *Account) (string, error) {
	return t.issue(a, "password-reset", time.Hour)
}

// IssueEmailVerification signs a single-purpose verification token.
func (t *TokenIssuer) IssueEmailVerification(a *Account) (string, error) {
	return t.issue(a, "verify-email", 24*time.Hour)
}

func (t *TokenIssuer) issue(a *Account, typ string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		PhotoURL:      a.PhotoURL,
		EmailVerified: a.EmailVerified,
		Type:          typ,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// Verify parses a token and checks its signature, issuer, expiry, and type.
func (t *TokenIssuer) Verify(tokenStr, wantType string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.pub, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Type != wantType {
		return nil, fmt.Errorf("token type %q, want %q", claims.Type, wantType)
	}
	return claims, nil
}

// JWKSet is a JSON Web Key Set (RFC 7517).
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWK is a JSON Web Key for an RSA public key.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS returns the key set served at /.well-known/jwks.json so verifiers
// can discover the signing key.
func (t *TokenIssuer) JWKS() JWKSet {
	return JWKSet{Keys: []JWK{rsaPublicKeyToJWK(t.pub, signingKeyID)}}
}

// rsaPublicKeyToJWK encodes an RSA public key as a JWK (RFC 7518 §6.3).
func rsaPublicKeyToJWK(pub *rsa.PublicKey, kid string) JWK {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	// Exponent as big-endian, minimal-length bytes.
	eBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(eBuf, uint64(pub.E))
	i := 0
	for i < len(eBuf)-1 && eBuf[i] == 0 {
		i++
	}
	e := base64.RawURLEncoding.EncodeToString(eBuf[i:])

	return JWK{Kty: "RSA", Use: "sig", Kid: kid, Alg: "RS256", N: n, E: e}
}
