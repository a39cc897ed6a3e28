package authapi

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ctxKeySession is the gin context key under which verified session claims
// are stored.
const ctxKeySession = "authapi.session"

// SessionClaims is what the backend trusts from the identity provider:
// the external id (Subject) and contact identity, nothing else.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email         string `json:"email"`
	DisplayName   string `json:"display_name,omitempty"`
	PhotoURL      string `json:"photo_url,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Type          string `json:"type"`
}

// TokenVerifier validates identity-provider session tokens against the
// provider's published RS256 public key.
type TokenVerifier struct {
	pub    *rsa.PublicKey
	issuer string
}

// NewTokenVerifier creates a TokenVerifier from a PKIX public key PEM.
func NewTokenVerifier(publicKeyPEM []byte, issuer string) (*TokenVerifier, error) {
	pub, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse provider public key: %w", err)
	}
	return &TokenVerifier{pub: pub, issuer: issuer}, nil
}

// FetchProviderPublicKey downloads the provider's verification key PEM, e.g.
// from the dev provider's /v1/publickey.pem endpoint. Called once at startup.
func FetchProviderPublicKey(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch provider public key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider key endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<16))
}

// Verify parses and validates a session token.
func (v *TokenVerifier) Verify(tokenStr string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SessionClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return v.pub, nil
		},
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Type != "session" {
		return nil, fmt.Errorf("token type %q is not a session token", claims.Type)
	}
	return claims, nil
}

// Middleware returns a gin middleware that requires a valid bearer session
// token and stores its claims in the request context.
func (v *TokenVerifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
			return
		}
		claims, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid or expired session token"})
			return
		}
		c.Set(ctxKeySession, claims)
		c.Next()
	}
}

// SessionFromCtx returns the verified claims set by Middleware, or nil.
func SessionFromCtx(c *gin.Context) *SessionClaims {
	val, ok := c.Get(ctxKeySession)
	if !ok {
		return nil
	}
	claims, ok := val.(*SessionClaims)
	if !ok {
		return nil
	}
	return claims
}
