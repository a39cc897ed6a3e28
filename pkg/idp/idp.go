// Package idp defines the identity-provider contract the CareBridge portal
// depends on, plus an HTTP client for the CareBridge identity service. The
// provider owns the external session and its persistence; the rest of the
// portal only ever holds references to sessions and mints short-lived tokens
// through it.
package idp

import (
	"context"
	"errors"
)

// Session is the provider-issued proof of authentication. It is independent
// of the portal's own user records; ExternalID is the stable join key between
// the two worlds.
type Session struct {
	ExternalID  string `json:"external_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Provider is the identity-provider surface consumed by the session
// synchronizer. Exactly one OnSessionChanged subscription is expected, owned
// by the synchronizer; everything else in the application observes sessions
// through the synchronizer's state, never through the provider directly.
type Provider interface {
	// OnSessionChanged registers the session observer. The callback fires
	// immediately with the current session (nil when signed out), then on
	// every subsequent change. The returned function cancels the
	// subscription.
	OnSessionChanged(fn func(*Session)) (unsubscribe func())

	// SignUpWithPassword creates a new provider account and signs it in.
	SignUpWithPassword(ctx context.Context, email, password, displayName string) (*Session, error)

	// SignInWithPassword authenticates an existing password account.
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)

	// SignInWithDelegatedProvider authenticates through a third-party
	// provider (Google, GitHub) via the identity service's OAuth flow.
	SignInWithDelegatedProvider(ctx context.Context) (*Session, error)

	// SignOut ends the current session. Signing out when already signed out
	// is a no-op, not an error.
	SignOut(ctx context.Context) error

	// Token mints a short-lived bearer token for s. Tokens are cached and
	// refreshed internally; callers must request a fresh one immediately
	// before each backend call rather than storing it.
	Token(ctx context.Context, s *Session) (string, error)

	// SendPasswordReset emails a password-reset link to the given address.
	SendPasswordReset(ctx context.Context, email string) error

	// SendVerificationEmail emails an address-verification link for s.
	SendVerificationEmail(ctx context.Context, s *Session) error
}

// Provider error codes as carried on the wire by the identity service.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS"
	CodeUserDisabled       = "USER_DISABLED"
	CodeNetwork            = "NETWORK"
)

// Error is a classified identity-provider failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// CodeOf returns the provider error code carried by err, or "" when err is
// not a provider error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
