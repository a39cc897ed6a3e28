package session

import (
	"errors"
	"net/http"

	"github.com/carebridge-health/portal/pkg/backend"
	"github.com/carebridge-health/portal/pkg/idp"
)

// ErrorKind is the closed set of failure classes the synchronizer surfaces.
// Provider and backend specifics are mapped into this set so the view layer
// branches on stable values.
type ErrorKind string

const (
	// KindInvalidCredentials: wrong password or nonexistent provider account.
	KindInvalidCredentials ErrorKind = "invalid-credentials"
	// KindAccountNotFound: the backend has no record for a valid session.
	KindAccountNotFound ErrorKind = "account-not-found"
	// KindRateLimited: provider or backend throttling; retry later.
	KindRateLimited ErrorKind = "rate-limited"
	// KindUnavailable: transport failure or 5xx; the operation may be retried.
	KindUnavailable ErrorKind = "network-or-backend-unavailable"
	// KindValidationFailed: the backend rejected a registration or update
	// payload. Message carries the backend's field-level detail verbatim.
	KindValidationFailed ErrorKind = "validation-failed"
	// KindReauthRequired: a sensitive operation ran with a stale credential;
	// the caller must re-collect the password and retry.
	KindReauthRequired ErrorKind = "reauthentication-required"
	// KindNotRegistered: sign-in succeeded at the provider but no backend
	// record exists. This routes to registration; it is not a hard error and
	// is never recorded in state.
	KindNotRegistered ErrorKind = "not-yet-registered"
	// KindNotAuthenticated: an operation needing a session ran without one.
	// Short-circuited locally; no request is issued.
	KindNotAuthenticated ErrorKind = "not-authenticated"
)

// Error is a classified synchronizer failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// KindOf returns the kind carried by err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Classify maps provider and backend failures into the closed kind set.
// Unrecognized errors are treated as unavailability, the only class a caller
// can safely retry.
func Classify(err error) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	switch idp.CodeOf(err) {
	case idp.CodeInvalidCredentials:
		return &Error{Kind: KindInvalidCredentials, Message: "invalid email or password"}
	case idp.CodeUserDisabled:
		return &Error{Kind: KindInvalidCredentials, Message: "this account has been disabled"}
	case idp.CodeEmailExists:
		return &Error{Kind: KindValidationFailed, Message: "an account with this email already exists"}
	case idp.CodeTooManyAttempts:
		return &Error{Kind: KindRateLimited, Message: "too many attempts, try again later"}
	case idp.CodeNetwork:
		return &Error{Kind: KindUnavailable, Message: "identity service unavailable"}
	}

	if status := backend.StatusOf(err); status != 0 {
		var apiErr *backend.APIError
		errors.As(err, &apiErr)
		switch {
		case status == http.StatusNotFound:
			return &Error{Kind: KindAccountNotFound, Message: apiErr.Message}
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return &Error{Kind: KindReauthRequired, Message: apiErr.Message}
		case status == http.StatusBadRequest || status == http.StatusConflict ||
			status == http.StatusUnprocessableEntity:
			return &Error{Kind: KindValidationFailed, Message: apiErr.Message}
		case status == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Message: apiErr.Message}
		default:
			return &Error{Kind: KindUnavailable, Message: apiErr.Message}
		}
	}

	return &Error{Kind: KindUnavailable, Message: err.Error()}
}
