// Package backend wraps the CareBridge auth backend's HTTP contract in a
// typed client. The backend is the authoritative source for user records;
// the identity provider only vouches for who is on the other end.
package backend

import (
	"time"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/google/uuid"
)

// AuthProvider records how an account authenticates with the identity
// provider.
const (
	AuthProviderEmail = "email"
	AuthProviderOAuth = "oauth"
)

// User is the authoritative portal identity, keyed to the identity
// provider's session by ExternalID. At most one User exists per external id;
// a missing User for a live session is the "unregistered" state, not an
// error.
type User struct {
	ID          uuid.UUID          `json:"id"`
	ExternalID  string             `json:"external_id"`
	Email       string             `json:"email"`
	FirstName   string             `json:"first_name"`
	LastName    string             `json:"last_name"`
	DisplayName string             `json:"display_name"`
	PhotoURL    string             `json:"photo_url,omitempty"`
	Phone       string             `json:"phone,omitempty"`
	Role        roles.Role         `json:"role"`
	AuthProvider string            `json:"auth_provider"`
	Status      roles.AccountStatus `json:"status"`
	Settings    map[string]any     `json:"settings,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// DoctorProfile is the role-specific extension for doctor accounts. Other
// roles carry no profile.
type DoctorProfile struct {
	VerificationStatus roles.VerificationStatus `json:"verification_status"`
	Specialty          string                   `json:"specialty,omitempty"`
	LicenseNumber      string                   `json:"license_number,omitempty"`
	Biography          string                   `json:"biography,omitempty"`
}

// RegisterRequest is the payload for POST /auth/register. Registration is
// idempotent on ExternalID: retrying with the same payload returns the
// record created by the first attempt.
type RegisterRequest struct {
	ExternalID   string     `json:"external_id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	DisplayName  string     `json:"display_name,omitempty"`
	PhotoURL     string     `json:"photo_url,omitempty"`
	Phone        string     `json:"phone,omitempty"`
	Role         roles.Role `json:"role"`
	AuthProvider string     `json:"auth_provider"`
}

// UpdateUserRequest carries the mutable profile fields for PUT /auth/me.
// Nil pointers leave the corresponding field unchanged.
type UpdateUserRequest struct {
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	DisplayName *string `json:"display_name,omitempty"`
	PhotoURL    *string `json:"photo_url,omitempty"`
	Phone       *string `json:"phone,omitempty"`
}

// CompletePatientProfileRequest finishes a patient's onboarding.
type CompletePatientProfileRequest struct {
	Phone       string `json:"phone,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Address     string `json:"address,omitempty"`
}

// CompleteDoctorProfileRequest finishes a doctor's onboarding. Submitting it
// leaves the verification status untouched; approval is an admin action.
type CompleteDoctorProfileRequest struct {
	Specialty     string `json:"specialty"`
	LicenseNumber string `json:"license_number"`
	Phone         string `json:"phone,omitempty"`
	Biography     string `json:"biography,omitempty"`
}
