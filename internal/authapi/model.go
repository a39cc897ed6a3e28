// Package authapi implements the CareBridge auth backend: the authoritative
// store of portal users, their roles, and doctor verification state. It
// trusts the identity provider only for who the caller is; everything the
// portal decides from (role, account status, verification) lives here.
package authapi

import (
	"time"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/google/uuid"
)

// User is the authoritative portal identity, keyed by the identity
// provider's external id. At most one row exists per external id.
type User struct {
	ID           uuid.UUID           `json:"id"            db:"id"`
	ExternalID   string              `json:"external_id"   db:"external_id"`
	Email        string              `json:"email"         db:"email"`
	FirstName    string              `json:"first_name"    db:"first_name"`
	LastName     string              `json:"last_name"     db:"last_name"`
	DisplayName  string              `json:"display_name"  db:"display_name"`
	PhotoURL     string              `json:"photo_url,omitempty" db:"photo_url"`
	Phone        string              `json:"phone,omitempty"     db:"phone"`
	Role         roles.Role          `json:"role"          db:"role"`
	AuthProvider string              `json:"auth_provider" db:"auth_provider"`
	Status       roles.AccountStatus `json:"status"        db:"status"`
	Settings     map[string]any      `json:"settings,omitempty" db:"settings"`
	CreatedAt    time.Time           `json:"created_at"    db:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"    db:"updated_at"`
}

// DoctorProfile is the role-specific extension for doctor accounts. A row
// appears at registration with verification pending; only an administrator
// moves it to approved.
type DoctorProfile struct {
	UserID             uuid.UUID                `json:"-"                   db:"user_id"`
	VerificationStatus roles.VerificationStatus `json:"verification_status" db:"verification_status"`
	Specialty          string                   `json:"specialty,omitempty" db:"specialty"`
	LicenseNumber      string                   `json:"license_number,omitempty" db:"license_number"`
	Biography          string                   `json:"biography,omitempty" db:"biography"`
	CreatedAt          time.Time                `json:"-"                   db:"created_at"`
	UpdatedAt          time.Time                `json:"-"                   db:"updated_at"`
}

// PatientProfile holds patient onboarding details.
type PatientProfile struct {
	UserID      uuid.UUID `json:"-"                       db:"user_id"`
	DateOfBirth string    `json:"date_of_birth,omitempty" db:"date_of_birth"`
	Address     string    `json:"address,omitempty"       db:"address"`
	CreatedAt   time.Time `json:"-"                       db:"created_at"`
	UpdatedAt   time.Time `json:"-"                       db:"updated_at"`
}
