// Package roles enumerates the CareBridge account roles and statuses and
// maps a reconciled user to its home destination in the portal.
package roles

import "strings"

// Role identifies what kind of account a portal user holds.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleDoctor, RolePatient:
		return true
	}
	return false
}

// VerificationStatus tracks where a doctor's credential review stands.
// Only VerificationApproved admits a doctor to the protected dashboard.
type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending"
	VerificationUnderReview VerificationStatus = "under_review"
	VerificationApproved    VerificationStatus = "approved"
	VerificationRejected    VerificationStatus = "rejected"
	VerificationSuspended   VerificationStatus = "suspended"
)

// Valid reports whether v is one of the known verification statuses.
func (v VerificationStatus) Valid() bool {
	switch v {
	case VerificationPending, VerificationUnderReview, VerificationApproved,
		VerificationRejected, VerificationSuspended:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state of a backend user record.
type AccountStatus string

const (
	AccountActive              AccountStatus = "active"
	AccountInactive            AccountStatus = "inactive"
	AccountSuspended           AccountStatus = "suspended"
	AccountPendingVerification AccountStatus = "pending_verification"
)

// Portal destinations keyed by role. Paths are relative to the portal root.
const (
	AdminHome               = "/admin"
	DoctorHome              = "/doctor"
	PatientHome             = "/patient"
	VerificationPendingPath = "/doctor/verification-pending"
)

// HomePathFor returns the destination to navigate to after a user's session
// settles. When intendedPath already lies under the role's home prefix it is
// preserved so deep links survive the sign-in round trip. An unapproved
// doctor is always routed to the verification-pending page, regardless of
// where they were headed.
//
// Must only be consulted once the synchronizer has settled (loading false).
func HomePathFor(role Role, verification VerificationStatus, intendedPath string) string {
	switch role {
	case RoleAdmin:
		return homeOrIntended(AdminHome, intendedPath)
	case RoleDoctor:
		if verification != VerificationApproved {
			return VerificationPendingPath
		}
		return homeOrIntended(DoctorHome, intendedPath)
	default:
		// Patients and anything unrecognized land on the patient dashboard.
		return homeOrIntended(PatientHome, intendedPath)
	}
}

func homeOrIntended(home, intendedPath string) string {
	if intendedPath != "" && underPrefix(intendedPath, home) {
		return intendedPath
	}
	return home
}

// underPrefix reports whether path is home itself or a descendant of it,
// without matching sibling prefixes ("/doctors" is not under "/doctor").
func underPrefix(path, home string) bool {
	return path == home || strings.HasPrefix(path, home+"/")
}
