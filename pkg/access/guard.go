// Package access decides whether a protected view may render for the
// current reconciled session state. The decision is pure: it performs no
// I/O, reads only the state the synchronizer already settled, and always
// produces exactly one outcome.
package access

import (
	"github.com/carebridge-health/portal/internal/roles"
	"github.com/carebridge-health/portal/pkg/backend"
	"github.com/carebridge-health/portal/pkg/session"
)

// OutcomeKind is the closed set of guard decisions.
type OutcomeKind string

const (
	// Loading: the synchronizer has not settled; render a spinner, decide
	// nothing else.
	Loading OutcomeKind = "loading"
	// RedirectToSignIn: no external session.
	RedirectToSignIn OutcomeKind = "redirect-to-sign-in"
	// RedirectToRegistration: session present, no backend record.
	RedirectToRegistration OutcomeKind = "redirect-to-registration"
	// Denied: the user's role is outside the policy's allowed set.
	Denied OutcomeKind = "denied"
	// RedirectToVerificationPending: an unapproved doctor hit a view that
	// requires verification.
	RedirectToVerificationPending OutcomeKind = "redirect-to-verification-pending"
	// Allow: render the view.
	Allow OutcomeKind = "allow"
)

// Outcome is a guard decision. ReturnPath is set on the sign-in and
// registration redirects so the user lands back where they were headed;
// RequiredRoles/ActualRole are set on Denied for the error message.
type Outcome struct {
	Kind          OutcomeKind
	ReturnPath    string
	RequiredRoles []roles.Role
	ActualRole    roles.Role
}

// Policy is a route's static access requirement. An empty AllowedRoles set
// admits every registered role.
type Policy struct {
	AllowedRoles          []roles.Role
	RequireVerifiedDoctor bool
}

// Named policy presets covering the portal's protected areas.
var (
	AdminOnly          = Policy{AllowedRoles: []roles.Role{roles.RoleAdmin}}
	DoctorOnly         = Policy{AllowedRoles: []roles.Role{roles.RoleDoctor}}
	VerifiedDoctorOnly = Policy{AllowedRoles: []roles.Role{roles.RoleDoctor}, RequireVerifiedDoctor: true}
	PatientOnly        = Policy{AllowedRoles: []roles.Role{roles.RolePatient}}
	PatientOrDoctor    = Policy{AllowedRoles: []roles.Role{roles.RolePatient, roles.RoleDoctor}}
)

// Decide evaluates policy against state for a view at currentPath. The
// checks run in a fixed order and the first match wins: loading, then
// missing session, then missing registration, then role membership, then
// doctor verification, then allow.
func Decide(state session.State, policy Policy, currentPath string) Outcome {
	if state.Loading {
		return Outcome{Kind: Loading}
	}
	if state.Session == nil {
		return Outcome{Kind: RedirectToSignIn, ReturnPath: currentPath}
	}
	if state.User == nil {
		return Outcome{Kind: RedirectToRegistration, ReturnPath: currentPath}
	}
	if len(policy.AllowedRoles) > 0 && !roleAllowed(policy.AllowedRoles, state.User.Role) {
		return Outcome{
			Kind:          Denied,
			RequiredRoles: policy.AllowedRoles,
			ActualRole:    state.User.Role,
		}
	}
	if policy.RequireVerifiedDoctor && state.User.Role == roles.RoleDoctor && !doctorApproved(state.Profile) {
		return Outcome{Kind: RedirectToVerificationPending}
	}
	return Outcome{Kind: Allow}
}

func roleAllowed(allowed []roles.Role, r roles.Role) bool {
	for _, a := range allowed {
		if a == r {
			return true
		}
	}
	return false
}

// doctorApproved treats a missing profile as unapproved: absence of a
// verification record never grants access.
func doctorApproved(p *backend.DoctorProfile) bool {
	return p != nil && p.VerificationStatus == roles.VerificationApproved
}
