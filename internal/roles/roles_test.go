package roles_test

import (
	"testing"

	"github.com/carebridge-health/portal/internal/roles"
)

func TestHomePathFor_defaults(t *testing.T) {
	tests := []struct {
		name         string
		role         roles.Role
		verification roles.VerificationStatus
		want         string
	}{
		{"admin", roles.RoleAdmin, "", roles.AdminHome},
		{"approved doctor", roles.RoleDoctor, roles.VerificationApproved, roles.DoctorHome},
		{"pending doctor", roles.RoleDoctor, roles.VerificationPending, roles.VerificationPendingPath},
		{"rejected doctor", roles.RoleDoctor, roles.VerificationRejected, roles.VerificationPendingPath},
		{"patient", roles.RolePatient, "", roles.PatientHome},
		{"unknown role", roles.Role("visitor"), "", roles.PatientHome},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := roles.HomePathFor(tt.role, tt.verification, ""); got != tt.want {
				t.Fatalf("HomePathFor(%s) = %q, want %q", tt.role, got, tt.want)
			}
		})
	}
}

func TestHomePathFor_preservesDeepLinks(t *testing.T) {
	got := roles.HomePathFor(roles.RoleDoctor, roles.VerificationApproved, "/doctor/patients/42")
	if got != "/doctor/patients/42" {
		t.Fatalf("deep link lost: %q", got)
	}
	got = roles.HomePathFor(roles.RolePatient, "", "/patient/appointments")
	if got != "/patient/appointments" {
		t.Fatalf("deep link lost: %q", got)
	}
}

func TestHomePathFor_rejectsForeignIntendedPaths(t *testing.T) {
	// A patient carrying a doctor deep link goes to their own home.
	if got := roles.HomePathFor(roles.RolePatient, "", "/doctor/patients/42"); got != roles.PatientHome {
		t.Fatalf("foreign path honored: %q", got)
	}
	// Sibling prefixes do not count as descendants.
	if got := roles.HomePathFor(roles.RoleDoctor, roles.VerificationApproved, "/doctors-directory"); got != roles.DoctorHome {
		t.Fatalf("sibling prefix honored: %q", got)
	}
}

func TestHomePathFor_unapprovedDoctorIgnoresIntendedPath(t *testing.T) {
	got := roles.HomePathFor(roles.RoleDoctor, roles.VerificationUnderReview, "/doctor/patients/42")
	if got != roles.VerificationPendingPath {
		t.Fatalf("unapproved doctor routed to %q", got)
	}
}

func TestRole_Valid(t *testing.T) {
	for _, r := range []roles.Role{roles.RoleAdmin, roles.RoleDoctor, roles.RolePatient} {
		if !r.Valid() {
			t.Fatalf("%s reported invalid", r)
		}
	}
	if roles.Role("superuser").Valid() {
		t.Fatal("unknown role reported valid")
	}
}

func TestVerificationStatus_Valid(t *testing.T) {
	if !roles.VerificationUnderReview.Valid() {
		t.Fatal("under_review reported invalid")
	}
	if roles.VerificationStatus("archived").Valid() {
		t.Fatal("unknown status reported valid")
	}
}
