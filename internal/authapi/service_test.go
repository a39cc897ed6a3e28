package authapi_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/carebridge-health/portal/internal/authapi"
	"github.com/carebridge-health/portal/internal/roles"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stubRepo is an in-memory userRepo.
type stubRepo struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]*authapi.User
	byExtID  map[string]uuid.UUID
	byEmail  map[string]uuid.UUID
	doctors  map[uuid.UUID]*authapi.DoctorProfile
	patients map[uuid.UUID]*authapi.PatientProfile
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:    make(map[uuid.UUID]*authapi.User),
		byExtID:  make(map[string]uuid.UUID),
		byEmail:  make(map[string]uuid.UUID),
		doctors:  make(map[uuid.UUID]*authapi.DoctorProfile),
		patients: make(map[uuid.UUID]*authapi.PatientProfile),
	}
}

func (r *stubRepo) CreateUser(_ context.Context, u *authapi.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byExtID[u.ExternalID]; exists {
		return authapi.ErrDuplicateExternalID
	}
	if _, exists := r.byEmail[u.Email]; exists {
		return authapi.ErrDuplicateEmail
	}
	u.ID = uuid.New()
	cp := *u
	r.users[u.ID] = &cp
	r.byExtID[u.ExternalID] = u.ID
	r.byEmail[u.Email] = u.ID
	return nil
}

func (r *stubRepo) GetByExternalID(_ context.Context, externalID string) (*authapi.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExtID[externalID]
	if !ok {
		return nil, authapi.ErrNotFound
	}
	cp := *r.users[id]
	return &cp, nil
}

func (r *stubRepo) GetByID(_ context.Context, id uuid.UUID) (*authapi.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, authapi.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *stubRepo) UpdateUser(_ context.Context, u *authapi.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		return authapi.ErrNotFound
	}
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *stubRepo) SetRole(_ context.Context, id uuid.UUID, role roles.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return authapi.ErrNotFound
	}
	u.Role = role
	return nil
}

func (r *stubRepo) GetDoctorProfile(_ context.Context, userID uuid.UUID) (*authapi.DoctorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.doctors[userID]
	if !ok {
		return nil, authapi.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// UpsertDoctorProfile mirrors the real repository: an update touches
// credentials only, never verification status.
func (r *stubRepo) UpsertDoctorProfile(_ context.Context, p *authapi.DoctorProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.doctors[p.UserID]; ok {
		existing.Specialty = p.Specialty
		existing.LicenseNumber = p.LicenseNumber
		existing.Biography = p.Biography
		return nil
	}
	cp := *p
	if cp.VerificationStatus == "" {
		cp.VerificationStatus = roles.VerificationPending
	}
	r.doctors[p.UserID] = &cp
	return nil
}

func (r *stubRepo) SetDoctorVerification(_ context.Context, userID uuid.UUID, status roles.VerificationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.doctors[userID]
	if !ok {
		return authapi.ErrNotFound
	}
	p.VerificationStatus = status
	return nil
}

func (r *stubRepo) UpsertPatientProfile(_ context.Context, p *authapi.PatientProfile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.patients[p.UserID] = &cp
	return nil
}

func (r *stubRepo) ListDoctorsByVerification(_ context.Context, status roles.VerificationStatus) ([]*authapi.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*authapi.User
	for userID, p := range r.doctors {
		if p.VerificationStatus == status {
			cp := *r.users[userID]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newService(r *stubRepo) *authapi.Service {
	return authapi.NewService(r, zap.NewNop())
}

func patientParams(extID, email string) authapi.RegisterParams {
	return authapi.RegisterParams{
		ExternalID:   extID,
		Email:        email,
		FirstName:    "Sam",
		LastName:     "Porter",
		Role:         roles.RolePatient,
		AuthProvider: "email",
	}
}

func TestRegister_patient(t *testing.T) {
	svc := newService(newStubRepo())

	u, profile, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.ID == uuid.Nil {
		t.Fatal("id not assigned")
	}
	if u.Status != roles.AccountActive {
		t.Fatalf("status = %s", u.Status)
	}
	if u.DisplayName != "Sam Porter" {
		t.Fatalf("display name = %q", u.DisplayName)
	}
	if profile != nil {
		t.Fatal("patient got a doctor profile")
	}
}

func TestRegister_doctor_getsPendingProfile(t *testing.T) {
	svc := newService(newStubRepo())

	p := patientParams("ext-1", "dr@x.com")
	p.Role = roles.RoleDoctor
	_, profile, err := svc.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if profile == nil || profile.VerificationStatus != roles.VerificationPending {
		t.Fatalf("profile = %+v, want pending", profile)
	}
}

func TestRegister_adminRole_rejected(t *testing.T) {
	svc := newService(newStubRepo())

	p := patientParams("ext-1", "a@x.com")
	p.Role = roles.RoleAdmin
	_, _, err := svc.Register(context.Background(), p)
	if !errors.Is(err, authapi.ErrRoleNotAssignable) {
		t.Fatalf("err = %v, want role-not-assignable", err)
	}
}

func TestRegister_replaySameEmail_returnsExisting(t *testing.T) {
	svc := newService(newStubRepo())

	first, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com"))
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("replay created a new record: %s vs %s", second.ID, first.ID)
	}
}

func TestRegister_replayDifferentEmail_rejected(t *testing.T) {
	svc := newService(newStubRepo())

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := svc.Register(context.Background(), patientParams("ext-1", "other@x.com"))
	if !errors.Is(err, authapi.ErrEmailMismatch) {
		t.Fatalf("err = %v, want email mismatch", err)
	}
}

func TestRegister_duplicateEmail(t *testing.T) {
	svc := newService(newStubRepo())

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, _, err := svc.Register(context.Background(), patientParams("ext-2", "sam@x.com"))
	if !errors.Is(err, authapi.ErrDuplicateEmail) {
		t.Fatalf("err = %v, want duplicate email", err)
	}
}

func TestResolve_unregistered(t *testing.T) {
	svc := newService(newStubRepo())
	_, _, err := svc.Resolve(context.Background(), "ext-missing")
	if !errors.Is(err, authapi.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestResolve_doctorWithoutProfileRow_synthesizesPending(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo)

	p := patientParams("ext-1", "dr@x.com")
	p.Role = roles.RoleDoctor
	u, _, err := svc.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	repo.mu.Lock()
	delete(repo.doctors, u.ID)
	repo.mu.Unlock()

	_, profile, err := svc.Resolve(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile == nil || profile.VerificationStatus != roles.VerificationPending {
		t.Fatalf("profile = %+v, want synthesized pending", profile)
	}
}

func TestUpdateRole_toDoctor_createsProfile(t *testing.T) {
	svc := newService(newStubRepo())

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	u, err := svc.UpdateRole(context.Background(), "ext-1", roles.RoleDoctor)
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if u.Role != roles.RoleDoctor {
		t.Fatalf("role = %s", u.Role)
	}
	status, err := svc.DoctorVerificationStatus(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("DoctorVerificationStatus: %v", err)
	}
	if status != roles.VerificationPending {
		t.Fatalf("status = %s", status)
	}
}

func TestUpdateRole_admin_rejected(t *testing.T) {
	svc := newService(newStubRepo())

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := svc.UpdateRole(context.Background(), "ext-1", roles.RoleAdmin)
	if !errors.Is(err, authapi.ErrRoleNotAssignable) {
		t.Fatalf("err = %v, want role-not-assignable", err)
	}
}

func TestCompleteDoctorProfile_doesNotTouchVerification(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo)

	p := patientParams("ext-1", "dr@x.com")
	p.Role = roles.RoleDoctor
	u, _, err := svc.Register(context.Background(), p)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := svc.SetDoctorVerification(context.Background(), u.ID, roles.VerificationApproved); err != nil {
		t.Fatalf("SetDoctorVerification: %v", err)
	}

	err = svc.CompleteDoctorProfile(context.Background(), "ext-1", authapi.CompleteDoctorProfileParams{
		Specialty:     "Cardiology",
		LicenseNumber: "MD-44821",
	})
	if err != nil {
		t.Fatalf("CompleteDoctorProfile: %v", err)
	}

	status, err := svc.DoctorVerificationStatus(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("DoctorVerificationStatus: %v", err)
	}
	if status != roles.VerificationApproved {
		t.Fatalf("credentials submission reset verification to %s", status)
	}
}

func TestCompleteDoctorProfile_wrongRole(t *testing.T) {
	svc := newService(newStubRepo())

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := svc.CompleteDoctorProfile(context.Background(), "ext-1", authapi.CompleteDoctorProfileParams{
		Specialty: "Cardiology",
	})
	if err == nil {
		t.Fatal("patient allowed to submit doctor credentials")
	}
}

func TestCompletePatientProfile_updatesPhone(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo)

	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := svc.CompletePatientProfile(context.Background(), "ext-1", "+1-555-0100", "1990-04-01", "12 Elm St")
	if err != nil {
		t.Fatalf("CompletePatientProfile: %v", err)
	}
	u, err := repo.GetByExternalID(context.Background(), "ext-1")
	if err != nil {
		t.Fatalf("GetByExternalID: %v", err)
	}
	if u.Phone != "+1-555-0100" {
		t.Fatalf("phone = %q", u.Phone)
	}
}

func TestSetDoctorVerification_invalidStatus(t *testing.T) {
	svc := newService(newStubRepo())
	err := svc.SetDoctorVerification(context.Background(), uuid.New(), roles.VerificationStatus("archived"))
	if err == nil {
		t.Fatal("invalid status accepted")
	}
}

func TestPendingDoctors(t *testing.T) {
	repo := newStubRepo()
	svc := newService(repo)

	dr1 := patientParams("ext-1", "dr1@x.com")
	dr1.Role = roles.RoleDoctor
	u1, _, err := svc.Register(context.Background(), dr1)
	if err != nil {
		t.Fatalf("Register dr1: %v", err)
	}
	dr2 := patientParams("ext-2", "dr2@x.com")
	dr2.Role = roles.RoleDoctor
	if _, _, err := svc.Register(context.Background(), dr2); err != nil {
		t.Fatalf("Register dr2: %v", err)
	}

	if err := svc.SetDoctorVerification(context.Background(), u1.ID, roles.VerificationApproved); err != nil {
		t.Fatalf("SetDoctorVerification: %v", err)
	}

	pending, err := svc.PendingDoctors(context.Background())
	if err != nil {
		t.Fatalf("PendingDoctors: %v", err)
	}
	if len(pending) != 1 || pending[0].ExternalID != "ext-2" {
		t.Fatalf("pending = %+v", pending)
	}
}

func TestIsRegistered(t *testing.T) {
	svc := newService(newStubRepo())

	ok, err := svc.IsRegistered(context.Background(), "ext-1")
	if err != nil || ok {
		t.Fatalf("empty repo: ok=%v err=%v", ok, err)
	}
	if _, _, err := svc.Register(context.Background(), patientParams("ext-1", "sam@x.com")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ok, err = svc.IsRegistered(context.Background(), "ext-1")
	if err != nil || !ok {
		t.Fatalf("after register: ok=%v err=%v", ok, err)
	}
}
