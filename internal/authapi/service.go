package authapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEmailMismatch is returned when a registration retry arrives for an
// existing external id with a different email address.
var ErrEmailMismatch = errors.New("external id registered under a different email")

// ErrRoleNotAssignable is returned when a caller tries to self-assign a role
// that only provisioning can grant.
var ErrRoleNotAssignable = errors.New("role cannot be self-assigned")

// userRepo is the storage interface consumed by Service.
type userRepo interface {
	CreateUser(ctx context.Context, u *User) error
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	SetRole(ctx context.Context, id uuid.UUID, role roles.Role) error
	GetDoctorProfile(ctx context.Context, userID uuid.UUID) (*DoctorProfile, error)
	UpsertDoctorProfile(ctx context.Context, p *DoctorProfile) error
	SetDoctorVerification(ctx context.Context, userID uuid.UUID, status roles.VerificationStatus) error
	UpsertPatientProfile(ctx context.Context, p *PatientProfile) error
	ListDoctorsByVerification(ctx context.Context, status roles.VerificationStatus) ([]*User, error)
}

// Service implements the auth backend's business logic.
type Service struct {
	repo   userRepo
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(repo userRepo, logger *zap.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// RegisterParams carries a validated registration request. ExternalID and
// Email come from the verified session token, never from the request body.
type RegisterParams struct {
	ExternalID   string
	Email        string
	FirstName    string
	LastName     string
	DisplayName  string
	PhotoURL     string
	Phone        string
	Role         roles.Role
	AuthProvider string
}

// Register creates the user record for a fresh external session. It is
// idempotent on external id: a retry with the same email returns the record
// the first attempt created, so a client crash between provider sign-up and
// backend registration heals on the next attempt.
func (s *Service) Register(ctx context.Context, p RegisterParams) (*User, *DoctorProfile, error) {
	if !p.Role.Valid() || p.Role == roles.RoleAdmin {
		return nil, nil, ErrRoleNotAssignable
	}
	if p.DisplayName == "" {
		p.DisplayName = fmt.Sprintf("%s %s", p.FirstName, p.LastName)
	}

	u := &User{
		ExternalID:   p.ExternalID,
		Email:        p.Email,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		DisplayName:  p.DisplayName,
		PhotoURL:     p.PhotoURL,
		Phone:        p.Phone,
		Role:         p.Role,
		AuthProvider: p.AuthProvider,
		Status:       roles.AccountActive,
	}

	err := s.repo.CreateUser(ctx, u)
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicateExternalID):
		existing, getErr := s.repo.GetByExternalID(ctx, p.ExternalID)
		if getErr != nil {
			return nil, nil, fmt.Errorf("load existing registration: %w", getErr)
		}
		if existing.Email != p.Email {
			return nil, nil, ErrEmailMismatch
		}
		s.logger.Info("registration replay, returning existing record",
			zap.String("external_id", p.ExternalID))
		profile, _ := s.doctorProfileFor(ctx, existing)
		return existing, profile, nil
	case errors.Is(err, ErrDuplicateEmail):
		return nil, nil, ErrDuplicateEmail
	default:
		return nil, nil, err
	}

	var profile *DoctorProfile
	if u.Role == roles.RoleDoctor {
		dp := &DoctorProfile{UserID: u.ID, VerificationStatus: roles.VerificationPending}
		if err := s.repo.UpsertDoctorProfile(ctx, dp); err != nil {
			return nil, nil, fmt.Errorf("create doctor profile: %w", err)
		}
		profile = dp
	}

	s.logger.Info("user registered",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(u.Role)))
	return u, profile, nil
}

// IsRegistered reports whether a record exists for the external id.
func (s *Service) IsRegistered(ctx context.Context, externalID string) (bool, error) {
	_, err := s.repo.GetByExternalID(ctx, externalID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Resolve maps a verified session to its user record and doctor profile.
// ErrNotFound means the session holder has not registered.
func (s *Service) Resolve(ctx context.Context, externalID string) (*User, *DoctorProfile, error) {
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, nil, err
	}
	profile, err := s.doctorProfileFor(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	return u, profile, nil
}

// UpdateProfileParams carries a partial profile update. Nil pointers leave
// the corresponding field unchanged.
type UpdateProfileParams struct {
	FirstName   *string
	LastName    *string
	DisplayName *string
	PhotoURL    *string
	Phone       *string
}

// UpdateProfile applies a partial update to the caller's record.
func (s *Service) UpdateProfile(ctx context.Context, externalID string, p UpdateProfileParams) (*User, error) {
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if p.FirstName != nil {
		u.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		u.LastName = *p.LastName
	}
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.PhotoURL != nil {
		u.PhotoURL = *p.PhotoURL
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if err := s.repo.UpdateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateRole sets the caller's role. Only patient and doctor are
// self-assignable; this exists for delegated sign-ins that register before
// the user has picked a role.
func (s *Service) UpdateRole(ctx context.Context, externalID string, role roles.Role) (*User, error) {
	if !role.Valid() || role == roles.RoleAdmin {
		return nil, ErrRoleNotAssignable
	}
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetRole(ctx, u.ID, role); err != nil {
		return nil, err
	}
	u.Role = role
	if role == roles.RoleDoctor {
		dp := &DoctorProfile{UserID: u.ID, VerificationStatus: roles.VerificationPending}
		if err := s.repo.UpsertDoctorProfile(ctx, dp); err != nil {
			return nil, fmt.Errorf("create doctor profile: %w", err)
		}
	}
	s.logger.Info("role updated",
		zap.String("user_id", u.ID.String()),
		zap.String("role", string(role)))
	return u, nil
}

// CompletePatientProfile stores patient onboarding details.
func (s *Service) CompletePatientProfile(ctx context.Context, externalID, phone, dateOfBirth, address string) error {
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if u.Role != roles.RolePatient {
		return fmt.Errorf("user role is %s, not patient", u.Role)
	}
	if phone != "" {
		u.Phone = phone
		if err := s.repo.UpdateUser(ctx, u); err != nil {
			return err
		}
	}
	return s.repo.UpsertPatientProfile(ctx, &PatientProfile{
		UserID:      u.ID,
		DateOfBirth: dateOfBirth,
		Address:     address,
	})
}

// CompleteDoctorProfileParams carries doctor onboarding credentials.
type CompleteDoctorProfileParams struct {
	Specialty     string
	LicenseNumber string
	Phone         string
	Biography     string
}

// CompleteDoctorProfile stores doctor onboarding credentials. Submitting
// credentials never changes verification status; that is an administrator
// decision.
func (s *Service) CompleteDoctorProfile(ctx context.Context, externalID string, p CompleteDoctorProfileParams) error {
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if u.Role != roles.RoleDoctor {
		return fmt.Errorf("user role is %s, not doctor", u.Role)
	}
	if p.Phone != "" {
		u.Phone = p.Phone
		if err := s.repo.UpdateUser(ctx, u); err != nil {
			return err
		}
	}
	return s.repo.UpsertDoctorProfile(ctx, &DoctorProfile{
		UserID:        u.ID,
		Specialty:     p.Specialty,
		LicenseNumber: p.LicenseNumber,
		Biography:     p.Biography,
	})
}

// DoctorVerificationStatus returns the caller's verification status.
func (s *Service) DoctorVerificationStatus(ctx context.Context, externalID string) (roles.VerificationStatus, error) {
	u, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return "", err
	}
	if u.Role != roles.RoleDoctor {
		return "", fmt.Errorf("user role is %s, not doctor", u.Role)
	}
	profile, err := s.repo.GetDoctorProfile(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		// Doctors registered before submitting credentials have no row yet.
		return roles.VerificationPending, nil
	}
	if err != nil {
		return "", err
	}
	return profile.VerificationStatus, nil
}

// SetDoctorVerification moves a doctor's verification status. Administrator
// operation.
func (s *Service) SetDoctorVerification(ctx context.Context, doctorUserID uuid.UUID, status roles.VerificationStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid verification status %q", status)
	}
	if err := s.repo.SetDoctorVerification(ctx, doctorUserID, status); err != nil {
		return err
	}
	s.logger.Info("doctor verification updated",
		zap.String("user_id", doctorUserID.String()),
		zap.String("status", string(status)))
	return nil
}

// PendingDoctors lists doctors awaiting review, oldest first.
func (s *Service) PendingDoctors(ctx context.Context) ([]*User, error) {
	return s.repo.ListDoctorsByVerification(ctx, roles.VerificationPending)
}

// doctorProfileFor loads the doctor profile when the user is a doctor;
// other roles always get nil.
func (s *Service) doctorProfileFor(ctx context.Context, u *User) (*DoctorProfile, error) {
	if u.Role != roles.RoleDoctor {
		return nil, nil
	}
	profile, err := s.repo.GetDoctorProfile(ctx, u.ID)
	if errors.Is(err, ErrNotFound) {
		return &DoctorProfile{UserID: u.ID, VerificationStatus: roles.VerificationPending}, nil
	}
	if err != nil {
		return nil, err
	}
	return profile, nil
}
