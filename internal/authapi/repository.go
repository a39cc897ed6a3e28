package authapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("user not found")

// ErrDuplicateExternalID is returned when a registration collides with an
// existing record for the same external id.
var ErrDuplicateExternalID = errors.New("external id already registered")

// ErrDuplicateEmail is returned when a registration collides with an
// existing record for the same email under a different external id.
var ErrDuplicateEmail = errors.New("email already registered")

// Repository provides CRUD operations for portal users against PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a Repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts a new user record. Sets ID, CreatedAt, UpdatedAt.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	u.ID = uuid.New()
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	q := `
		INSERT INTO users (id, external_id, email, first_name, last_name, display_name,
			photo_url, phone, role, auth_provider, status, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.db.Exec(ctx, q,
		u.ID, u.ExternalID, u.Email, u.FirstName, u.LastName, u.DisplayName,
		u.PhotoURL, u.Phone, u.Role, u.AuthProvider, u.Status, u.Settings,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "users_email_key" {
				return ErrDuplicateEmail
			}
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// GetByExternalID retrieves a user by their identity-provider id.
func (r *Repository) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	return r.scanOne(ctx, `SELECT * FROM users WHERE external_id = $1`, externalID)
}

// GetByID retrieves a user by their internal UUID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.scanOne(ctx, `SELECT * FROM users WHERE id = $1`, id)
}

// UpdateUser writes the mutable profile columns of an existing record.
func (r *Repository) UpdateUser(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC()
	q := `
		UPDATE users
		SET first_name = $2, last_name = $3, display_name = $4, photo_url = $5,
			phone = $6, settings = $7, updated_at = $8
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, q,
		u.ID, u.FirstName, u.LastName, u.DisplayName, u.PhotoURL,
		u.Phone, u.Settings, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRole updates a user's role.
func (r *Repository) SetRole(ctx context.Context, id uuid.UUID, role roles.Role) error {
	q := `UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, role, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates a user's account status.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status roles.AccountStatus) error {
	q := `UPDATE users SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.db.Exec(ctx, q, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDoctorProfile retrieves a doctor's profile row, or ErrNotFound when the
// user has none.
func (r *Repository) GetDoctorProfile(ctx context.Context, userID uuid.UUID) (*DoctorProfile, error) {
	q := `
		SELECT user_id, verification_status, specialty, license_number, biography, created_at, updated_at
		FROM doctor_profiles WHERE user_id = $1`
	var p DoctorProfile
	err := r.db.QueryRow(ctx, q, userID).Scan(
		&p.UserID, &p.VerificationStatus, &p.Specialty, &p.LicenseNumber,
		&p.Biography, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get doctor profile: %w", err)
	}
	return &p, nil
}

// UpsertDoctorProfile creates or updates the credential fields of a doctor
// profile. Verification status is never touched here: inserts start pending
// and later upserts keep whatever an administrator has set.
func (r *Repository) UpsertDoctorProfile(ctx context.Context, p *DoctorProfile) error {
	now := time.Now().UTC()
	q := `
		INSERT INTO doctor_profiles (user_id, verification_status, specialty, license_number, biography, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET specialty = EXCLUDED.specialty,
			license_number = EXCLUDED.license_number,
			biography = EXCLUDED.biography,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.Exec(ctx, q,
		p.UserID, roles.VerificationPending, p.Specialty, p.LicenseNumber, p.Biography, now,
	)
	if err != nil {
		return fmt.Errorf("upsert doctor profile: %w", err)
	}
	return nil
}

// SetDoctorVerification moves a doctor's verification status. Returns
// ErrNotFound when the user has no doctor profile.
func (r *Repository) SetDoctorVerification(ctx context.Context, userID uuid.UUID, status roles.VerificationStatus) error {
	q := `UPDATE doctor_profiles SET verification_status = $2, updated_at = $3 WHERE user_id = $1`
	tag, err := r.db.Exec(ctx, q, userID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set doctor verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertPatientProfile creates or updates a patient's onboarding details.
func (r *Repository) UpsertPatientProfile(ctx context.Context, p *PatientProfile) error {
	now := time.Now().UTC()
	q := `
		INSERT INTO patient_profiles (user_id, date_of_birth, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET date_of_birth = EXCLUDED.date_of_birth,
			address = EXCLUDED.address,
			updated_at = EXCLUDED.updated_at`
	_, err := r.db.Exec(ctx, q, p.UserID, p.DateOfBirth, p.Address, now)
	if err != nil {
		return fmt.Errorf("upsert patient profile: %w", err)
	}
	return nil
}

// ListDoctorsByVerification returns doctors whose profile sits in the given
// verification status, ordered oldest first for review queues.
func (r *Repository) ListDoctorsByVerification(ctx context.Context, status roles.VerificationStatus) ([]*User, error) {
	q := `
		SELECT u.* FROM users u
		JOIN doctor_profiles d ON d.user_id = u.id
		WHERE d.verification_status = $1
		ORDER BY d.created_at`
	rows, err := r.db.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// scanOne executes a single-row query and scans the result into a User.
func (r *Repository) scanOne(ctx context.Context, q string, args ...any) (*User, error) {
	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	u, err := scanUser(rows)
	if err != nil {
		return nil, err
	}
	return u, rows.Err()
}

// scanUser scans one row in schema column order: id, external_id, email,
// first_name, last_name, display_name, photo_url, phone, role, auth_provider,
// status, settings, created_at, updated_at.
func scanUser(rows pgx.Rows) (*User, error) {
	var u User
	if err := rows.Scan(
		&u.ID, &u.ExternalID, &u.Email, &u.FirstName, &u.LastName, &u.DisplayName,
		&u.PhotoURL, &u.Phone, &u.Role, &u.AuthProvider, &u.Status, &u.Settings,
		&u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
