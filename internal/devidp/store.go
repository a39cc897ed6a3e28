package devidp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Provider account errors.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrEmailExists     = errors.New("email already registered")
	ErrBadPassword     = errors.New("wrong password")
	ErrAccountDisabled = errors.New("account disabled")
	ErrTooManyAttempts = errors.New("too many failed attempts")
	ErrBadRefreshToken = errors.New("refresh token not found or revoked")
)

// failedAttemptLimit locks password sign-in for an account after this many
// consecutive failures; a successful sign-in resets the count.
const failedAttemptLimit = 5

// Account is a provider-side identity. Accounts hold only what the provider
// vouches for — credentials and contact identity — never portal roles or
// medical data.
type Account struct {
	ID            string
	Email         string
	PasswordHash  []byte // empty for delegated-only accounts
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
	Disabled      bool
	CreatedAt     time.Time
}

// Store keeps accounts and refresh tokens in memory. Development only:
// the hosted provider owns real persistence, and the portal is specified to
// delegate session persistence entirely to the provider.
type Store struct {
	mu             sync.RWMutex
	byEmail        map[string]*Account
	byID           map[string]*Account
	refreshTokens  map[string]string // token → account ID
	failedAttempts map[string]int    // account ID → consecutive failures
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		byEmail:        make(map[string]*Account),
		byID:           make(map[string]*Account),
		refreshTokens:  make(map[string]string),
		failedAttempts: make(map[string]int),
	}
}

// CreateAccount registers a password account.
func (s *Store) CreateAccount(email, password, displayName string) (*Account, error) {
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byEmail[email]; exists {
		return nil, ErrEmailExists
	}
	a := &Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		DisplayName:  displayName,
		CreatedAt:    time.Now().UTC(),
	}
	s.byEmail[email] = a
	s.byID[a.ID] = a
	return cloneAccount(a), nil
}

// CreateDelegatedAccount registers (or returns) an account for a delegated
// provider identity. Delegated emails arrive pre-verified.
func (s *Store) CreateDelegatedAccount(email, displayName, photoURL string) (*Account, error) {
	email = normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byEmail[email]; ok {
		if existing.Disabled {
			return nil, ErrAccountDisabled
		}
		existing.EmailVerified = true
		if existing.PhotoURL == "" {
			existing.PhotoURL = photoURL
		}
		return cloneAccount(existing), nil
	}
	a := &Account{
		ID:            uuid.New().String(),
		Email:         email,
		DisplayName:   displayName,
		PhotoURL:      photoURL,
		EmailVerified: true,
		CreatedAt:     time.Now().UTC(),
	}
	s.byEmail[email] = a
	s.byID[a.ID] = a
	return cloneAccount(a), nil
}

// Authenticate checks a password sign-in, enforcing the failed-attempt lock.
func (s *Store) Authenticate(email, password string) (*Account, error) {
	email = normalizeEmail(email)

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byEmail[email]
	if !ok || len(a.PasswordHash) == 0 {
		return nil, ErrAccountNotFound
	}
	if a.Disabled {
		return nil, ErrAccountDisabled
	}
	if s.failedAttempts[a.ID] >= failedAttemptLimit {
		return nil, ErrTooManyAttempts
	}
	if err := bcrypt.CompareHashAndPassword(a.PasswordHash, []byte(password)); err != nil {
		s.failedAttempts[a.ID]++
		return nil, ErrBadPassword
	}
	s.failedAttempts[a.ID] = 0
	return cloneAccount(a), nil
}

// GetByEmail looks an account up by address.
func (s *Store) GetByEmail(email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byEmail[normalizeEmail(email)]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// GetByID looks an account up by provider id.
func (s *Store) GetByID(id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

// MarkEmailVerified flags the account's address as verified.
func (s *Store) MarkEmailVerified(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.EmailVerified = true
	return nil
}

// SetPassword replaces the account's password hash (reset flow).
func (s *Store) SetPassword(id, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.PasswordHash = hash
	s.failedAttempts[a.ID] = 0
	return nil
}

// IssueRefreshToken mints a long-lived opaque refresh token for an account.
func (s *Store) IssueRefreshToken(accountID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)

	s.mu.Lock()
	s.refreshTokens[token] = accountID
	s.mu.Unlock()
	return token, nil
}

// ResolveRefreshToken returns the account behind a refresh token.
func (s *Store) ResolveRefreshToken(token string) (*Account, error) {
	s.mu.RLock()
	id, ok := s.refreshTokens[token]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrBadRefreshToken
	}
	return s.GetByID(id)
}

// RevokeRefreshToken invalidates a refresh token. Revoking an unknown token
// is a no-op so sign-out stays idempotent.
func (s *Store) RevokeRefreshToken(token string) {
	s.mu.Lock()
	delete(s.refreshTokens, token)
	s.mu.Unlock()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneAccount(a *Account) *Account {
	cp := *a
	return &cp
}
