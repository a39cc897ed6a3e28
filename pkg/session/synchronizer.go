// Package session reconciles the identity provider's external session with
// the authoritative backend user record into a single observable state, and
// owns every operation that may change it: register, sign in (password or
// delegated), sign out, refresh, and profile completion.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/carebridge-health/portal/pkg/backend"
	"github.com/carebridge-health/portal/pkg/idp"
	"go.uber.org/zap"
)

// errorDisplayTTL is how long a recorded error stays in state before it
// clears itself. Any newer state change cancels the pending clear.
const errorDisplayTTL = 5 * time.Second

// State is the reconciled authentication state observed by the rest of the
// portal. Consumers must not branch on User while Loading is true.
type State struct {
	Session *idp.Session
	User    *backend.User
	Profile *backend.DoctorProfile
	Loading bool
	Err     *Error
}

// SignedIn reports whether an external session exists.
func (s State) SignedIn() bool { return s.Session != nil }

// Registered reports whether the session maps to a backend record.
func (s State) Registered() bool { return s.User != nil }

// PendingRegistration reports the settled "signed in but no backend record"
// state that routes the user to registration.
func (s State) PendingRegistration() bool {
	return !s.Loading && s.Session != nil && s.User == nil
}

// ProfileFields carries the name fields collected on the registration form.
type ProfileFields struct {
	FirstName string
	LastName  string
	Phone     string
}

// api is the backend surface the synchronizer depends on, satisfied by
// *backend.Client.
type api interface {
	CheckRegistration(ctx context.Context, token, externalID string) (bool, error)
	Register(ctx context.Context, token string, req backend.RegisterRequest) (*backend.User, error)
	Login(ctx context.Context, token string) (*backend.User, *backend.DoctorProfile, error)
	Me(ctx context.Context, token string) (*backend.User, *backend.DoctorProfile, error)
	UpdateMe(ctx context.Context, token string, req backend.UpdateUserRequest) (*backend.User, error)
	CompletePatientProfile(ctx context.Context, token string, req backend.CompletePatientProfileRequest) error
	CompleteDoctorProfile(ctx context.Context, token string, req backend.CompleteDoctorProfileRequest) error
}

// Synchronizer is the single writer of State. It holds the one provider
// session-changed subscription; views and guards subscribe to the
// synchronizer, never to the provider.
type Synchronizer struct {
	provider idp.Provider
	api      api
	logger   *zap.Logger

	mu      sync.Mutex
	state   State
	subs    map[int]func(State)
	nextSub int

	// suppressReconcile closes the race between a registration in flight and
	// the session-changed event it triggers: while set, the event handler
	// skips its auto-fetch and Register installs the user record itself.
	suppressReconcile bool

	errGen      int
	errTimer    *time.Timer
	unsubscribe func()
}

// New creates a Synchronizer. Call Start to begin observing the provider.
func New(provider idp.Provider, backendAPI api, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		provider: provider,
		api:      backendAPI,
		logger:   logger,
		state:    State{Loading: true},
		subs:     make(map[int]func(State)),
	}
}

// Start subscribes to the provider's session-changed events. The provider
// fires immediately with the current session, which settles the initial
// Loading state one way or the other.
func (s *Synchronizer) Start() {
	s.unsubscribe = s.provider.OnSessionChanged(s.handleSessionChanged)
}

// Close tears the synchronizer down: the provider subscription is released
// and no further state updates are delivered, so a late operation completing
// after shutdown cannot notify torn-down consumers.
func (s *Synchronizer) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Lock()
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	s.subs = make(map[int]func(State))
	s.mu.Unlock()
}

// State returns a snapshot of the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer. fn is called immediately with the current
// state, then after every change. The returned function cancels the
// subscription.
func (s *Synchronizer) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	snap := s.state
	s.mu.Unlock()

	fn(snap)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// apply mutates state under the lock, manages the error-display timer, and
// notifies subscribers outside the lock. Every state change cancels a
// pending error clear; a newly recorded error arms a fresh one. There is
// never more than one timer outstanding.
func (s *Synchronizer) apply(mutate func(*State)) {
	s.mu.Lock()
	if s.errTimer != nil {
		s.errTimer.Stop()
		s.errTimer = nil
	}
	prevErr := s.state.Err
	mutate(&s.state)
	if s.state.Err != nil && s.state.Err != prevErr {
		s.errGen++
		gen := s.errGen
		s.errTimer = time.AfterFunc(errorDisplayTTL, func() { s.expireError(gen) })
	}
	snap := s.state
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// expireError clears a displayed error once its TTL lapses, unless a newer
// error has replaced it in the meantime.
func (s *Synchronizer) expireError(gen int) {
	s.mu.Lock()
	if gen != s.errGen || s.state.Err == nil {
		s.mu.Unlock()
		return
	}
	s.state.Err = nil
	s.errTimer = nil
	snap := s.state
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

func (s *Synchronizer) setSuppress(v bool) {
	s.mu.Lock()
	s.suppressReconcile = v
	s.mu.Unlock()
}

// handleSessionChanged is the provider event handler — the only entry point
// besides the public operations that touches state.
func (s *Synchronizer) handleSessionChanged(sess *idp.Session) {
	s.mu.Lock()
	suppressed := s.suppressReconcile
	s.mu.Unlock()
	if suppressed {
		// A registration is mid-flight; it installs the record itself once
		// the backend create lands. Fetching here would race the create and
		// could wrongly settle as unregistered.
		return
	}

	if sess == nil {
		s.apply(func(st *State) {
			st.Session = nil
			st.User = nil
			st.Profile = nil
			st.Loading = false
		})
		return
	}
	s.reconcile(context.Background(), sess)
}

// reconcile fetches the backend record for sess and settles state. A 404
// from login settles the pending-registration state with no error.
func (s *Synchronizer) reconcile(ctx context.Context, sess *idp.Session) {
	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		cerr := Classify(err)
		s.logger.Warn("session reconcile: mint token", zap.String("kind", string(cerr.Kind)), zap.Error(err))
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return
	}

	user, profile, err := s.api.Login(ctx, token)
	if backend.IsNotFound(err) {
		s.apply(func(st *State) {
			st.Session = sess
			st.User = nil
			st.Profile = nil
			st.Loading = false
			st.Err = nil
		})
		return
	}
	if err != nil {
		cerr := Classify(err)
		s.logger.Warn("session reconcile: fetch user", zap.String("kind", string(cerr.Kind)), zap.Error(err))
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return
	}

	s.apply(func(st *State) {
		st.Session = sess
		st.User = user
		st.Profile = profile
		st.Loading = false
		st.Err = nil
	})
}

// Register creates the provider account and the backend record in one
// operation and settles the active state. The suppress flag is set before
// the first provider call and released on every exit path, so the
// session-changed event the sign-up triggers cannot observe the half-created
// account.
//
// If the provider call fails, nothing was created. If the backend create
// fails afterwards, the external session stays live and the caller may retry
// Register; the backend is idempotent on the external id.
func (s *Synchronizer) Register(ctx context.Context, email, password string, role roles.Role, fields ProfileFields) error {
	s.setSuppress(true)
	defer s.setSuppress(false)

	displayName := strings.TrimSpace(fields.FirstName + " " + fields.LastName)
	sess, err := s.provider.SignUpWithPassword(ctx, email, password, displayName)
	if err != nil {
		return s.recordFailure(err)
	}

	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	user, err := s.api.Register(ctx, token, backend.RegisterRequest{
		ExternalID:   sess.ExternalID,
		Email:        sess.Email,
		FirstName:    fields.FirstName,
		LastName:     fields.LastName,
		DisplayName:  displayName,
		PhotoURL:     sess.PhotoURL,
		Phone:        fields.Phone,
		Role:         role,
		AuthProvider: backend.AuthProviderEmail,
	})
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	s.apply(func(st *State) {
		st.Session = sess
		st.User = user
		st.Profile = nil
		st.Loading = false
		st.Err = nil
	})
	return nil
}

// SignIn authenticates a password account and reconciles it with the
// backend. When the provider accepts the credentials but the backend has no
// record, state settles as pending registration with no displayed error and
// the returned error carries KindNotRegistered so the caller can route to
// the registration form.
func (s *Synchronizer) SignIn(ctx context.Context, email, password string) error {
	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.recordFailure(err)
	}

	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	user, profile, err := s.api.Login(ctx, token)
	if backend.IsNotFound(err) {
		s.apply(func(st *State) {
			st.Session = sess
			st.User = nil
			st.Profile = nil
			st.Loading = false
			st.Err = nil
		})
		return &Error{Kind: KindNotRegistered, Message: "account not registered"}
	}
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	s.apply(func(st *State) {
		st.Session = sess
		st.User = user
		st.Profile = profile
		st.Loading = false
		st.Err = nil
	})
	return nil
}

// SignInWithProvider authenticates through the delegated OAuth flow. A user
// the backend has never seen is registered on the spot with defaultRole and
// the provider-supplied name split into first/last; newUser reports which
// path was taken so the caller can route to profile completion versus the
// dashboard.
func (s *Synchronizer) SignInWithProvider(ctx context.Context, defaultRole roles.Role) (newUser bool, err error) {
	// The delegated sign-in fires a session-changed event mid-operation;
	// suppress the auto-fetch for the same reason Register does.
	s.setSuppress(true)
	defer s.setSuppress(false)

	sess, err := s.provider.SignInWithDelegatedProvider(ctx)
	if err != nil {
		return false, s.recordFailure(err)
	}

	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return false, cerr
	}

	registered, err := s.api.CheckRegistration(ctx, token, sess.ExternalID)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return false, cerr
	}

	if !registered {
		first, last := splitDisplayName(sess.DisplayName)
		user, err := s.api.Register(ctx, token, backend.RegisterRequest{
			ExternalID:   sess.ExternalID,
			Email:        sess.Email,
			FirstName:    first,
			LastName:     last,
			DisplayName:  sess.DisplayName,
			PhotoURL:     sess.PhotoURL,
			Role:         defaultRole,
			AuthProvider: backend.AuthProviderOAuth,
		})
		if err != nil {
			cerr := Classify(err)
			s.apply(func(st *State) {
				st.Session = sess
				st.Loading = false
				st.Err = cerr
			})
			return false, cerr
		}
		s.apply(func(st *State) {
			st.Session = sess
			st.User = user
			st.Profile = nil
			st.Loading = false
			st.Err = nil
		})
		return true, nil
	}

	user, profile, err := s.api.Login(ctx, token)
	if backend.IsNotFound(err) {
		// Registered a moment ago according to the check, gone now: treat as
		// pending registration rather than inventing a distinct state.
		s.apply(func(st *State) {
			st.Session = sess
			st.User = nil
			st.Profile = nil
			st.Loading = false
			st.Err = nil
		})
		return false, &Error{Kind: KindNotRegistered, Message: "account not registered"}
	}
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.Session = sess
			st.Loading = false
			st.Err = cerr
		})
		return false, cerr
	}

	s.apply(func(st *State) {
		st.Session = sess
		st.User = user
		st.Profile = profile
		st.Loading = false
		st.Err = nil
	})
	return false, nil
}

// SignOut ends the provider session and clears all local state, including
// any displayed error. Local state is cleared even when the provider call
// fails, and signing out while already signed out is a no-op.
func (s *Synchronizer) SignOut(ctx context.Context) error {
	err := s.provider.SignOut(ctx)

	s.apply(func(st *State) {
		*st = State{Loading: false}
	})

	if err != nil {
		s.logger.Warn("provider sign-out failed; local state cleared anyway", zap.Error(err))
		return Classify(err)
	}
	return nil
}

// RefreshCurrentUser re-fetches the backend record and profile for the
// current session; call it after any profile mutation. A failure clears the
// user record — the account may genuinely be gone server-side — and records
// the classified error.
func (s *Synchronizer) RefreshCurrentUser(ctx context.Context) error {
	s.mu.Lock()
	sess := s.state.Session
	s.mu.Unlock()
	if sess == nil {
		return &Error{Kind: KindNotAuthenticated, Message: "no active session"}
	}

	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.User = nil
			st.Profile = nil
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	user, profile, err := s.api.Me(ctx, token)
	if err != nil {
		cerr := Classify(err)
		s.apply(func(st *State) {
			st.User = nil
			st.Profile = nil
			st.Loading = false
			st.Err = cerr
		})
		return cerr
	}

	s.apply(func(st *State) {
		st.User = user
		st.Profile = profile
		st.Loading = false
		st.Err = nil
	})
	return nil
}

// UpdateProfile applies a partial profile update, then refreshes.
func (s *Synchronizer) UpdateProfile(ctx context.Context, req backend.UpdateUserRequest) error {
	token, err := s.currentToken(ctx)
	if err != nil {
		return err
	}
	if _, err := s.api.UpdateMe(ctx, token, req); err != nil {
		return s.recordFailure(err)
	}
	return s.RefreshCurrentUser(ctx)
}

// CompletePatientProfile submits patient onboarding details, then refreshes.
func (s *Synchronizer) CompletePatientProfile(ctx context.Context, req backend.CompletePatientProfileRequest) error {
	token, err := s.currentToken(ctx)
	if err != nil {
		return err
	}
	if err := s.api.CompletePatientProfile(ctx, token, req); err != nil {
		return s.recordFailure(err)
	}
	return s.RefreshCurrentUser(ctx)
}

// CompleteDoctorProfile submits doctor onboarding details, then refreshes.
func (s *Synchronizer) CompleteDoctorProfile(ctx context.Context, req backend.CompleteDoctorProfileRequest) error {
	token, err := s.currentToken(ctx)
	if err != nil {
		return err
	}
	if err := s.api.CompleteDoctorProfile(ctx, token, req); err != nil {
		return s.recordFailure(err)
	}
	return s.RefreshCurrentUser(ctx)
}

// currentToken mints a fresh token for the current session, short-circuiting
// locally when signed out.
func (s *Synchronizer) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	sess := s.state.Session
	s.mu.Unlock()
	if sess == nil {
		return "", &Error{Kind: KindNotAuthenticated, Message: "no active session"}
	}
	token, err := s.provider.Token(ctx, sess)
	if err != nil {
		return "", s.recordFailure(err)
	}
	return token, nil
}

// recordFailure classifies err, records it in state without disturbing the
// rest, and returns the classified error for the caller.
func (s *Synchronizer) recordFailure(err error) *Error {
	cerr := Classify(err)
	s.apply(func(st *State) {
		st.Loading = false
		st.Err = cerr
	})
	return cerr
}

// splitDisplayName turns a provider display name into first/last fields:
// first word, then everything else.
func splitDisplayName(name string) (first, last string) {
	parts := strings.Fields(name)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
