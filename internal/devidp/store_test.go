package devidp_test

import (
	"errors"
	"testing"

	"github.com/carebridge-health/portal/internal/devidp"
)

func TestCreateAccount_duplicateEmail(t *testing.T) {
	s := devidp.NewStore()
	if _, err := s.CreateAccount("a@x.com", "password1", "Ada"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, err := s.CreateAccount("A@X.COM", "password2", "Ada Again")
	if !errors.Is(err, devidp.ErrEmailExists) {
		t.Fatalf("err = %v, want email exists", err)
	}
}

func TestAuthenticate_success(t *testing.T) {
	s := devidp.NewStore()
	created, err := s.CreateAccount("a@x.com", "password1", "Ada")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	a, err := s.Authenticate("  A@x.com ", "password1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if a.ID != created.ID {
		t.Fatalf("id = %s, want %s", a.ID, created.ID)
	}
}

func TestAuthenticate_wrongPassword(t *testing.T) {
	s := devidp.NewStore()
	if _, err := s.CreateAccount("a@x.com", "password1", "Ada"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	_, err := s.Authenticate("a@x.com", "nope")
	if !errors.Is(err, devidp.ErrBadPassword) {
		t.Fatalf("err = %v, want bad password", err)
	}
}

func TestAuthenticate_lockoutAfterRepeatedFailures(t *testing.T) {
	s := devidp.NewStore()
	if _, err := s.CreateAccount("a@x.com", "password1", "Ada"); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := s.Authenticate("a@x.com", "nope"); !errors.Is(err, devidp.ErrBadPassword) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	// Locked out now, even with the right password.
	_, err := s.Authenticate("a@x.com", "password1")
	if !errors.Is(err, devidp.ErrTooManyAttempts) {
		t.Fatalf("err = %v, want too many attempts", err)
	}
}

func TestSetPassword_resetsLockout(t *testing.T) {
	s := devidp.NewStore()
	created, err := s.CreateAccount("a@x.com", "password1", "Ada")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	for i := 0; i < 5; i++ {
		s.Authenticate("a@x.com", "nope") //nolint:errcheck
	}
	if err := s.SetPassword(created.ID, "password2"); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	if _, err := s.Authenticate("a@x.com", "password2"); err != nil {
		t.Fatalf("Authenticate after reset: %v", err)
	}
}

func TestCreateDelegatedAccount_idempotentAndVerified(t *testing.T) {
	s := devidp.NewStore()
	first, err := s.CreateDelegatedAccount("g@x.com", "Grace", "https://img/x.png")
	if err != nil {
		t.Fatalf("CreateDelegatedAccount: %v", err)
	}
	if !first.EmailVerified {
		t.Fatal("delegated account not pre-verified")
	}
	second, err := s.CreateDelegatedAccount("g@x.com", "Grace", "")
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat minted a new account: %s vs %s", second.ID, first.ID)
	}
	if second.PhotoURL != "https://img/x.png" {
		t.Fatalf("photo url lost: %q", second.PhotoURL)
	}
}

func TestCreateDelegatedAccount_mergesWithPasswordAccount(t *testing.T) {
	s := devidp.NewStore()
	created, err := s.CreateAccount("a@x.com", "password1", "Ada")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	merged, err := s.CreateDelegatedAccount("a@x.com", "Ada", "")
	if err != nil {
		t.Fatalf("CreateDelegatedAccount: %v", err)
	}
	if merged.ID != created.ID {
		t.Fatal("delegated sign-in split the account")
	}
	if !merged.EmailVerified {
		t.Fatal("delegated sign-in should verify the address")
	}
	// Password sign-in still works on the merged account.
	if _, err := s.Authenticate("a@x.com", "password1"); err != nil {
		t.Fatalf("Authenticate after merge: %v", err)
	}
}

func TestRefreshTokens_issueResolveRevoke(t *testing.T) {
	s := devidp.NewStore()
	created, err := s.CreateAccount("a@x.com", "password1", "Ada")
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	tok, err := s.IssueRefreshToken(created.ID)
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}
	a, err := s.ResolveRefreshToken(tok)
	if err != nil {
		t.Fatalf("ResolveRefreshToken: %v", err)
	}
	if a.ID != created.ID {
		t.Fatalf("resolved id = %s", a.ID)
	}

	s.RevokeRefreshToken(tok)
	if _, err := s.ResolveRefreshToken(tok); !errors.Is(err, devidp.ErrBadRefreshToken) {
		t.Fatalf("err = %v, want bad refresh token", err)
	}
	// Revoking twice stays quiet.
	s.RevokeRefreshToken(tok)
}
