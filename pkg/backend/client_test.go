package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/carebridge-health/portal/pkg/backend"
)

func TestLogin_decodesUserEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"user": map[string]any{
				"external_id": "ext-1",
				"email":       "dr@x.com",
				"role":        "doctor",
			},
			"profile": map[string]any{
				"verification_status": "approved",
				"specialty":           "Cardiology",
			},
		})
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL)
	user, profile, err := c.Login(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ExternalID != "ext-1" || user.Role != roles.RoleDoctor {
		t.Fatalf("user = %+v", user)
	}
	if profile == nil || profile.VerificationStatus != roles.VerificationApproved {
		t.Fatalf("profile = %+v", profile)
	}
}

func TestLogin_404_isNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"account not found"}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL)
	_, _, err := c.Login(context.Background(), "tok-1")
	if !backend.IsNotFound(err) {
		t.Fatalf("IsNotFound = false for %v", err)
	}
	if backend.StatusOf(err) != http.StatusNotFound {
		t.Fatalf("StatusOf = %d", backend.StatusOf(err))
	}
}

func TestRegister_preservesErrorMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req backend.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.ExternalID != "ext-1" {
			t.Errorf("external_id = %q", req.ExternalID)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"a different account already uses this external id"}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL)
	_, err := c.Register(context.Background(), "tok-1", backend.RegisterRequest{
		ExternalID: "ext-1",
		Email:      "a@x.com",
		Role:       roles.RolePatient,
	})
	if backend.StatusOf(err) != http.StatusConflict {
		t.Fatalf("status = %d, err = %v", backend.StatusOf(err), err)
	}
	var apiErr *backend.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "a different account already uses this external id" {
		t.Fatalf("message lost: %v", err)
	}
}

func TestCheckRegistration_pathAndDecode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/check-registration/ext-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"is_registered":true}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL)
	registered, err := c.CheckRegistration(context.Background(), "tok-1", "ext-1")
	if err != nil {
		t.Fatalf("CheckRegistration: %v", err)
	}
	if !registered {
		t.Fatal("registered = false")
	}
}

func TestDoctorVerificationStatus_decode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"verification_status":"under_review"}`))
	}))
	defer srv.Close()

	c := backend.NewClient(srv.URL)
	status, err := c.DoctorVerificationStatus(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("DoctorVerificationStatus: %v", err)
	}
	if status != roles.VerificationUnderReview {
		t.Fatalf("status = %s", status)
	}
}

func TestStatusOf_transportError(t *testing.T) {
	c := backend.NewClient("http://127.0.0.1:0")
	_, _, err := c.Login(context.Background(), "tok-1")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if backend.StatusOf(err) != 0 {
		t.Fatalf("transport error carried status %d", backend.StatusOf(err))
	}
}
