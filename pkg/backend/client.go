package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carebridge-health/portal/internal/roles"
)

// APIError is a non-2xx reply from the auth backend. Message carries the
// human-readable `message` field of the error body verbatim when present.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error %d", e.Status)
	}
	return fmt.Sprintf("backend error %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0 for transport-level
// failures and non-backend errors.
func StatusOf(err error) int {
	var e *APIError
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsNotFound reports whether err is the backend's "no such record" reply.
// During sign-in this is the expected unregistered state, not a failure.
func IsNotFound(err error) bool { return StatusOf(err) == http.StatusNotFound }

// Client is a thin typed wrapper over the auth backend's JSON surface.
// It is stateless: the caller supplies a freshly minted bearer token on
// every call that needs one.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the auth backend at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient overrides the underlying http.Client, e.g. for tests.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }

// CheckRegistration reports whether a backend record exists for externalID.
func (c *Client) CheckRegistration(ctx context.Context, token, externalID string) (bool, error) {
	var resp struct {
		IsRegistered bool `json:"is_registered"`
	}
	err := c.call(ctx, http.MethodGet, "/auth/check-registration/"+externalID, token, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.IsRegistered, nil
}

// userEnvelope is the backend's standard user reply shape.
type userEnvelope struct {
	User    *User          `json:"user"`
	Profile *DoctorProfile `json:"profile"`
}

// Register creates the backend user record for a freshly minted external
// session. Safe to retry with the same external id.
func (c *Client) Register(ctx context.Context, token string, req RegisterRequest) (*User, error) {
	var resp userEnvelope
	if err := c.call(ctx, http.MethodPost, "/auth/register", token, req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// Login resolves the bearer token's identity to its backend record. A 404
// reply means the session holder has not registered yet; callers route that
// to registration rather than treating it as an error.
func (c *Client) Login(ctx context.Context, token string) (*User, *DoctorProfile, error) {
	var resp userEnvelope
	if err := c.call(ctx, http.MethodPost, "/auth/login", token, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.User, resp.Profile, nil
}

// Me fetches the current user record and role profile.
func (c *Client) Me(ctx context.Context, token string) (*User, *DoctorProfile, error) {
	var resp userEnvelope
	if err := c.call(ctx, http.MethodGet, "/auth/me", token, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.User, resp.Profile, nil
}

// UpdateMe applies a partial profile update to the current user.
func (c *Client) UpdateMe(ctx context.Context, token string, req UpdateUserRequest) (*User, error) {
	var resp userEnvelope
	if err := c.call(ctx, http.MethodPut, "/auth/me", token, req, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// UpdateRole sets the current user's role. Used only by the delegated
// sign-in flow when a brand-new user picks their role after the fact.
func (c *Client) UpdateRole(ctx context.Context, token string, role roles.Role) (*User, error) {
	var resp userEnvelope
	body := map[string]roles.Role{"role": role}
	if err := c.call(ctx, http.MethodPut, "/auth/update-role", token, body, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// CompletePatientProfile submits patient onboarding details.
func (c *Client) CompletePatientProfile(ctx context.Context, token string, req CompletePatientProfileRequest) error {
	return c.call(ctx, http.MethodPost, "/auth/complete-patient-profile", token, req, nil)
}

// CompleteDoctorProfile submits doctor onboarding details.
func (c *Client) CompleteDoctorProfile(ctx context.Context, token string, req CompleteDoctorProfileRequest) error {
	return c.call(ctx, http.MethodPost, "/auth/complete-doctor-profile", token, req, nil)
}

// DoctorVerificationStatus fetches the current doctor's verification status.
func (c *Client) DoctorVerificationStatus(ctx context.Context, token string) (roles.VerificationStatus, error) {
	var resp struct {
		VerificationStatus roles.VerificationStatus `json:"verification_status"`
	}
	err := c.call(ctx, http.MethodGet, "/auth/doctor-verification-status", token, nil, &resp)
	if err != nil {
		return "", err
	}
	return resp.VerificationStatus, nil
}

// call executes one backend request: JSON body in, JSON body out, bearer
// token attached when non-empty. Non-2xx responses become *APIError with the
// body's message field preserved.
func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(respBytes, &envelope); err == nil {
			apiErr.Message = envelope.Message
		}
		return apiErr
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
