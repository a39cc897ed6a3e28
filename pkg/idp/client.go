package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenRefreshBuffer refreshes tokens this long before actual expiry to
// absorb clock skew between the client and the identity service.
const tokenRefreshBuffer = 60 * time.Second

// Client talks to the CareBridge identity service over its REST surface and
// implements Provider. It holds the current session, caches the short-lived
// ID token, and refreshes it ahead of expiry using the long-lived refresh
// token.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// delegatedCode turns an OAuth authorization URL into the one-time login
	// code issued by the identity service's callback page. A CLI prompts the
	// user to paste it; a browser host completes it invisibly.
	delegatedCode func(ctx context.Context, authURL string) (string, error)

	mu           sync.Mutex
	session      *Session
	idToken      string
	refreshToken string
	tokenExpiry  time.Time
	onChange     func(*Session)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDelegatedCodeSource supplies the hook used by
// SignInWithDelegatedProvider to complete the browser half of the OAuth
// flow. Without it, delegated sign-in fails locally.
func WithDelegatedCodeSource(fn func(ctx context.Context, authURL string) (string, error)) Option {
	return func(c *Client) { c.delegatedCode = fn }
}

// NewClient creates a Client for the identity service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// sessionResponse is the identity service's reply to any call that
// establishes or resumes a session.
type sessionResponse struct {
	ExternalID   string `json:"external_id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	PhotoURL     string `json:"photo_url"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// OnSessionChanged implements Provider. The identity service delivers no
// push channel to clients; session changes originate from this Client's own
// operations, so the observer fires synchronously from them.
func (c *Client) OnSessionChanged(fn func(*Session)) (unsubscribe func()) {
	c.mu.Lock()
	c.onChange = fn
	current := c.session
	c.mu.Unlock()

	// Fire immediately with the current session, nil included.
	fn(current)

	return func() {
		c.mu.Lock()
		c.onChange = nil
		c.mu.Unlock()
	}
}

// SignUpWithPassword implements Provider.
func (c *Client) SignUpWithPassword(ctx context.Context, email, password, displayName string) (*Session, error) {
	var resp sessionResponse
	err := c.post(ctx, "/v1/signup", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.adoptSession(resp), nil
}

// SignInWithPassword implements Provider.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var resp sessionResponse
	err := c.post(ctx, "/v1/signin", map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return c.adoptSession(resp), nil
}

// SignInWithDelegatedProvider implements Provider. It asks the identity
// service for an authorization URL, hands it to the configured code source,
// and exchanges the returned one-time code for a session.
func (c *Client) SignInWithDelegatedProvider(ctx context.Context) (*Session, error) {
	if c.delegatedCode == nil {
		return nil, &Error{Code: CodeNetwork, Message: "no delegated sign-in code source configured"}
	}

	var start struct {
		AuthURL string `json:"auth_url"`
	}
	if err := c.post(ctx, "/v1/oauth/start", map[string]string{"provider": "google"}, &start); err != nil {
		return nil, err
	}

	code, err := c.delegatedCode(ctx, start.AuthURL)
	if err != nil {
		return nil, fmt.Errorf("obtain delegated login code: %w", err)
	}

	var resp sessionResponse
	if err := c.post(ctx, "/v1/oauth/code", map[string]string{"code": code}, &resp); err != nil {
		return nil, err
	}
	return c.adoptSession(resp), nil
}

// ResumeSession re-establishes a session from a previously saved refresh
// token, e.g. across CLI invocations.
func (c *Client) ResumeSession(ctx context.Context, refreshToken string) (*Session, error) {
	var resp sessionResponse
	err := c.post(ctx, "/v1/token", map[string]string{"refresh_token": refreshToken}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return c.adoptSession(resp), nil
}

// RefreshToken returns the current long-lived refresh token, or "" when
// signed out. Callers that persist sessions across runs store this.
func (c *Client) RefreshToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshToken
}

// SignOut implements Provider. Double sign-out is a no-op.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	signedIn := c.session != nil
	c.mu.Unlock()

	if !signedIn {
		return nil
	}

	// Best effort: revoke the refresh token server-side. The local session
	// is cleared regardless so sign-out cannot strand the user.
	if err := c.post(ctx, "/v1/signout", map[string]string{"refresh_token": refresh}, nil); err != nil {
		c.clearSession()
		return err
	}
	c.clearSession()
	return nil
}

// Token implements Provider. The cached ID token is reused until it nears
// expiry, then refreshed via the refresh token.
func (c *Client) Token(ctx context.Context, s *Session) (string, error) {
	if s == nil {
		return "", &Error{Code: CodeInvalidCredentials, Message: "no active session"}
	}

	c.mu.Lock()
	if c.session != nil && c.session.ExternalID == s.ExternalID &&
		c.idToken != "" && time.Now().Before(c.tokenExpiry) {
		token := c.idToken
		c.mu.Unlock()
		return token, nil
	}
	refresh := c.refreshToken
	c.mu.Unlock()

	if refresh == "" {
		return "", &Error{Code: CodeInvalidCredentials, Message: "session has no refresh token"}
	}

	var resp sessionResponse
	if err := c.post(ctx, "/v1/token", map[string]string{"refresh_token": refresh}, &resp); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.idToken = resp.IDToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenRefreshBuffer)
	token := c.idToken
	c.mu.Unlock()
	return token, nil
}

// SendPasswordReset implements Provider.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	return c.post(ctx, "/v1/password-reset", map[string]string{"email": email}, nil)
}

// SendVerificationEmail implements Provider.
func (c *Client) SendVerificationEmail(ctx context.Context, s *Session) error {
	token, err := c.Token(ctx, s)
	if err != nil {
		return err
	}
	return c.post(ctx, "/v1/send-verification", map[string]string{"id_token": token}, nil)
}

// adoptSession installs the session described by resp as current and
// notifies the observer.
func (c *Client) adoptSession(resp sessionResponse) *Session {
	s := &Session{
		ExternalID:  resp.ExternalID,
		Email:       resp.Email,
		DisplayName: resp.DisplayName,
		PhotoURL:    resp.PhotoURL,
	}

	c.mu.Lock()
	c.session = s
	c.idToken = resp.IDToken
	c.refreshToken = resp.RefreshToken
	c.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - tokenRefreshBuffer)
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify(s)
	}
	return s
}

func (c *Client) clearSession() {
	c.mu.Lock()
	c.session = nil
	c.idToken = ""
	c.refreshToken = ""
	c.tokenExpiry = time.Time{}
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify(nil)
	}
}

// errorResponse is the identity service's error envelope.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// post sends a JSON request and decodes the JSON response into out (skipped
// when out is nil). Non-2xx replies are converted into classified *Error
// values using the service's error envelope.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Code: CodeNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return &Error{Code: CodeNetwork, Message: "read response: " + err.Error()}
	}

	if resp.StatusCode >= 300 {
		var envelope errorResponse
		if err := json.Unmarshal(respBytes, &envelope); err == nil && envelope.Error.Code != "" {
			return &Error{Code: envelope.Error.Code, Message: envelope.Error.Message}
		}
		return &Error{Code: CodeNetwork, Message: fmt.Sprintf("identity service error %d", resp.StatusCode)}
	}

	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
