package devidp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

// OAuthProviderConfig holds OAuth client credentials for a single delegated
// provider.
type OAuthProviderConfig struct {
	ClientID     string
	ClientSecret string
}

// loginCodeTTL bounds how long the one-time code minted by the callback page
// stays redeemable.
const loginCodeTTL = 5 * time.Minute

// oauthFlow implements delegated sign-in. Because the portal SDK has no
// browser of its own, the flow hands off through one-time codes: Start
// returns the provider's authorization URL, the browser lands on Callback,
// and Callback prints a short-lived code the SDK redeems for a session.
type oauthFlow struct {
	store  *Store
	cfgs   map[string]*oauth2.Config
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]stateEntry // CSRF state → provider
	codes  map[string]codeEntry  // one-time login code → account
}

type stateEntry struct {
	provider string
	expires  time.Time
}

type codeEntry struct {
	accountID string
	expires   time.Time
}

// newOAuthFlow builds the flow, or returns nil when no provider has full
// credentials.
func newOAuthFlow(store *Store, providers map[string]OAuthProviderConfig, externalURL string, logger *zap.Logger) *oauthFlow {
	cfgs := make(map[string]*oauth2.Config)
	for name, p := range providers {
		if p.ClientID == "" || p.ClientSecret == "" {
			continue
		}
		var endpoint oauth2.Endpoint
		var scopes []string
		switch name {
		case "github":
			endpoint = github.Endpoint
			scopes = []string{"user:email"}
		case "google":
			endpoint = google.Endpoint
			scopes = []string{"openid", "email", "profile"}
		default:
			continue
		}
		cfgs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  externalURL + "/oauth/" + name + "/callback",
			Scopes:       scopes,
			Endpoint:     endpoint,
		}
	}
	if len(cfgs) == 0 {
		return nil
	}
	return &oauthFlow{
		store:  store,
		cfgs:   cfgs,
		logger: logger,
		states: make(map[string]stateEntry),
		codes:  make(map[string]codeEntry),
	}
}

type oauthStartRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// Start handles POST /v1/oauth/start — returns the authorization URL for the
// requested provider.
func (f *oauthFlow) Start(c *gin.Context) {
	var req oauthStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	cfg, ok := f.cfgs[req.Provider]
	if !ok {
		writeError(c, http.StatusUnprocessableEntity, "OAUTH_DISABLED", fmt.Sprintf("provider %q not configured", req.Provider))
		return
	}

	state, err := randomToken()
	if err != nil {
		f.logger.Error("generate oauth state", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	f.mu.Lock()
	f.states[state] = stateEntry{provider: req.Provider, expires: time.Now().Add(loginCodeTTL)}
	f.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"auth_url": cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)})
}

// Callback handles GET /oauth/:provider/callback — the browser leg. It
// exchanges the provider code, upserts the delegated account, and prints the
// one-time login code for the waiting SDK.
func (f *oauthFlow) Callback(c *gin.Context) {
	provider := c.Param("provider")
	cfg, ok := f.cfgs[provider]
	if !ok {
		writeError(c, http.StatusUnprocessableEntity, "OAUTH_DISABLED", fmt.Sprintf("provider %q not configured", provider))
		return
	}

	if !f.consumeState(c.Query("state"), provider) {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid OAuth state")
		return
	}

	code := c.Query("code")
	if code == "" {
		errMsg := c.Query("error_description")
		if errMsg == "" {
			errMsg = c.Query("error")
		}
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "authorization failed: "+errMsg)
		return
	}

	oauthToken, err := cfg.Exchange(c.Request.Context(), code)
	if err != nil {
		f.logger.Error("oauth code exchange", zap.String("provider", provider), zap.Error(err))
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "code exchange failed")
		return
	}

	email, displayName, photoURL, err := fetchDelegatedUserInfo(c.Request.Context(), provider, oauthToken.AccessToken)
	if err != nil {
		f.logger.Error("fetch delegated user info", zap.String("provider", provider), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "INTERNAL", "failed to fetch user info from provider")
		return
	}
	if email == "" {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", "provider returned no email address")
		return
	}

	a, err := f.store.CreateDelegatedAccount(email, displayName, photoURL)
	if err != nil {
		writeError(c, http.StatusForbidden, "USER_DISABLED", "account disabled")
		return
	}

	loginCode, err := randomToken()
	if err != nil {
		f.logger.Error("generate login code", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	f.mu.Lock()
	f.codes[loginCode] = codeEntry{accountID: a.ID, expires: time.Now().Add(loginCodeTTL)}
	f.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"login_code": loginCode,
		"message":    "sign-in approved; paste this code into the application within 5 minutes",
	})
}

type oauthCodeRequest struct {
	Code string `json:"code" binding:"required"`
}

// Redeem consumes a one-time login code and returns its account. On failure
// it writes the error response itself and returns ok=false.
func (f *oauthFlow) Redeem(c *gin.Context) (*Account, bool) {
	var req oauthCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return nil, false
	}

	f.mu.Lock()
	entry, ok := f.codes[req.Code]
	delete(f.codes, req.Code)
	f.mu.Unlock()
	if !ok || time.Now().After(entry.expires) {
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "login code invalid or expired")
		return nil, false
	}

	a, err := f.store.GetByID(entry.accountID)
	if err != nil {
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "login code invalid or expired")
		return nil, false
	}
	return a, true
}

// consumeState validates and burns a CSRF state value.
func (f *oauthFlow) consumeState(state, provider string) bool {
	if state == "" {
		return false
	}
	f.mu.Lock()
	entry, ok := f.states[state]
	delete(f.states, state)
	f.mu.Unlock()
	return ok && entry.provider == provider && time.Now().Before(entry.expires)
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// fetchDelegatedUserInfo calls the provider's user-info API and returns
// (email, displayName, photoURL).
func fetchDelegatedUserInfo(ctx context.Context, provider, accessToken string) (string, string, string, error) {
	switch provider {
	case "github":
		return fetchGitHubUserInfo(ctx, accessToken)
	case "google":
		return fetchGoogleUserInfo(ctx, accessToken)
	default:
		return "", "", "", fmt.Errorf("unsupported provider: %s", provider)
	}
}

func fetchGitHubUserInfo(ctx context.Context, accessToken string) (email, name, photoURL string, err error) {
	body, err := providerAPIGet(ctx, "https://api.github.com/user", accessToken)
	if err != nil {
		return "", "", "", err
	}

	var info struct {
		Login     string `json:"login"`
		Name      string `json:"name"`
		Email     string `json:"email"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", "", fmt.Errorf("parse github user info: %w", err)
	}

	// GitHub may hide the public email; fall back to /user/emails.
	if info.Email == "" {
		info.Email, _ = fetchGitHubPrimaryEmail(ctx, accessToken)
	}
	displayName := info.Name
	if displayName == "" {
		displayName = info.Login
	}
	return info.Email, displayName, info.AvatarURL, nil
}

func fetchGitHubPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	body, err := providerAPIGet(ctx, "https://api.github.com/user/emails", accessToken)
	if err != nil {
		return "", err
	}
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := json.Unmarshal(body, &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, nil
	}
	return "", nil
}

func fetchGoogleUserInfo(ctx context.Context, accessToken string) (email, name, photoURL string, err error) {
	body, err := providerAPIGet(ctx, "https://www.googleapis.com/oauth2/v2/userinfo", accessToken)
	if err != nil {
		return "", "", "", err
	}
	var info struct {
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", "", "", fmt.Errorf("parse google user info: %w", err)
	}
	return info.Email, info.Name, info.Picture, nil
}

func providerAPIGet(ctx context.Context, url, accessToken string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	// GitHub rejects requests without a User-Agent.
	if strings.Contains(url, "github.com") {
		req.Header.Set("User-Agent", "carebridge-devidp/1.0")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api get %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("api returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
