package devidp

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/carebridge-health/portal/internal/email"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the identity service's REST surface consumed by the
// portal's idp client and by the auth backend (key discovery).
type Handler struct {
	store       *Store
	tokens      *TokenIssuer
	mailer      email.Sender
	oauth       *oauthFlow // nil when no providers are configured
	externalURL string     // base URL links in email point at
	logger      *zap.Logger
}

// NewHandler creates a Handler. oauthProviders may be empty to disable
// delegated sign-in.
func NewHandler(store *Store, tokens *TokenIssuer, mailer email.Sender, oauthProviders map[string]OAuthProviderConfig, externalURL string, logger *zap.Logger) *Handler {
	return &Handler{
		store:       store,
		tokens:      tokens,
		mailer:      mailer,
		oauth:       newOAuthFlow(store, oauthProviders, externalURL, logger),
		externalURL: externalURL,
		logger:      logger,
	}
}

// Register mounts all identity routes on the engine.
func (h *Handler) Register(engine *gin.Engine) {
	v1 := engine.Group("/v1")
	{
		v1.POST("/signup", h.SignUp)
		v1.POST("/signin", h.SignIn)
		v1.POST("/token", h.Token)
		v1.POST("/signout", h.SignOut)
		v1.POST("/password-reset", h.SendPasswordReset)
		v1.POST("/password-reset/confirm", h.ConfirmPasswordReset)
		v1.POST("/send-verification", h.SendVerification)
		v1.GET("/verify-email", h.VerifyEmail)
		v1.GET("/publickey.pem", h.PublicKeyPEM)

		v1.POST("/oauth/start", h.OAuthStart)
		v1.POST("/oauth/code", h.OAuthCode)
	}
	engine.GET("/.well-known/jwks.json", h.JWKS)
	if h.oauth != nil {
		engine.GET("/oauth/:provider/callback", h.oauth.Callback)
	}
}

type signUpRequest struct {
	Email       string `json:"email"        binding:"required,email"`
	Password    string `json:"password"     binding:"required,min=8"`
	DisplayName string `json:"display_name"`
}

type signInRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type emailRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// SignUp handles POST /v1/signup — creates a password account and signs it in.
func (h *Handler) SignUp(c *gin.Context) {
	var req signUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	a, err := h.store.CreateAccount(req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.logger.Info("account created", zap.String("account_id", a.ID))
	h.writeSession(c, a)
}

// SignIn handles POST /v1/signin — password authentication.
func (h *Handler) SignIn(c *gin.Context) {
	var req signInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	a, err := h.store.Authenticate(req.Email, req.Password)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}
	h.writeSession(c, a)
}

// Token handles POST /v1/token — exchanges a refresh token for a fresh
// session token. The session fields are echoed back so clients can resume a
// persisted session from the refresh token alone.
func (h *Handler) Token(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	a, err := h.store.ResolveRefreshToken(req.RefreshToken)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	idToken, err := h.tokens.IssueSession(a)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"external_id":  a.ID,
		"email":        a.Email,
		"display_name": a.DisplayName,
		"photo_url":    a.PhotoURL,
		"id_token":     idToken,
		"expires_in":   int(h.tokens.TTL().Seconds()),
	})
}

// SignOut handles POST /v1/signout — revokes a refresh token. Unknown
// tokens are revoked silently so double sign-out never fails.
func (h *Handler) SignOut(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}
	h.store.RevokeRefreshToken(req.RefreshToken)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendPasswordReset handles POST /v1/password-reset. The response is the
// same whether or not the address is registered.
func (h *Handler) SendPasswordReset(c *gin.Context) {
	var req emailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	a, err := h.store.GetByEmail(req.Email)
	if err != nil {
		// Don't reveal whether the address exists.
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	token, err := h.tokens.IssuePasswordReset(a)
	if err != nil {
		h.internalError(c, err)
		return
	}
	link := h.externalURL + "/reset-password?token=" + token
	body := fmt.Sprintf(
		"Hello %s,\n\nReset your CareBridge password:\n\n  %s\n\nThis link expires in 1 hour.\n\nIf you did not request a reset, ignore this email.\n",
		a.DisplayName, link,
	)
	if err := h.mailer.Send(c.Request.Context(), a.Email, "Reset your CareBridge password", body); err != nil {
		h.logger.Warn("send password reset email", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type confirmResetRequest struct {
	Token    string `json:"token"    binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

// ConfirmPasswordReset handles POST /v1/password-reset/confirm.
func (h *Handler) ConfirmPasswordReset(c *gin.Context) {
	var req confirmResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	claims, err := h.tokens.Verify(req.Token, "password-reset")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_TOKEN", "reset token invalid or expired")
		return
	}
	if err := h.store.SetPassword(claims.Subject, req.Password); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type sendVerificationRequest struct {
	IDToken string `json:"id_token" binding:"required"`
}

// SendVerification handles POST /v1/send-verification.
func (h *Handler) SendVerification(c *gin.Context) {
	var req sendVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
		return
	}

	claims, err := h.tokens.Verify(req.IDToken, "session")
	if err != nil {
		writeError(c, http.StatusUnauthorized, "INVALID_TOKEN", "session token invalid or expired")
		return
	}
	a, err := h.store.GetByID(claims.Subject)
	if err != nil {
		h.writeStoreError(c, err)
		return
	}

	token, err := h.tokens.IssueEmailVerification(a)
	if err != nil {
		h.internalError(c, err)
		return
	}
	link := h.externalURL + "/v1/verify-email?token=" + token
	body := fmt.Sprintf(
		"Hello %s,\n\nVerify your CareBridge email address:\n\n  %s\n\nThis link expires in 24 hours.\n",
		a.DisplayName, link,
	)
	if err := h.mailer.Send(c.Request.Context(), a.Email, "Verify your CareBridge email", body); err != nil {
		h.logger.Warn("send verification email", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// VerifyEmail handles GET /v1/verify-email — the emailed link target.
func (h *Handler) VerifyEmail(c *gin.Context) {
	claims, err := h.tokens.Verify(c.Query("token"), "verify-email")
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_TOKEN", "verification token invalid or expired")
		return
	}
	if err := h.store.MarkEmailVerified(claims.Subject); err != nil {
		h.writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *Handler) JWKS(c *gin.Context) {
	c.JSON(http.StatusOK, h.tokens.JWKS())
}

// PublicKeyPEM handles GET /v1/publickey.pem — the auth backend fetches
// this once at startup to verify session tokens.
func (h *Handler) PublicKeyPEM(c *gin.Context) {
	pemBytes, err := PublicKeyPEM(h.tokens.PublicKey())
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/x-pem-file", pemBytes)
}

// OAuthStart handles POST /v1/oauth/start — returns the authorization URL
// the client must open in a browser.
func (h *Handler) OAuthStart(c *gin.Context) {
	if h.oauth == nil {
		writeError(c, http.StatusNotImplemented, "OAUTH_DISABLED", "no delegated providers configured")
		return
	}
	h.oauth.Start(c)
}

// OAuthCode handles POST /v1/oauth/code — exchanges the one-time login code
// issued by the callback page for a session.
func (h *Handler) OAuthCode(c *gin.Context) {
	if h.oauth == nil {
		writeError(c, http.StatusNotImplemented, "OAUTH_DISABLED", "no delegated providers configured")
		return
	}
	a, ok := h.oauth.Redeem(c)
	if !ok {
		return
	}
	h.writeSession(c, a)
}

// writeSession issues the token pair for a and writes the standard session
// response.
func (h *Handler) writeSession(c *gin.Context, a *Account) {
	idToken, err := h.tokens.IssueSession(a)
	if err != nil {
		h.internalError(c, err)
		return
	}
	refresh, err := h.store.IssueRefreshToken(a.ID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"external_id":   a.ID,
		"email":         a.Email,
		"display_name":  a.DisplayName,
		"photo_url":     a.PhotoURL,
		"id_token":      idToken,
		"refresh_token": refresh,
		"expires_in":    int(h.tokens.TTL().Seconds()),
	})
}

func (h *Handler) writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrBadPassword):
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
	case errors.Is(err, ErrEmailExists):
		writeError(c, http.StatusConflict, "EMAIL_EXISTS", "email already registered")
	case errors.Is(err, ErrTooManyAttempts):
		writeError(c, http.StatusTooManyRequests, "TOO_MANY_ATTEMPTS", "too many failed attempts, try again later")
	case errors.Is(err, ErrAccountDisabled):
		writeError(c, http.StatusForbidden, "USER_DISABLED", "account disabled")
	case errors.Is(err, ErrBadRefreshToken):
		writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "refresh token invalid or revoked")
	default:
		h.internalError(c, err)
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	h.logger.Error("identity service internal error", zap.Error(err))
	writeError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}
