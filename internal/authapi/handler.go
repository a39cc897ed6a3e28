package authapi

import (
	"errors"
	"net/http"

	"github.com/carebridge-health/portal/internal/roles"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler exposes the auth backend's JSON surface. Every route sits behind
// the session-token middleware: identity always comes from the verified
// token, never from request bodies or URL parameters.
type Handler struct {
	svc      *Service
	verifier *TokenVerifier
	logger   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(svc *Service, verifier *TokenVerifier, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

// Register mounts the /auth routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	auth := rg.Group("/auth", h.verifier.Middleware())
	{
		auth.GET("/check-registration/:external_id", h.CheckRegistration)
		auth.POST("/register", h.RegisterUser)
		auth.POST("/login", h.Login)
		auth.GET("/me", h.Me)
		auth.PUT("/me", h.UpdateMe)
		auth.PUT("/update-role", h.UpdateRole)
		auth.POST("/complete-patient-profile", h.CompletePatientProfile)
		auth.POST("/complete-doctor-profile", h.CompleteDoctorProfile)
		auth.GET("/doctor-verification-status", h.DoctorVerificationStatus)

		admin := auth.Group("", h.requireAdmin())
		{
			admin.GET("/pending-doctors", h.PendingDoctors)
			admin.PUT("/doctor-verification", h.SetDoctorVerification)
		}
	}
}

// CheckRegistration handles GET /auth/check-registration/:external_id.
// Callers may only ask about their own session.
func (h *Handler) CheckRegistration(c *gin.Context) {
	claims := SessionFromCtx(c)
	externalID := c.Param("external_id")
	if externalID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "cannot query another session's registration"})
		return
	}

	registered, err := h.svc.IsRegistered(c.Request.Context(), externalID)
	if err != nil {
		h.internalError(c, "check registration", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_registered": registered})
}

type registerRequest struct {
	ExternalID   string     `json:"external_id"`
	Email        string     `json:"email"`
	FirstName    string     `json:"first_name" binding:"required"`
	LastName     string     `json:"last_name"  binding:"required"`
	DisplayName  string     `json:"display_name"`
	PhotoURL     string     `json:"photo_url"`
	Phone        string     `json:"phone"`
	Role         roles.Role `json:"role"          binding:"required"`
	AuthProvider string     `json:"auth_provider" binding:"required"`
}

// RegisterUser handles POST /auth/register. The external id and email in
// the body are cross-checked against the token; the token wins.
func (h *Handler) RegisterUser(c *gin.Context) {
	claims := SessionFromCtx(c)

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if req.ExternalID != "" && req.ExternalID != claims.Subject {
		c.JSON(http.StatusForbidden, gin.H{"message": "external id does not match session"})
		return
	}

	u, profile, err := h.svc.Register(c.Request.Context(), RegisterParams{
		ExternalID:   claims.Subject,
		Email:        claims.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		DisplayName:  req.DisplayName,
		PhotoURL:     req.PhotoURL,
		Phone:        req.Phone,
		Role:         req.Role,
		AuthProvider: req.AuthProvider,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrRoleNotAssignable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "role cannot be self-assigned"})
		case errors.Is(err, ErrEmailMismatch), errors.Is(err, ErrDuplicateEmail):
			c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
		default:
			h.internalError(c, "register", err)
		}
		return
	}
	recordRegistration(string(u.Role))
	c.JSON(http.StatusCreated, gin.H{"user": u, "profile": profile})
}

// Login handles POST /auth/login — resolves the session to its user record.
// 404 is the defined "not registered yet" reply, not a server fault.
func (h *Handler) Login(c *gin.Context) {
	claims := SessionFromCtx(c)

	u, profile, err := h.svc.Resolve(c.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			recordLogin("unregistered")
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		recordLogin("error")
		h.internalError(c, "login", err)
		return
	}
	recordLogin("success")
	c.JSON(http.StatusOK, gin.H{"user": u, "profile": profile})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	claims := SessionFromCtx(c)

	u, profile, err := h.svc.Resolve(c.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		h.internalError(c, "me", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u, "profile": profile})
}

type updateMeRequest struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	DisplayName *string `json:"display_name"`
	PhotoURL    *string `json:"photo_url"`
	Phone       *string `json:"phone"`
}

// UpdateMe handles PUT /auth/me — partial profile update.
func (h *Handler) UpdateMe(c *gin.Context) {
	claims := SessionFromCtx(c)

	var req updateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	u, err := h.svc.UpdateProfile(c.Request.Context(), claims.Subject, UpdateProfileParams{
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DisplayName: req.DisplayName,
		PhotoURL:    req.PhotoURL,
		Phone:       req.Phone,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		h.internalError(c, "update profile", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

type updateRoleRequest struct {
	Role roles.Role `json:"role" binding:"required"`
}

// UpdateRole handles PUT /auth/update-role.
func (h *Handler) UpdateRole(c *gin.Context) {
	claims := SessionFromCtx(c)

	var req updateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	u, err := h.svc.UpdateRole(c.Request.Context(), claims.Subject, req.Role)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
		case errors.Is(err, ErrRoleNotAssignable):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"message": "role cannot be self-assigned"})
		default:
			h.internalError(c, "update role", err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

type completePatientProfileRequest struct {
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
	Address     string `json:"address"`
}

// CompletePatientProfile handles POST /auth/complete-patient-profile.
func (h *Handler) CompletePatientProfile(c *gin.Context) {
	claims := SessionFromCtx(c)

	var req completePatientProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	err := h.svc.CompletePatientProfile(c.Request.Context(), claims.Subject, req.Phone, req.DateOfBirth, req.Address)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type completeDoctorProfileRequest struct {
	Specialty     string `json:"specialty"      binding:"required"`
	LicenseNumber string `json:"license_number" binding:"required"`
	Phone         string `json:"phone"`
	Biography     string `json:"biography"`
}

// CompleteDoctorProfile handles POST /auth/complete-doctor-profile.
func (h *Handler) CompleteDoctorProfile(c *gin.Context) {
	claims := SessionFromCtx(c)

	var req completeDoctorProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	err := h.svc.CompleteDoctorProfile(c.Request.Context(), claims.Subject, CompleteDoctorProfileParams{
		Specialty:     req.Specialty,
		LicenseNumber: req.LicenseNumber,
		Phone:         req.Phone,
		Biography:     req.Biography,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// DoctorVerificationStatus handles GET /auth/doctor-verification-status.
func (h *Handler) DoctorVerificationStatus(c *gin.Context) {
	claims := SessionFromCtx(c)

	status, err := h.svc.DoctorVerificationStatus(c.Request.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification_status": status})
}

// PendingDoctors handles GET /auth/pending-doctors — the admin review queue.
func (h *Handler) PendingDoctors(c *gin.Context) {
	doctors, err := h.svc.PendingDoctors(c.Request.Context())
	if err != nil {
		h.internalError(c, "pending doctors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"doctors": doctors})
}

type setVerificationRequest struct {
	UserID uuid.UUID                `json:"user_id" binding:"required"`
	Status roles.VerificationStatus `json:"status"  binding:"required"`
}

// SetDoctorVerification handles PUT /auth/doctor-verification.
func (h *Handler) SetDoctorVerification(c *gin.Context) {
	var req setVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	if err := h.svc.SetDoctorVerification(c.Request.Context(), req.UserID, req.Status); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "doctor profile not found"})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// requireAdmin gates a route group on the caller's backend role being admin.
func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := SessionFromCtx(c)
		u, _, err := h.svc.Resolve(c.Request.Context(), claims.Subject)
		if err != nil || u.Role != roles.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "administrator role required"})
			return
		}
		c.Next()
	}
}

func (h *Handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
}
