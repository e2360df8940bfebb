package subscription

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

// Handler provides HTTP endpoints for subscription operations. The tenant
// is resolved by middleware upstream and read from the request context.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant-scoped billing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/subscription", h.GetSummary)
	r.POST("/subscription", h.CreateSubscription)
	r.POST("/subscription/upgrade", h.Upgrade)
	r.POST("/subscription/downgrade", h.ScheduleDowngrade)
	r.DELETE("/subscription/downgrade", h.CancelDowngrade)
	r.POST("/subscription/addons/:addon/toggle", h.ToggleAddon)
	r.POST("/subscription/cancel", h.Cancel)
	r.GET("/subscription/features", h.GetFeatures)
	r.GET("/plans", h.ListPlans)
}

// GetSummary handles GET /v1/billing/subscription
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.service.Summary(c.Request.Context(), tenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type createRequest struct {
	Plan      string `json:"plan" binding:"required"`
	UserCount int    `json:"userCount" binding:"required"`
	Trial     bool   `json:"trial"`
}

// CreateSubscription handles POST /v1/billing/subscription
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, err := h.service.Create(c.Request.Context(), tenantID(c), req.Plan, req.UserCount, req.Trial)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

type planChangeRequest struct {
	Plan      string `json:"plan" binding:"required"`
	UserCount int    `json:"userCount" binding:"required"`
}

// Upgrade handles POST /v1/billing/subscription/upgrade
func (h *Handler) Upgrade(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.UpgradePlan(c.Request.Context(), tenantID(c), req.Plan, req.UserCount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ScheduleDowngrade handles POST /v1/billing/subscription/downgrade
func (h *Handler) ScheduleDowngrade(c *gin.Context) {
	var req planChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.ScheduleDowngrade(c.Request.Context(), tenantID(c), req.Plan, req.UserCount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelDowngrade handles DELETE /v1/billing/subscription/downgrade
func (h *Handler) CancelDowngrade(c *gin.Context) {
	sub, err := h.service.CancelScheduledDowngrade(c.Request.Context(), tenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// ToggleAddon handles POST /v1/billing/subscription/addons/:addon/toggle
func (h *Handler) ToggleAddon(c *gin.Context) {
	result, err := h.service.ToggleAddon(c.Request.Context(), tenantID(c), c.Param("addon"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Cancel handles POST /v1/billing/subscription/cancel
func (h *Handler) Cancel(c *gin.Context) {
	sub, err := h.service.Cancel(c.Request.Context(), tenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}

// GetFeatures handles GET /v1/billing/subscription/features
func (h *Handler) GetFeatures(c *gin.Context) {
	flags, err := h.service.FeatureFlags(c.Request.Context(), tenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"features": flags})
}

// ListPlans handles GET /v1/billing/plans
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"plans":  h.service.Catalog().Plans(),
		"addons": h.service.Catalog().Addons(),
	})
}

func tenantID(c *gin.Context) string {
	return tenant.IDFromContext(c.Request.Context())
}

func writeError(c *gin.Context, err error) {
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   vErr.Code,
			"message": vErr.Message,
		})
		return
	}

	var pErr *PolicyError
	if errors.As(err, &pErr) {
		body := gin.H{
			"error":   pErr.Code,
			"message": pErr.Message,
		}
		if pErr.Code == CodeTooCloseToRenewal {
			body["remainingHours"] = pErr.RemainingHours
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}

	var gErr *gateway.Error
	if errors.As(err, &gErr) {
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "charge_failed",
			"message": gErr.Code,
		})
		return
	}

	switch {
	case IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_exists",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "subscription was modified concurrently, retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
