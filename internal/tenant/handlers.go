package tenant

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/idgen"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/validation"
)

// Handler provides admin endpoints for tenant provisioning. Tenant lifecycle
// is normally driven by the platform's provisioning pipeline; these routes
// exist for operators and tests.
type Handler struct {
	store Store
}

// NewHandler creates a tenant admin handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.Create)
	r.GET("/tenants", h.List)
	r.GET("/tenants/:id", h.Get)
	r.POST("/tenants/:id/status", h.SetStatus)
}

type createTenantRequest struct {
	Name string `json:"name" binding:"required"`
	Slug string `json:"slug" binding:"required"`
}

// Create handles POST /admin/tenants
func (h *Handler) Create(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	req.Name = validation.SanitizeString(req.Name, 200)
	if verrs := validation.Validate(
		validation.Required("name", req.Name),
		validation.ValidSlug("slug", req.Slug),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:        idgen.Tenant(),
		Name:      req.Name,
		Slug:      req.Slug,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "slug_taken",
				"message": "a tenant with this slug already exists",
			})
			return
		}
		logging.L(c.Request.Context()).Error("failed to create tenant", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to create tenant",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"tenant": t})
}

// List handles GET /admin/tenants
func (h *Handler) List(c *gin.Context) {
	tenants, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "count": len(tenants)})
}

// Get handles GET /admin/tenants/:id
func (h *Handler) Get(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no such tenant",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

type setStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// SetStatus handles POST /admin/tenants/:id/status. Suspending or cancelling
// a tenant locks it out of the billing API; the subscription itself is left
// untouched for audit.
func (h *Handler) SetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	switch req.Status {
	case StatusActive, StatusSuspended, StatusCancelled:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_status",
			"message": "status must be active, suspended, or cancelled",
		})
		return
	}

	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no such tenant",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	t.Status = req.Status
	t.UpdatedAt = time.Now().UTC()
	if err := h.store.Update(c.Request.Context(), t); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	logging.L(c.Request.Context()).Info("tenant status changed",
		"tenant_id", t.ID, "status", t.Status)
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}
