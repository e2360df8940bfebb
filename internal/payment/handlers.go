package payment

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/pagination"
	"github.com/crewlyhq/crewly-billing/internal/tenant"
)

const (
	defaultPageSize = 25
	maxPageSize     = 100
)

// Handler exposes the payment audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a payment handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up tenant-scoped payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments", h.List)
	r.GET("/payments/:id", h.Get)
}

// List handles GET /v1/billing/payments?cursor=...&limit=...
func (h *Handler) List(c *gin.Context) {
	tenantID := tenant.IDFromContext(c.Request.Context())

	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > maxPageSize {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = parsed
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is not valid",
		})
		return
	}

	fetched, err := h.store.ListByTenant(c.Request.Context(), tenantID, cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	page, next, more := pagination.Page(fetched, limit, func(p *Payment) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"payments":    page,
		"next_cursor": next,
		"has_more":    more,
	})
}

// Get handles GET /v1/billing/payments/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err == ErrPaymentNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no such payment",
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
	// Payments are tenant-scoped: hide other tenants' records.
	if p.TenantID != tenant.IDFromContext(c.Request.Context()) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no such payment",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}
