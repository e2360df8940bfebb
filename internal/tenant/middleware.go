package tenant

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/logging"
)

// HeaderTenantID identifies the calling tenant on API requests. In front of
// this service sits the platform's auth layer, which validates the user and
// stamps the header; billing trusts it.
const HeaderTenantID = "X-Tenant-ID"

// NewContext returns a context carrying the tenant and its ID for logging.
func NewContext(ctx context.Context, t *Tenant) context.Context {
	ctx = context.WithValue(ctx, tenantKey, t)
	return logging.WithTenantID(ctx, t.ID)
}

// Middleware resolves the tenant from the X-Tenant-ID header and binds it
// into the request context. Requests without a resolvable active tenant
// never reach billing handlers.
func Middleware(store Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderTenantID)
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_tenant",
				"message": "X-Tenant-ID header is required",
			})
			return
		}

		t, err := store.Get(c.Request.Context(), id)
		if errors.Is(err, ErrTenantNotFound) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unknown_tenant",
				"message": "no such tenant",
			})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "tenant lookup failed",
			})
			return
		}
		if t.Status != StatusActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "tenant_inactive",
				"message": "tenant is " + string(t.Status),
			})
			return
		}

		c.Request = c.Request.WithContext(NewContext(c.Request.Context(), t))
		c.Next()
	}
}
