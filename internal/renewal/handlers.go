package renewal

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes admin control over the renewal engine.
type Handler struct {
	engine *Engine
	timer  *Timer
}

// NewHandler creates a renewal admin handler.
func NewHandler(engine *Engine, timer *Timer) *Handler {
	return &Handler{engine: engine, timer: timer}
}

// RegisterAdminRoutes sets up admin-only renewal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/renewals/run", h.RunNow)
	r.GET("/renewals/status", h.Status)
}

// RunNow handles POST /admin/renewals/run: one on-demand sweep. Safe to
// trigger alongside the timer, since units re-check dueness under the lock.
func (h *Handler) RunNow(c *gin.Context) {
	stats, err := h.engine.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// Status handles GET /admin/renewals/status
func (h *Handler) Status(c *gin.Context) {
	running := false
	if h.timer != nil {
		running = h.timer.Running()
	}
	c.JSON(http.StatusOK, gin.H{"timer_running": running})
}
