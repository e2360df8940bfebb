package reconcile

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewlyhq/crewly-billing/internal/gateway"
	"github.com/crewlyhq/crewly-billing/internal/logging"
	"github.com/crewlyhq/crewly-billing/internal/metrics"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 256 * 1024

// Handler receives gateway webhooks.
type Handler struct {
	reconciler *Reconciler
	gw         gateway.Adapter
}

// NewHandler creates a webhook handler.
func NewHandler(reconciler *Reconciler, gw gateway.Adapter) *Handler {
	return &Handler{reconciler: reconciler, gw: gw}
}

// RegisterRoutes sets up the webhook endpoint. It is unauthenticated by
// design: the signature check is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/gateway", h.Receive)
}

// Receive handles POST /webhooks/gateway. Invalid signatures are rejected
// with 400; everything else is acknowledged with 200 so the provider stops
// redelivering, except internal store failures where a 500 invites a
// retry.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "unreadable or oversized payload",
		})
		return
	}

	ev, err := h.gw.VerifyWebhook(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook signature verification failed", "error", err)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "bad_signature").Inc()
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	if err := h.reconciler.HandleEvent(c.Request.Context(), ev); err != nil {
		logging.L(c.Request.Context()).Error("webhook reconciliation failed",
			"event_id", ev.GatewayEventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "event could not be processed, retry",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
