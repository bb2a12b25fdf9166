package webhooks

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/validation"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

var errBodyTooLarge = apperr.New(apperr.KindInvalidRequest, "payload_too_large", "webhook payload too large")

// Handler receives processor webhooks.
type Handler struct {
	reconciler *Reconciler
}

// NewHandler creates a new webhook handler.
func NewHandler(reconciler *Reconciler) *Handler {
	return &Handler{reconciler: reconciler}
}

// RegisterRoutes sets up the processor webhook route. It must sit outside
// any caller authentication; the signature authenticates the request.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /v1/webhooks/stripe
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxWebhookSize))
	if err != nil {
		apperr.Respond(c, apperr.Wrap(errBodyTooLarge, err))
		return
	}

	res, err := h.reconciler.Ingest(c.Request.Context(), body, c.GetHeader(SignatureHeader))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "received": true, "result": res})
}
