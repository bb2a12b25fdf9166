package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/payments"
	"github.com/daniallc-1994/TaskUp/internal/validation"
)

var errBadBody = apperr.New(apperr.KindInvalidRequest, "invalid_request", "request body could not be decoded")

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)

	d := r.Group("/disputes/:id", validation.IDParamMiddleware("id"))
	d.GET("", h.Get)
	d.POST("/review", h.Review)
	d.POST("/resolve", h.Resolve)
}

// ResolveRequest is an administrator's ruling.
type ResolveRequest struct {
	Resolution payments.Resolution `json:"resolution"`
	Note       string              `json:"note"`
}

func respondInvalid(c *gin.Context, errs validation.ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"ok": false,
		"error": gin.H{
			"kind":      apperr.KindInvalidRequest,
			"code":      "validation_error",
			"message":   errs.Error(),
			"retryable": false,
		},
		"details": errs,
	})
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Wrap(errBadBody, err))
		return
	}
	if errs := validation.Validate(
		validation.Required("paymentId", req.PaymentID),
		validation.Required("raisedBy", req.RaisedBy),
		validation.Required("reason", req.Reason),
		validation.ValidID("paymentId", req.PaymentID),
		validation.ValidID("raisedBy", req.RaisedBy),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}
	req.Reason = validation.SanitizeString(req.Reason, validation.MaxStringLength)

	res, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "result": res})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "dispute": d})
}

// Review handles POST /v1/disputes/:id/review
func (h *Handler) Review(c *gin.Context) {
	d, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.Respond(c, apperr.Wrap(errBadBody, err))
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("note", req.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		respondInvalid(c, errs)
		return
	}

	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution, validation.SanitizeString(req.Note, validation.MaxStringLength))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}
