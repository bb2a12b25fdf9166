package escrow

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
	"github.com/daniallc-1994/TaskUp/internal/ledger"
	"github.com/daniallc-1994/TaskUp/internal/pagination"
	"github.com/daniallc-1994/TaskUp/internal/validation"
)

// Handler provides HTTP endpoints for escrow and wallet operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow, payment and wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/hold", h.Hold)

	p := r.Group("/payments/:id", validation.IDParamMiddleware("id"))
	p.GET("", h.GetPayment)
	p.POST("/release", h.Release)
	p.POST("/refund", h.Refund)
	p.POST("/split", h.Split)

	w := r.Group("/wallets/:owner", validation.IDParamMiddleware("owner"))
	w.GET("", h.GetWallet)
	w.GET("/transactions", h.ListTransactions)
	w.PUT("/payout-account", h.LinkPayoutAccount)
	w.POST("/topup-intent", h.CreateTopUpIntent)
	w.POST("/payouts", h.RequestPayout)
}

func badRequest(c *gin.Context, errs validation.ValidationErrors) {
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

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		apperr.Respond(c, apperr.Wrap(ErrInvalidRequest, err))
		return false
	}
	return true
}

// Hold handles POST /v1/escrow/hold
func (h *Handler) Hold(c *gin.Context) {
	var req HoldRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.Required("taskId", req.TaskID),
		validation.Required("offerId", req.OfferID),
		validation.ValidID("payerId", req.PayerID),
		validation.ValidID("payeeId", req.PayeeID),
		validation.ValidID("taskId", req.TaskID),
		validation.ValidID("offerId", req.OfferID),
		validation.ValidID("intentId", req.IntentID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	res, err := h.service.Hold(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "result": res})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "payment": p})
}

// Release handles POST /v1/payments/:id/release
func (h *Handler) Release(c *gin.Context) {
	res, err := h.service.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

// RefundRequest is the body of a refund. A zero amount refunds everything
// still held.
type RefundRequest struct {
	Amount int64 `json:"amount"`
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	if errs := validation.Validate(validation.NonNegativeAmount("amount", req.Amount)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	res, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

// Split handles POST /v1/payments/:id/split
func (h *Handler) Split(c *gin.Context) {
	var req Ratio
	if !bind(c, &req) {
		return
	}
	res, err := h.service.Split(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

// GetWallet handles GET /v1/wallets/:owner
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.GetWallet(c.Request.Context(), c.Param("owner"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "wallet": w})
}

// ListTransactions handles GET /v1/wallets/:owner/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	limit := pagination.Limit(c.Query("limit"))

	var before *ledger.Cursor
	if cur != nil {
		before = &ledger.Cursor{CreatedAt: cur.CreatedAt, ID: cur.ID}
	}
	txs, err := h.service.ListTransactions(c.Request.Context(), c.Param("owner"), before, limit+1)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	page, next, more := pagination.ComputePage(txs, limit, func(t *ledger.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"ok":           true,
		"transactions": page,
		"nextCursor":   next,
		"hasMore":      more,
	})
}

// PayoutAccountRequest links a processor account to a wallet.
type PayoutAccountRequest struct {
	Account  string `json:"account"`
	Currency string `json:"currency,omitempty"`
}

// LinkPayoutAccount handles PUT /v1/wallets/:owner/payout-account
func (h *Handler) LinkPayoutAccount(c *gin.Context) {
	var req PayoutAccountRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("account", req.Account),
		validation.ValidID("account", req.Account),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	w, err := h.service.LinkPayoutAccount(c.Request.Context(), c.Param("owner"), req.Account, req.Currency)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "wallet": w})
}

// FundsRequest is the body of top-up and payout requests.
type FundsRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency,omitempty"`
}

// CreateTopUpIntent handles POST /v1/wallets/:owner/topup-intent
func (h *Handler) CreateTopUpIntent(c *gin.Context) {
	var req FundsRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	res, err := h.service.CreateTopUpIntent(c.Request.Context(), c.Param("owner"), req.Amount, req.Currency, c.GetHeader("Idempotency-Key"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "result": res})
}

// RequestPayout handles POST /v1/wallets/:owner/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req FundsRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	res, err := h.service.RequestPayout(c.Request.Context(), c.Param("owner"), req.Amount, c.GetHeader("Idempotency-Key"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true, "result": res})
}
