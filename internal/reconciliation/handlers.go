package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/daniallc-1994/TaskUp/internal/apperr"
)

var errNoReport = apperr.New(apperr.KindNotFound, "no_report", "reconciliation has not run yet")

// Handler exposes reconciliation to operators.
type Handler struct {
	svc *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the internal reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Last)
	r.POST("/reconciliation/run", h.Run)
}

// Last handles GET /reconciliation
func (h *Handler) Last(c *gin.Context) {
	rep := h.svc.Last()
	if rep == nil {
		apperr.Respond(c, errNoReport)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "healthy": rep.Healthy(), "report": rep})
}

// Run handles POST /reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.svc.Run(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "healthy": rep.Healthy(), "report": rep})
}
