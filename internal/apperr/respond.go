package apperr

import (
	"errors"

	"github.com/gin-gonic/gin"
)

// Body is the JSON shape of an error response.
type Body struct {
	Kind      Kind   `json:"kind"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// BodyOf describes err for an API client. Untagged errors are reported as
// internal without their text.
func BodyOf(err error) Body {
	var e *Error
	if !errors.As(err, &e) {
		return Body{Kind: KindInternal, Code: "internal_error", Message: "internal error"}
	}
	msg := e.Message
	if e.Kind != KindStorage && e.Kind != KindInternal && e.Kind != KindTransferFailed {
		msg = e.Error()
	}
	return Body{Kind: e.Kind, Code: e.Code, Message: msg, Retryable: e.Retryable()}
}

// Respond writes err as {"ok":false,"error":{...}} with the status for
// its kind and aborts the request.
func Respond(c *gin.Context, err error) {
	body := BodyOf(err)
	if body.Kind == KindInternal || body.Kind == KindStorage {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(HTTPStatus(body.Kind), gin.H{"ok": false, "error": body})
}
