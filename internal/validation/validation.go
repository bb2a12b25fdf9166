// Package validation provides input validation helpers and middleware for
// the TaskUp ledger API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxWebhookSize bounds processor webhook bodies.
const MaxWebhookSize = 512 << 10

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 10000

// MaxAmount caps a single amount in minor units. Larger values are
// almost certainly a unit mistake.
const MaxAmount int64 = 1_000_000_000_00

var (
	currencyRegex = regexp.MustCompile(`^[A-Za-z]{3}$`)
	// ids come from the platform (uuids, prefixed ids) or the processor
	idRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency reports whether s looks like an ISO 4217 code.
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// IsValidID reports whether s is an acceptable record or owner id.
func IsValidID(s string) bool {
	return idRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks an id field. Empty values pass; combine with Required.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of letters, digits, '_', '-', ':' or '.'"}
		}
		return nil
	}
}

// ValidCurrency checks a currency field. Empty means the default currency.
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be a three-letter currency code"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit amount.
func PositiveAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		switch {
		case value <= 0:
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		case value > MaxAmount:
			return &ValidationError{Field: field, Message: "exceeds maximum amount"}
		}
		return nil
	}
}

// NonNegativeAmount is PositiveAmount that also accepts zero.
func NonNegativeAmount(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value == 0 {
			return nil
		}
		return PositiveAmount(field, value)()
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed values of the named URL params
// before they reach a handler.
func IDParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			if v := c.Param(name); v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"ok": false,
					"error": gin.H{
						"kind":      "invalid_request",
						"code":      "invalid_" + name,
						"message":   name + " is malformed",
						"retryable": false,
					},
				})
				return
			}
		}
		c.Next()
	}
}
