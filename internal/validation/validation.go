// Package validation provides input validation helpers for the Brickpay API.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

var (
	// emailRegex is intentionally loose: one @, no spaces, a dot in the domain.
	emailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	// currencyRegex validates ISO-style currency and token codes (NGN, USDC)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3,5}$`)
	// referenceRegex validates provider payment references
	referenceRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,100}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEmail checks if a string looks like an email address
func IsValidEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// IsValidReference checks if a string is a well-formed payment reference
func IsValidReference(s string) bool {
	return referenceRegex.MatchString(s)
}

// NormalizeEmail lowercases and trims an email for case-insensitive lookup
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
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

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
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

// ValidEmail checks if a field is a well-formed email address
func ValidEmail(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEmail(value) {
			return &ValidationError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// ValidCurrency checks if a field is an uppercase currency or token code
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !currencyRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be an uppercase currency code"}
		}
		return nil
	}
}

// ValidReference checks if a field is a well-formed payment reference
func ValidReference(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidReference(value) {
			return &ValidationError{Field: field, Message: "must be a valid payment reference"}
		}
		return nil
	}
}

// PositiveUnits checks if a field is a positive integer unit count
func PositiveUnits(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive unit count"}
		}
		return nil
	}
}

// ValidAmount checks if a field is a positive decimal amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive decimal amount"}
		}
		return nil
	}
}
