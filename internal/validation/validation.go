// Package validation provides input validation helpers for the kioskpay API.
package validation

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// currencyRegex validates ISO-style currency codes (3-10 uppercase letters)
var currencyRegex = regexp.MustCompile(`^[A-Z]{3,10}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks a currency code (3-10 uppercase letters)
func IsValidCurrency(code string) bool {
	return currencyRegex.MatchString(code)
}

// IsValidCallbackURL checks that a callback URL is absolute http(s)
func IsValidCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
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

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// LengthBetween checks that a field length is within [min, max]
func LengthBetween(field, value string, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) < min || len(value) > max {
			return &ValidationError{Field: field, Message: "length out of range"}
		}
		return nil
	}
}

// ValidCurrency checks a currency code field
func ValidCurrency(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidCurrency(value) {
			return &ValidationError{Field: field, Message: "must be 3-10 uppercase letters"}
		}
		return nil
	}
}

// ValidCallbackURL checks an optional callback URL field
func ValidCallbackURL(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidCallbackURL(value) {
			return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
		}
		return nil
	}
}

// ValidMetadata checks that a metadata object serializes to at most maxBytes
func ValidMetadata(field string, value map[string]any, maxBytes int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) == 0 {
			return nil
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return &ValidationError{Field: field, Message: "is not serializable"}
		}
		if len(raw) > maxBytes {
			return &ValidationError{Field: field, Message: "exceeds maximum size"}
		}
		return nil
	}
}
