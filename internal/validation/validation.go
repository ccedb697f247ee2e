// Package validation checks request input at the HTTP edge: identifiers in
// paths and bodies, signature encoding and field bounds.
package validation

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// MaxRequestSize bounds request bodies (1MB).
	MaxRequestSize = 1 << 20
	// MaxStringLength bounds free-form fields such as URIs.
	MaxStringLength = 10000
	// MaxIdentifierLength bounds device, client and organization ids.
	MaxIdentifierLength = 128
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// RequestSizeMiddleware caps the body reader at maxSize bytes.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidIdentifier accepts 1-128 characters starting with an alphanumeric,
// followed by alphanumerics or . _ : -
func IsValidIdentifier(s string) bool {
	return len(s) <= MaxIdentifierLength && identifierRegex.MatchString(s)
}

// SanitizeString trims s, drops NUL bytes and truncates to maxLen bytes.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError is one rejected field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is every rejected field of a request.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Rule checks one field and returns nil when it is acceptable.
type Rule func() *ValidationError

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) ValidationErrors {
	var errs ValidationErrors
	for _, r := range rules {
		if err := r(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

func fail(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Message: msg}
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// Identifier rejects non-empty values that are not identifiers; pair it
// with Required for mandatory fields.
func Identifier(field, value string) Rule {
	return func() *ValidationError {
		if value != "" && !IsValidIdentifier(value) {
			return fail(field, "must be 1-128 characters of [A-Za-z0-9._:-]")
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *ValidationError {
		if len(value) > max {
			return fail(field, "exceeds maximum length")
		}
		return nil
	}
}

// Base64 rejects non-empty values that are not standard padded base64.
func Base64(field, value string) Rule {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := base64.StdEncoding.DecodeString(value); err != nil {
			return fail(field, "must be base64")
		}
		return nil
	}
}

// OneOf rejects non-empty values outside allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *ValidationError {
		if value != "" && !slices.Contains(allowed, value) {
			return fail(field, "must be one of "+strings.Join(allowed, ", "))
		}
		return nil
	}
}

// ParamMiddleware rejects requests whose named path parameters are present
// but not identifiers.
func ParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			if v := c.Param(name); v != "" && !IsValidIdentifier(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_" + name,
					"message": name + " must be 1-128 characters of [A-Za-z0-9._:-]",
				})
				return
			}
		}
		c.Next()
	}
}
