// Package validation provides input validation for the facilitator
// API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB). Verify and
// queue payloads are small; anything larger is abuse.
const MaxRequestSize = 256 << 10

// MaxStringLength bounds free-text fields like dispute reasons.
const MaxStringLength = 4096

var (
	// base58Regex is a lenient Solana address check. Full validity is
	// settled on chain; this only rejects obvious garbage.
	base58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	hexRegex    = regexp.MustCompile(`^[a-fA-F0-9]+$`)
	amountRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,6})?$`)
)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks that a string looks like a Solana address.
func IsValidAddress(addr string) bool {
	return base58Regex.MatchString(addr)
}

// IsValidHex checks that a string is hex, as signatures and data
// hashes are.
func IsValidHex(s string) bool {
	return s != "" && hexRegex.MatchString(s)
}

// IsValidAmount checks that a string is a non-negative decimal with at
// most six fractional digits.
func IsValidAmount(s string) bool {
	return amountRegex.MatchString(s)
}

// SanitizeString trims, bounds, and strips null bytes from free text.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError is one failed field check.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of failed field checks.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Check runs the given validators and collects their failures.
func Check(validators ...func() *FieldError) FieldErrors {
	var errs FieldErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required fails when a field is empty.
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress fails when a non-empty field is not a plausible Solana
// address.
func ValidAddress(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &FieldError{Field: field, Message: "must be a base58 Solana address"}
		}
		return nil
	}
}

// ValidAmount fails when a non-empty field is not a valid USDC amount.
func ValidAmount(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidAmount(value) {
			return &FieldError{Field: field, Message: "must be a decimal with at most 6 fraction digits"}
		}
		return nil
	}
}
