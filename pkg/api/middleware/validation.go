package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ValidatorConfig holds validation configuration for the scheduleJob
// control-surface operation. CronJobs never shell out, but
// SYSTEM_MAINTENANCE jobs still carry a free-form metadata payload the
// orchestrator dispatches in-process, so the blocklist bounds what an
// operator can smuggle into it.
type ValidatorConfig struct {
	MaxBodySize      int64    // Maximum request body size in bytes
	AllowedJobKinds  []string // Allowed CronJob kind values
	MetadataBlocklist []string // Disallowed metadata value substrings
	MaxNameLength    int      // Maximum CronJob name length
	MaxExprLength    int      // Maximum cron expression length
}

// DefaultValidatorConfig returns safe defaults.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxBodySize:       1 << 20, // 1MB
		AllowedJobKinds:   []string{"SCHEDULED_REPORT", "PERIODIC_ANALYSIS", "SYSTEM_MAINTENANCE", "FRESHNESS_SWEEP"},
		MetadataBlocklist: []string{"rm -rf", "DROP TABLE", "; shutdown"},
		MaxNameLength:     256,
		MaxExprLength:     128,
	}
}

// Validator performs request validation for scheduleJob payloads.
type Validator struct {
	config           ValidatorConfig
	dangerousPattern *regexp.Regexp
}

// NewValidator creates a new validator with the given config.
func NewValidator(config ValidatorConfig) *Validator {
	patterns := make([]string, len(config.MetadataBlocklist))
	for i, p := range config.MetadataBlocklist {
		patterns[i] = regexp.QuoteMeta(p)
	}
	pattern := regexp.MustCompile(strings.Join(patterns, "|"))

	return &Validator{
		config:           config,
		dangerousPattern: pattern,
	}
}

// ValidateMetadataValue checks a single free-form metadata string value
// supplied with a CronJob for disallowed content.
func (v *Validator) ValidateMetadataValue(value string) error {
	if v.dangerousPattern.MatchString(value) {
		return &ValidationError{
			Field:   "metadata",
			Message: "metadata value contains a disallowed pattern",
		}
	}
	return nil
}

// ValidateJobKind checks that a CronJob kind is one of the recognized
// enum values.
func (v *Validator) ValidateJobKind(kind string) error {
	for _, allowed := range v.config.AllowedJobKinds {
		if kind == allowed {
			return nil
		}
	}
	return &ValidationError{
		Field:   "kind",
		Message: "invalid job kind",
	}
}

// ValidateName checks a CronJob name.
func (v *Validator) ValidateName(name string) error {
	if len(name) == 0 {
		return &ValidationError{
			Field:   "name",
			Message: "name is required",
		}
	}
	if len(name) > v.config.MaxNameLength {
		return &ValidationError{
			Field:   "name",
			Message: "name exceeds maximum length",
		}
	}
	return nil
}

// ValidateExpression bounds the length of a cron expression before it
// reaches robfig/cron's parser, which is the authority on grammar
// validity.
func (v *Validator) ValidateExpression(expr string) error {
	if len(expr) == 0 {
		return &ValidationError{
			Field:   "expression",
			Message: "cron expression is required",
		}
	}
	if len(expr) > v.config.MaxExprLength {
		return &ValidationError{
			Field:   "expression",
			Message: "cron expression exceeds maximum length",
		}
	}
	return nil
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size.
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers.
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Next()
	}
}

// RequestIDMiddleware adds a request ID for tracing.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// generateRequestID creates a request ID unique enough to correlate logs
// and trace spans across the request's lifetime.
func generateRequestID() string {
	return "req-" + uuid.New().String()
}
