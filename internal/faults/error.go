package faults

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"telemetry-engine/internal/telemetry/domain"
)

// Category classifies where a fault originated.
type Category string

const (
	CategoryStorage    Category = "storage"
	CategoryStreaming  Category = "streaming"
	CategorySecurity   Category = "security"
	CategoryNetwork    Category = "network"
	CategoryValidation Category = "validation"
	CategorySystem     Category = "system"
)

// Severity grades operational impact.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TelemetryError is a classified operational error.
type TelemetryError struct {
	Message       string         `json:"message"`
	Category      Category       `json:"category"`
	Severity      Severity       `json:"severity"`
	Retryable     *bool          `json:"retryable,omitempty"`
	CorrelationID string         `json:"correlationId"`
	Timestamp     time.Time      `json:"timestamp"`
	Context       map[string]any `json:"context,omitempty"`
	Event         *domain.Event  `json:"event,omitempty"`
	cause         error
}

func (e *TelemetryError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *TelemetryError) Unwrap() error { return e.cause }

// ErrorOption adorns a TelemetryError at creation.
type ErrorOption func(*TelemetryError)

// WithContext attaches structured context.
func WithContext(ctx map[string]any) ErrorOption {
	return func(e *TelemetryError) { e.Context = ctx }
}

// WithEvent attaches the event being processed when the fault occurred.
func WithEvent(ev *domain.Event) ErrorOption {
	return func(e *TelemetryError) { e.Event = ev }
}

// WithRetryable sets the explicit retryable flag.
func WithRetryable(retryable bool) ErrorOption {
	return func(e *TelemetryError) { e.Retryable = &retryable }
}

// WithCorrelationID overrides the generated correlation id.
func WithCorrelationID(id string) ErrorOption {
	return func(e *TelemetryError) {
		if id != "" {
			e.CorrelationID = id
		}
	}
}

// WithCause wraps an underlying error.
func WithCause(err error) ErrorOption {
	return func(e *TelemetryError) { e.cause = err }
}

// nonRetryablePhrases marks messages that retrying cannot fix.
var nonRetryablePhrases = []string{
	"validation",
	"authorization",
	"authentication",
	"malformed",
}

// IsRetryable returns the error's explicit flag when present, otherwise
// falls back to scanning the message for known non-retryable phrases.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if te, ok := err.(*TelemetryError); ok && te.Retryable != nil {
		return *te.Retryable
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range nonRetryablePhrases {
		if strings.Contains(msg, phrase) {
			return false
		}
	}
	return true
}

// newCorrelationID is split out for readability at call sites.
func newCorrelationID() string { return uuid.NewString() }
