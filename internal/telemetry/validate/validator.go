package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

// Limits bound the accepted shape of a raw event.
type Limits struct {
	MaxFieldLen      int           // generic string fields
	MaxLabelLen      int           // label allows longer free text
	MaxMetadataBytes int           // serialized metadata size cap
	MaxDepth         int           // nested metadata/context depth
	MaxClockSkew     time.Duration // timestamp distance from now, either direction
}

// DefaultLimits are the production limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFieldLen:      255,
		MaxLabelLen:      1000,
		MaxMetadataBytes: 10 * 1024,
		MaxDepth:         10,
		MaxClockSkew:     365 * 24 * time.Hour,
	}
}

// FieldError describes one violated field-level rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("validate: field %s: %s", e.Field, e.Message)
}

// Result is the outcome of validating a raw event. Warnings carry non-fatal
// findings (PII patterns in free-text fields); they never fail validation.
type Result struct {
	Valid     bool
	Errors    []FieldError
	Warnings  []string
	Sanitized domain.Event
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Validator validates and sanitizes raw events against field-level rules.
// It holds no state beyond static limits; Validate is pure.
type Validator struct {
	limits Limits
	clock  Clock
}

// Option customizes the validator.
type Option func(*Validator)

// WithLimits overrides the default limits.
func WithLimits(limits Limits) Option {
	return func(v *Validator) { v.limits = limits }
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewValidator constructs a validator with default limits.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{limits: DefaultLimits(), clock: systemClock{}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate checks every known field of the raw event and returns a sanitized
// copy. It never returns an error value: violations are itemized per field in
// Result.Errors so callers can decide whether to drop or quarantine.
func (v *Validator) Validate(raw domain.Event) Result {
	res := Result{Valid: true, Sanitized: raw.Clone()}
	ev := &res.Sanitized

	ev.ID = sanitizeString(ev.ID)
	ev.SessionID = sanitizeString(ev.SessionID)
	ev.Category = sanitizeString(ev.Category)
	ev.Action = sanitizeString(ev.Action)
	ev.Label = sanitizeString(ev.Label)

	v.requireString(&res, "sessionId", ev.SessionID, v.limits.MaxFieldLen)
	v.requireString(&res, "category", ev.Category, v.limits.MaxFieldLen)
	v.requireString(&res, "action", ev.Action, v.limits.MaxFieldLen)
	if len(ev.Label) > v.limits.MaxLabelLen {
		res.fail("label", fmt.Sprintf("exceeds %d characters", v.limits.MaxLabelLen))
	}
	if len(ev.ID) > v.limits.MaxFieldLen {
		res.fail("id", fmt.Sprintf("exceeds %d characters", v.limits.MaxFieldLen))
	}

	if ev.Type == "" {
		res.fail("eventType", "required")
	} else if !ev.Type.IsValid() {
		res.fail("eventType", fmt.Sprintf("unknown value %q", ev.Type))
	}

	if ev.Timestamp == 0 {
		res.fail("timestamp", "required")
	} else {
		now := v.clock.Now()
		at := time.UnixMilli(ev.Timestamp)
		if at.Before(now.Add(-v.limits.MaxClockSkew)) || at.After(now.Add(v.limits.MaxClockSkew)) {
			res.fail("timestamp", "outside acceptable clock-skew window")
		}
	}

	if ev.Value != nil && (math.IsNaN(*ev.Value) || math.IsInf(*ev.Value, 0)) {
		ev.Value = nil
	}
	if ev.Duration != nil && *ev.Duration < 0 {
		res.fail("duration", "must be non-negative")
	}

	if ev.Metadata != nil {
		ev.Metadata = sanitizeTree(ev.Metadata, v.limits.MaxDepth)
		if size := serializedSize(ev.Metadata); size > v.limits.MaxMetadataBytes {
			res.fail("metadata", fmt.Sprintf("serialized size %d exceeds %d bytes", size, v.limits.MaxMetadataBytes))
		}
	}
	if ev.Context != nil {
		ev.Context = sanitizeTree(ev.Context, v.limits.MaxDepth)
		for field, text := range freeText(ev.Context) {
			for _, kind := range detectPII(text) {
				res.Warnings = append(res.Warnings, fmt.Sprintf("context.%s may contain %s", field, kind))
			}
		}
	}
	if ev.Label != "" {
		for _, kind := range detectPII(ev.Label) {
			res.Warnings = append(res.Warnings, fmt.Sprintf("label may contain %s", kind))
		}
	}

	return res
}

func (v *Validator) requireString(res *Result, field, value string, max int) {
	if value == "" {
		res.fail(field, "required")
		return
	}
	if len(value) > max {
		res.fail(field, fmt.Sprintf("exceeds %d characters", max))
	}
}

func (r *Result) fail(field, message string) {
	r.Valid = false
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message})
}

// sanitizeString trims whitespace and strips control characters. Applying it
// twice yields the same output.
func sanitizeString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sanitizeTree walks a nested structure, sanitizing strings and clamping
// non-finite numbers to nil. Recursion stops at maxDepth; deeper values are
// replaced with nil instead of recursing unbounded.
func sanitizeTree(in map[string]any, maxDepth int) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[sanitizeString(k)] = sanitizeValue(v, maxDepth-1)
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case map[string]any:
		if depth <= 0 {
			return nil
		}
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[sanitizeString(k)] = sanitizeValue(nested, depth-1)
		}
		return out
	case []any:
		if depth <= 0 {
			return nil
		}
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = sanitizeValue(nested, depth-1)
		}
		return out
	default:
		return v
	}
}

func serializedSize(m map[string]any) int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// freeText collects top-level string values from a context map for PII
// scanning.
func freeText(m map[string]any) map[string]string {
	out := make(map[string]string)
	for k, v := range m {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	return out
}
