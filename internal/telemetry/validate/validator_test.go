package validate

import (
	"math"
	"strings"
	"testing"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

var testNow = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func newTestValidator() *Validator {
	return NewValidator(WithClock(fixedClock{at: testNow}))
}

func validEvent() domain.Event {
	return domain.Event{
		ID:        "evt-1",
		SessionID: "sess-1",
		Type:      domain.EventStream,
		Category:  "agent",
		Action:    "token",
		Timestamp: testNow.UnixMilli(),
	}
}

func TestValidateAcceptsWellFormedEvent(t *testing.T) {
	res := newTestValidator().Validate(validEvent())
	if !res.Valid {
		t.Fatalf("expected valid, got errors: %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", res.Warnings)
	}
}

func TestValidateMissingRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*domain.Event)
		field string
	}{
		{"session", func(e *domain.Event) { e.SessionID = "" }, "sessionId"},
		{"type", func(e *domain.Event) { e.Type = "" }, "eventType"},
		{"category", func(e *domain.Event) { e.Category = "" }, "category"},
		{"action", func(e *domain.Event) { e.Action = "" }, "action"},
		{"timestamp", func(e *domain.Event) { e.Timestamp = 0 }, "timestamp"},
	}
	v := newTestValidator()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mut(&ev)
			res := v.Validate(ev)
			if res.Valid {
				t.Fatalf("expected invalid")
			}
			found := false
			for _, fe := range res.Errors {
				if fe.Field == tc.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected error for field %s, got %v", tc.field, res.Errors)
			}
		})
	}
}

func TestValidateRejectsUnknownEventType(t *testing.T) {
	ev := validEvent()
	ev.Type = "bogus"
	res := newTestValidator().Validate(ev)
	if res.Valid {
		t.Fatal("expected invalid")
	}
}

func TestValidateTimestampSkew(t *testing.T) {
	v := newTestValidator()

	ev := validEvent()
	ev.Timestamp = testNow.AddDate(-2, 0, 0).UnixMilli()
	if res := v.Validate(ev); res.Valid {
		t.Fatal("expected stale timestamp to fail")
	}

	ev.Timestamp = testNow.AddDate(2, 0, 0).UnixMilli()
	if res := v.Validate(ev); res.Valid {
		t.Fatal("expected future timestamp to fail")
	}

	ev.Timestamp = testNow.AddDate(0, -6, 0).UnixMilli()
	if res := v.Validate(ev); !res.Valid {
		t.Fatalf("expected six-month-old timestamp to pass, got %v", res.Errors)
	}
}

func TestValidateLengthCaps(t *testing.T) {
	v := newTestValidator()

	ev := validEvent()
	ev.Category = strings.Repeat("x", 256)
	if res := v.Validate(ev); res.Valid {
		t.Fatal("expected long category to fail")
	}

	ev = validEvent()
	ev.Label = strings.Repeat("x", 1000)
	if res := v.Validate(ev); !res.Valid {
		t.Fatalf("label at cap should pass, got %v", res.Errors)
	}
	ev.Label = strings.Repeat("x", 1001)
	if res := v.Validate(ev); res.Valid {
		t.Fatal("expected over-cap label to fail")
	}
}

func TestValidateMetadataSizeCap(t *testing.T) {
	ev := validEvent()
	ev.Metadata = map[string]any{"blob": strings.Repeat("a", 11*1024)}
	res := newTestValidator().Validate(ev)
	if res.Valid {
		t.Fatal("expected oversized metadata to fail")
	}
	found := false
	for _, fe := range res.Errors {
		if fe.Field == "metadata" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected metadata field error, got %v", res.Errors)
	}
}

func TestValidateDepthLimitTerminates(t *testing.T) {
	leaf := map[string]any{"v": "deep"}
	node := leaf
	for i := 0; i < 20; i++ {
		node = map[string]any{"n": node}
	}
	ev := validEvent()
	ev.Metadata = node
	res := newTestValidator().Validate(ev)
	// Depth-limited sanitization must terminate and truncate, not recurse
	// unbounded.
	depth := 0
	cur := res.Sanitized.Metadata
	for cur != nil {
		depth++
		next, _ := cur["n"].(map[string]any)
		cur = next
	}
	if depth > 10 {
		t.Fatalf("expected truncation at depth 10, walked %d levels", depth)
	}
}

func TestValidateSanitization(t *testing.T) {
	nan := math.NaN()
	ev := validEvent()
	ev.Category = "  agent\x00\x1f "
	ev.Value = &nan
	ev.Metadata = map[string]any{"rate": math.Inf(1), "note": " ok\t"}
	res := newTestValidator().Validate(ev)
	if !res.Valid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	if res.Sanitized.Category != "agent" {
		t.Fatalf("expected trimmed category, got %q", res.Sanitized.Category)
	}
	if res.Sanitized.Value != nil {
		t.Fatal("expected NaN value clamped to nil")
	}
	if res.Sanitized.Metadata["rate"] != nil {
		t.Fatalf("expected Inf metadata clamped to nil, got %v", res.Sanitized.Metadata["rate"])
	}
	if res.Sanitized.Metadata["note"] != "ok" {
		t.Fatalf("expected trimmed note, got %q", res.Sanitized.Metadata["note"])
	}
}

func TestValidateSanitizationIdempotent(t *testing.T) {
	ev := validEvent()
	ev.Category = "  agent\x00 "
	ev.Label = "\tfirst token\n"
	ev.Metadata = map[string]any{"note": " padded ", "n": map[string]any{"inner": " x "}}

	v := newTestValidator()
	once := v.Validate(ev).Sanitized
	twice := v.Validate(once).Sanitized

	if once.Category != twice.Category || once.Label != twice.Label {
		t.Fatalf("sanitization not idempotent: %q vs %q", once.Label, twice.Label)
	}
	if once.Metadata["note"] != twice.Metadata["note"] {
		t.Fatal("metadata sanitization not idempotent")
	}
}

func TestValidateNegativeDuration(t *testing.T) {
	d := int64(-5)
	ev := validEvent()
	ev.Duration = &d
	if res := newTestValidator().Validate(ev); res.Valid {
		t.Fatal("expected negative duration to fail")
	}
}

func TestValidatePIIWarnings(t *testing.T) {
	ev := validEvent()
	ev.Context = map[string]any{"user": "reach me at jane@example.com or 555-123-4567"}
	res := newTestValidator().Validate(ev)
	if !res.Valid {
		t.Fatalf("PII must warn, not fail: %v", res.Errors)
	}
	if len(res.Warnings) < 2 {
		t.Fatalf("expected email and phone warnings, got %v", res.Warnings)
	}
}

func TestDetectPII(t *testing.T) {
	cases := []struct {
		text string
		kind string
	}{
		{"mail me: a.b+c@corp.io", "email address"},
		{"ssn 123-45-6789", "social security number"},
		{"card 4111 1111 1111 1111", "credit card number"},
		{"(555) 123-4567", "phone number"},
	}
	for _, tc := range cases {
		kinds := detectPII(tc.text)
		found := false
		for _, k := range kinds {
			if k == tc.kind {
				found = true
			}
		}
		if !found {
			t.Errorf("expected %q in %q, got %v", tc.kind, tc.text, kinds)
		}
	}
	if kinds := detectPII("nothing sensitive here"); len(kinds) != 0 {
		t.Errorf("expected no PII, got %v", kinds)
	}
}
