package faults

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestHandleWrapsPlainErrors(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	cause := errors.New("connection refused")
	te := h.Handle(cause, CategoryNetwork)
	if te.Category != CategoryNetwork || te.Severity != SeverityMedium {
		t.Fatalf("classified = %s/%s", te.Category, te.Severity)
	}
	if te.CorrelationID == "" {
		t.Fatal("missing correlation id")
	}
	if !errors.Is(te, cause) {
		t.Fatal("wrapped cause not reachable via errors.Is")
	}
}

func TestHandleKeepsExistingClassification(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	orig := h.NewError("disk full", CategoryStorage, SeverityHigh)
	te := h.Handle(orig, CategorySystem)
	if te != orig {
		t.Fatal("reclassified an already classified error")
	}
	if te.Category != CategoryStorage {
		t.Fatalf("category = %s", te.Category)
	}
}

func TestCriticalCallbackFiresImmediately(t *testing.T) {
	var got *TelemetryError
	h := NewHandler(HandlerConfig{CriticalThreshold: 100},
		OnCriticalError(func(te *TelemetryError) { got = te }))
	te := h.NewError("store gone", CategoryStorage, SeverityCritical)
	h.Handle(te, CategoryStorage)
	if got != te {
		t.Fatal("critical callback not invoked on first critical error")
	}
}

func TestThresholdCallback(t *testing.T) {
	var calls []string
	h := NewHandler(HandlerConfig{HighThreshold: 3, Window: time.Minute},
		OnErrorThreshold(func(sev Severity, count int) {
			calls = append(calls, fmt.Sprintf("%s:%d", sev, count))
		}))
	for i := 0; i < 2; i++ {
		h.Handle(h.NewError("slow query", CategoryStorage, SeverityHigh), CategoryStorage)
	}
	if len(calls) != 0 {
		t.Fatalf("threshold fired below threshold: %v", calls)
	}
	h.Handle(h.NewError("slow query", CategoryStorage, SeverityHigh), CategoryStorage)
	if len(calls) != 1 || calls[0] != "high:3" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestThresholdWindowExpires(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	var fired int
	h := NewHandler(HandlerConfig{HighThreshold: 2, Window: time.Minute},
		WithClock(clock),
		OnErrorThreshold(func(Severity, int) { fired++ }))

	h.Handle(h.NewError("x", CategoryNetwork, SeverityHigh), CategoryNetwork)
	clock.Advance(2 * time.Minute)
	h.Handle(h.NewError("y", CategoryNetwork, SeverityHigh), CategoryNetwork)
	if fired != 0 {
		t.Fatalf("threshold fired across expired window: %d", fired)
	}
}

func TestCriticalThresholdWinsOverHigh(t *testing.T) {
	var lastSev Severity
	h := NewHandler(HandlerConfig{HighThreshold: 1, CriticalThreshold: 2, Window: time.Minute},
		OnErrorThreshold(func(sev Severity, _ int) { lastSev = sev }))
	h.Handle(h.NewError("a", CategorySystem, SeverityHigh), CategorySystem)
	h.Handle(h.NewError("b", CategorySystem, SeverityCritical), CategorySystem)
	h.Handle(h.NewError("c", CategorySystem, SeverityCritical), CategorySystem)
	if lastSev != SeverityCritical {
		t.Fatalf("last threshold severity = %s, want critical", lastSev)
	}
}

func TestBufferNeverExceedsCap(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	h := NewHandler(HandlerConfig{MaxErrors: 50, Window: time.Minute}, WithClock(clock))
	for i := 0; i < 500; i++ {
		h.Handle(h.NewError("overflow", CategorySystem, SeverityLow), CategorySystem)
		clock.Advance(time.Second)
	}
	s := h.Stats()
	if s.Retained > 50 {
		t.Fatalf("retained = %d, cap 50", s.Retained)
	}
	if s.Total != 500 {
		t.Fatalf("total = %d", s.Total)
	}
}

func TestPruneDropsStaleEntriesFirst(t *testing.T) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	h := NewHandler(HandlerConfig{MaxErrors: 10, Window: time.Minute}, WithClock(clock))

	// Fill past 90% with entries that will be stale after a jump.
	for i := 0; i < 9; i++ {
		h.Handle(h.NewError("old", CategorySystem, SeverityLow), CategorySystem)
	}
	clock.Advance(3 * time.Minute) // beyond 2x window
	h.Handle(h.NewError("fresh", CategorySystem, SeverityLow), CategorySystem)

	recent := h.Recent(0)
	if len(recent) != 1 || recent[0].Message != "fresh" {
		t.Fatalf("retained = %d, want only the fresh entry", len(recent))
	}
}

func TestStatsBreakdown(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	h.Handle(h.NewError("a", CategoryStorage, SeverityLow), CategoryStorage)
	h.Handle(h.NewError("b", CategoryStorage, SeverityHigh), CategoryStorage)
	h.Handle(h.NewError("c", CategoryNetwork, SeverityLow), CategoryNetwork)
	s := h.Stats()
	if s.ByCategory[CategoryStorage] != 2 || s.ByCategory[CategoryNetwork] != 1 {
		t.Fatalf("byCategory = %v", s.ByCategory)
	}
	if s.BySeverity[SeverityLow] != 2 || s.BySeverity[SeverityHigh] != 1 {
		t.Fatalf("bySeverity = %v", s.BySeverity)
	}
}

func TestIsRetryable(t *testing.T) {
	h := NewHandler(HandlerConfig{})
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("connection reset"), true},
		{errors.New("validation failed: bad type"), false},
		{errors.New("authorization denied"), false},
		{errors.New("authentication expired"), false},
		{errors.New("malformed payload"), false},
		{h.NewError("validation failed", CategoryValidation, SeverityLow, WithRetryable(true)), true},
		{h.NewError("transient blip", CategoryNetwork, SeverityLow, WithRetryable(false)), false},
	}
	for i, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("case %d (%v): IsRetryable = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}
