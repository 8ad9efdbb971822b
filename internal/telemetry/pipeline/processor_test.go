package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"telemetry-engine/internal/observability/metrics"
	"telemetry-engine/internal/telemetry/domain"
)

func testEvent() domain.Event {
	return domain.Event{
		ID:        "evt-1",
		SessionID: "sess-1",
		Type:      domain.EventStream,
		Category:  "agent",
		Action:    "token",
		Timestamp: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func tagger(name, tag string) Transformer {
	return TransformerFunc{
		StepName: name,
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			ev.Label += tag
			return &ev, nil
		},
	}
}

func TestSequentialOrderFollowsPriority(t *testing.T) {
	p := NewProcessor()
	p.AddTransformer(tagger("low", "b"), 1)
	p.AddTransformer(tagger("high", "a"), 10)

	out, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Label != "ab" {
		t.Fatalf("expected high-priority step first, got label %q", out.Label)
	}
}

func TestSequentialDropShortCircuits(t *testing.T) {
	ran := false
	p := NewProcessor()
	p.AddTransformer(NewCategoryAllowFilter("other"), 10)
	p.AddTransformer(TransformerFunc{
		StepName: "after",
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			ran = true
			return &ev, nil
		},
	}, 1)

	out, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatal("expected event dropped")
	}
	if ran {
		t.Fatal("later step must not run after a drop")
	}
}

func TestSequentialAbortOnError(t *testing.T) {
	boom := errors.New("boom")
	p := NewProcessor()
	p.AddTransformer(TransformerFunc{
		StepName: "failing",
		Fn: func(_ context.Context, _ domain.Event) (*domain.Event, error) {
			return nil, boom
		},
	}, 10)
	p.AddTransformer(tagger("after", "x"), 1)

	if _, err := p.Process(context.Background(), testEvent()); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestSequentialContinueOnErrorSkips(t *testing.T) {
	p := NewProcessor(WithContinueOnError(true))
	p.AddTransformer(TransformerFunc{
		StepName: "failing",
		Fn: func(_ context.Context, _ domain.Event) (*domain.Event, error) {
			return nil, errors.New("boom")
		},
	}, 10)
	p.AddTransformer(tagger("after", "x"), 1)

	out, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out == nil || out.Label != "x" {
		t.Fatalf("expected failing step skipped, got %+v", out)
	}
}

// counterValue reads one labelled counter from the default gatherer.
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			matched := 0
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] == lp.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestContinueOnErrorCountsSkips(t *testing.T) {
	metrics.Init()
	labels := map[string]string{"step": "flaky"}
	before := counterValue(t, "telemetry_pipeline_step_skips_total", labels)

	p := NewProcessor(WithContinueOnError(true))
	p.AddTransformer(TransformerFunc{
		StepName: "flaky",
		Fn: func(_ context.Context, _ domain.Event) (*domain.Event, error) {
			return nil, errors.New("boom")
		},
	}, 1)
	if _, err := p.Process(context.Background(), testEvent()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := counterValue(t, "telemetry_pipeline_step_skips_total", labels); got != before+1 {
		t.Fatalf("skips = %v, want %v", got, before+1)
	}
}

func TestStepTimeout(t *testing.T) {
	p := NewProcessor(WithStepTimeout(20 * time.Millisecond))
	p.AddTransformer(TransformerFunc{
		StepName: "slow",
		Fn: func(ctx context.Context, ev domain.Event) (*domain.Event, error) {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return &ev, nil
		},
	}, 1)

	if _, err := p.Process(context.Background(), testEvent()); !errors.Is(err, ErrStepTimeout) {
		t.Fatalf("expected step timeout, got %v", err)
	}
}

func TestEnricherTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	p := NewProcessor(WithStepTimeout(20*time.Millisecond), WithContinueOnError(true))
	p.AddEnricher(EnricherFunc{
		StepName: "slow",
		Fn: func(_ context.Context, ev *domain.Event) error {
			<-release
			ev.Label = "late"
			return nil
		},
	}, 1)

	out, err := p.Process(context.Background(), testEvent())
	close(release)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Label == "late" {
		t.Fatal("late enricher result must be discarded")
	}
}

func TestParallelFirstResultWins(t *testing.T) {
	p := NewProcessor(WithMode(ModeParallel))
	p.AddTransformer(tagger("a", "a"), 1)
	p.AddTransformer(tagger("b", "b"), 1)

	out, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	// Each parallel transformer sees the original event, so exactly one tag
	// wins.
	if out == nil || (out.Label != "a" && out.Label != "b") {
		t.Fatalf("expected single-tag result, got %+v", out)
	}
}

func TestParallelAllDropped(t *testing.T) {
	p := NewProcessor(WithMode(ModeParallel))
	p.AddTransformer(NewCategoryAllowFilter("none"), 1)
	p.AddTransformer(NewTypeAllowFilter(domain.EventError), 1)

	out, err := p.Process(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out != nil {
		t.Fatal("expected event dropped by all transformers")
	}
}

func TestEnrichersRunAfterTransformers(t *testing.T) {
	p := NewProcessor()
	p.AddEnricher(NewIDEnricher(), 10)
	p.AddEnricher(NewEnvironmentEnricher("staging"), 5)
	p.AddEnricher(NewPlatformEnricher(), 1)

	ev := testEvent()
	ev.ID = ""
	out, err := p.Process(context.Background(), ev)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.ID == "" {
		t.Fatal("expected id assigned")
	}
	if out.Metadata["environment"] != "staging" {
		t.Fatalf("expected environment annotation, got %v", out.Metadata)
	}
	if out.Metadata["platform"] == "" {
		t.Fatal("expected platform annotation")
	}
}

func TestSamplerDeterministic(t *testing.T) {
	values := []float64{0.1, 0.9, 0.3, 0.7}
	i := 0
	rng := func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
	s := NewSampler(0.5, rng)

	kept := 0
	for range values {
		out, err := s.Transform(context.Background(), testEvent())
		if err != nil {
			t.Fatalf("sample: %v", err)
		}
		if out != nil {
			kept++
		}
	}
	if kept != 2 {
		t.Fatalf("expected 2 of 4 kept at rate 0.5, got %d", kept)
	}
}

func TestFieldRedactor(t *testing.T) {
	r := NewFieldRedactor("apiKey", "label")
	ev := testEvent()
	ev.Label = "secret"
	ev.Metadata = map[string]any{"apiKey": "sk-123", "keep": "ok"}

	out, err := r.Transform(context.Background(), ev)
	if err != nil {
		t.Fatalf("redact: %v", err)
	}
	if out.Label != "[redacted]" || out.Metadata["apiKey"] != "[redacted]" {
		t.Fatalf("expected redactions, got %+v", out)
	}
	if out.Metadata["keep"] != "ok" {
		t.Fatal("unlisted fields must survive")
	}
}

func TestDeduplicatorWindow(t *testing.T) {
	now := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	d := NewDeduplicator(time.Minute, func(ev domain.Event) string {
		return ev.SessionID + "|" + ev.Action
	}, clock)

	first, _ := d.Transform(context.Background(), testEvent())
	if first == nil {
		t.Fatal("first event must pass")
	}
	dupe, _ := d.Transform(context.Background(), testEvent())
	if dupe != nil {
		t.Fatal("duplicate within window must drop")
	}

	now = now.Add(2 * time.Minute)
	again, _ := d.Transform(context.Background(), testEvent())
	if again == nil {
		t.Fatal("event after window must pass")
	}
}
