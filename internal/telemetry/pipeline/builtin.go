package pipeline

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-engine/internal/telemetry/domain"
)

// Reusable pipeline building blocks. Transformers filter or rewrite;
// enrichers only annotate.

// NewIDEnricher assigns a UUID to events arriving without one.
func NewIDEnricher() Enricher {
	return EnricherFunc{
		StepName: "id",
		Fn: func(_ context.Context, ev *domain.Event) error {
			if ev.ID == "" {
				ev.ID = uuid.NewString()
			}
			return nil
		},
	}
}

// NewTimestampEnricher stamps events arriving without a timestamp.
func NewTimestampEnricher(clock func() time.Time) Enricher {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return EnricherFunc{
		StepName: "timestamp",
		Fn: func(_ context.Context, ev *domain.Event) error {
			if ev.Timestamp == 0 {
				ev.Timestamp = clock().UnixMilli()
			}
			return nil
		},
	}
}

// NewEnvironmentEnricher annotates events with the deployment environment.
func NewEnvironmentEnricher(environment string) Enricher {
	return newMetadataEnricher("environment", "environment", environment)
}

// NewVersionEnricher annotates events with the running engine version.
func NewVersionEnricher(version string) Enricher {
	return newMetadataEnricher("version", "version", version)
}

// NewPlatformEnricher annotates events with the host OS and architecture.
func NewPlatformEnricher() Enricher {
	return newMetadataEnricher("platform", "platform", runtime.GOOS+"/"+runtime.GOARCH)
}

func newMetadataEnricher(name, key, value string) Enricher {
	return EnricherFunc{
		StepName: name,
		Fn: func(_ context.Context, ev *domain.Event) error {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]any, 1)
			}
			ev.Metadata[key] = value
			return nil
		},
	}
}

// NewCategoryAllowFilter drops events whose category is not in the allow
// list.
func NewCategoryAllowFilter(categories ...string) Transformer {
	allowed := toSet(categories)
	return TransformerFunc{
		StepName: "category-filter",
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			if _, ok := allowed[ev.Category]; !ok {
				return nil, nil
			}
			return &ev, nil
		},
	}
}

// NewTypeAllowFilter drops events whose type is not in the allow list.
func NewTypeAllowFilter(types ...domain.EventType) Transformer {
	allowed := make(map[domain.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return TransformerFunc{
		StepName: "type-filter",
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			if _, ok := allowed[ev.Type]; !ok {
				return nil, nil
			}
			return &ev, nil
		},
	}
}

// NewSampler keeps roughly rate (0..1) of events. The random source is
// injectable so tests can be deterministic.
func NewSampler(rate float64, rng func() float64) Transformer {
	if rng == nil {
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		var mu sync.Mutex
		rng = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}
	return TransformerFunc{
		StepName: "sampler",
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			if rate <= 0 {
				return nil, nil
			}
			if rate < 1 && rng() >= rate {
				return nil, nil
			}
			return &ev, nil
		},
	}
}

const redactedPlaceholder = "[redacted]"

// NewFieldRedactor blanks the named metadata and context keys. Label is
// redacted when listed as "label".
func NewFieldRedactor(fields ...string) Transformer {
	targets := toSet(fields)
	return TransformerFunc{
		StepName: "redactor",
		Fn: func(_ context.Context, ev domain.Event) (*domain.Event, error) {
			if _, ok := targets["label"]; ok && ev.Label != "" {
				ev.Label = redactedPlaceholder
			}
			redactKeys(ev.Metadata, targets)
			redactKeys(ev.Context, targets)
			return &ev, nil
		},
	}
}

func redactKeys(m map[string]any, targets map[string]struct{}) {
	for k := range m {
		if _, ok := targets[k]; ok {
			m[k] = redactedPlaceholder
		}
	}
}

// KeyFunc derives a deduplication key from an event.
type KeyFunc func(domain.Event) string

// Deduplicator drops events whose key was already seen within the window.
// Seen keys self-prune as they expire.
type Deduplicator struct {
	window time.Duration
	keyFn  KeyFunc
	clock  func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDeduplicator constructs a time-windowed deduplicating transformer.
func NewDeduplicator(window time.Duration, keyFn KeyFunc, clock func() time.Time) *Deduplicator {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Deduplicator{
		window: window,
		keyFn:  keyFn,
		clock:  clock,
		seen:   make(map[string]time.Time),
	}
}

// Name implements Transformer.
func (d *Deduplicator) Name() string { return "deduplicator" }

// Transform implements Transformer.
func (d *Deduplicator) Transform(_ context.Context, ev domain.Event) (*domain.Event, error) {
	key := d.keyFn(ev)
	if key == "" {
		return &ev, nil
	}
	now := d.clock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for k, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, k)
		}
	}
	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.window {
		return nil, nil
	}
	d.seen[key] = now
	return &ev, nil
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}
