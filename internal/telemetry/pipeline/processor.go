package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"telemetry-engine/internal/observability/metrics"
	"telemetry-engine/internal/telemetry/domain"
)

// Transformer may drop or replace an event. Returning (nil, nil) filters the
// event out of the pipeline.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, ev domain.Event) (*domain.Event, error)
}

// Enricher annotates an event in place. Enrichers cannot drop events.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, ev *domain.Event) error
}

// TransformerFunc adapts a function to Transformer.
type TransformerFunc struct {
	StepName string
	Fn       func(ctx context.Context, ev domain.Event) (*domain.Event, error)
}

func (t TransformerFunc) Name() string { return t.StepName }

func (t TransformerFunc) Transform(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	return t.Fn(ctx, ev)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc struct {
	StepName string
	Fn       func(ctx context.Context, ev *domain.Event) error
}

func (e EnricherFunc) Name() string { return e.StepName }

func (e EnricherFunc) Enrich(ctx context.Context, ev *domain.Event) error {
	return e.Fn(ctx, ev)
}

// Mode selects how transformers execute.
type Mode int

const (
	// ModeSequential runs each transformer on the previous transformer's
	// output, preserving registration priority order.
	ModeSequential Mode = iota
	// ModeParallel runs all transformers concurrently on the original event;
	// the first non-nil result wins. Order is not guaranteed, so parallel
	// mode must only be used with independent, idempotent transformers.
	ModeParallel
)

// DefaultStepTimeout bounds a single transformer or enricher invocation.
const DefaultStepTimeout = 5 * time.Second

// ErrStepTimeout marks a step that exceeded its timeout. A timed-out step's
// eventual result is discarded, never double-applied.
var ErrStepTimeout = errors.New("pipeline: step timed out")

type transformerStep struct {
	t        Transformer
	priority int
	seq      int
}

type enricherStep struct {
	e        Enricher
	priority int
	seq      int
}

// Processor runs an ordered chain of named transformers followed by named
// enrichers over each event. Steps are sorted by descending priority;
// registration order breaks ties.
type Processor struct {
	transformers []transformerStep
	enrichers    []enricherStep
	mode         Mode
	stepTimeout  time.Duration
	continueOn   bool
	logger       *log.Logger
	seq          int
}

// ProcessorOption customizes the processor.
type ProcessorOption func(*Processor)

// WithMode selects sequential or parallel transformer execution.
func WithMode(mode Mode) ProcessorOption {
	return func(p *Processor) { p.mode = mode }
}

// WithStepTimeout overrides the per-step timeout.
func WithStepTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.stepTimeout = d
		}
	}
}

// WithContinueOnError skips failing steps instead of aborting the chain.
func WithContinueOnError(on bool) ProcessorOption {
	return func(p *Processor) { p.continueOn = on }
}

// WithLogger assigns a logger for skipped-step reporting.
func WithLogger(logger *log.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = logger }
}

// NewProcessor constructs a processor.
func NewProcessor(opts ...ProcessorOption) *Processor {
	p := &Processor{stepTimeout: DefaultStepTimeout}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddTransformer registers a transformer with a priority. Higher priority
// runs first.
func (p *Processor) AddTransformer(t Transformer, priority int) {
	p.seq++
	p.transformers = append(p.transformers, transformerStep{t: t, priority: priority, seq: p.seq})
	sort.SliceStable(p.transformers, func(i, j int) bool {
		if p.transformers[i].priority != p.transformers[j].priority {
			return p.transformers[i].priority > p.transformers[j].priority
		}
		return p.transformers[i].seq < p.transformers[j].seq
	})
}

// AddEnricher registers an enricher with a priority. Higher priority runs
// first.
func (p *Processor) AddEnricher(e Enricher, priority int) {
	p.seq++
	p.enrichers = append(p.enrichers, enricherStep{e: e, priority: priority, seq: p.seq})
	sort.SliceStable(p.enrichers, func(i, j int) bool {
		if p.enrichers[i].priority != p.enrichers[j].priority {
			return p.enrichers[i].priority > p.enrichers[j].priority
		}
		return p.enrichers[i].seq < p.enrichers[j].seq
	})
}

// Process runs the event through transformers then enrichers. A nil result
// with nil error means the event was filtered out.
func (p *Processor) Process(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	var (
		out *domain.Event
		err error
	)
	switch p.mode {
	case ModeParallel:
		out, err = p.transformParallel(ctx, ev)
	default:
		out, err = p.transformSequential(ctx, ev)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}

	for _, step := range p.enrichers {
		stepErr := p.runEnricher(ctx, step.e, out)
		if stepErr == nil {
			continue
		}
		if !p.continueOn {
			return nil, fmt.Errorf("pipeline: enricher %s: %w", step.e.Name(), stepErr)
		}
		p.logSkip(step.e.Name(), stepErr)
	}
	return out, nil
}

func (p *Processor) transformSequential(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	current := ev.Clone()
	for _, step := range p.transformers {
		next, stepErr := p.runTransformer(ctx, step.t, current)
		if stepErr != nil {
			if !p.continueOn {
				return nil, fmt.Errorf("pipeline: transformer %s: %w", step.t.Name(), stepErr)
			}
			p.logSkip(step.t.Name(), stepErr)
			continue
		}
		if next == nil {
			return nil, nil
		}
		current = *next
	}
	return &current, nil
}

func (p *Processor) transformParallel(ctx context.Context, ev domain.Event) (*domain.Event, error) {
	if len(p.transformers) == 0 {
		out := ev.Clone()
		return &out, nil
	}

	type outcome struct {
		ev   *domain.Event
		err  error
		name string
	}
	results := make(chan outcome, len(p.transformers))
	for _, step := range p.transformers {
		step := step
		go func() {
			next, stepErr := p.runTransformer(ctx, step.t, ev.Clone())
			results <- outcome{ev: next, err: stepErr, name: step.t.Name()}
		}()
	}

	for range p.transformers {
		res := <-results
		if res.err != nil {
			if !p.continueOn {
				return nil, fmt.Errorf("pipeline: transformer %s: %w", res.name, res.err)
			}
			p.logSkip(res.name, res.err)
			continue
		}
		if res.ev != nil {
			return res.ev, nil
		}
	}
	return nil, nil
}

// runTransformer wraps a transformer invocation with the step timeout. A
// buffered channel lets a late result complete without being applied.
func (p *Processor) runTransformer(ctx context.Context, t Transformer, ev domain.Event) (*domain.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	type outcome struct {
		ev  *domain.Event
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		next, err := t.Transform(ctx, ev)
		done <- outcome{ev: next, err: err}
	}()
	select {
	case res := <-done:
		return res.ev, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s", ErrStepTimeout, p.stepTimeout)
	}
}

func (p *Processor) runEnricher(ctx context.Context, e Enricher, ev *domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.stepTimeout)
	defer cancel()

	// The enricher mutates a private copy; the result is copied back only on
	// success so a timed-out enricher cannot race the caller's event.
	scratch := ev.Clone()
	done := make(chan error, 1)
	go func() { done <- e.Enrich(ctx, &scratch) }()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		*ev = scratch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrStepTimeout, p.stepTimeout)
	}
}

func (p *Processor) logSkip(name string, err error) {
	metrics.IncPipelineSkip(name)
	if p.logger != nil {
		p.logger.Printf("pipeline: step %s skipped: %v", name, err)
	}
}
