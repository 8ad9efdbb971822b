package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"telemetry-engine/internal/analytics/aggregation"
	"telemetry-engine/internal/analytics/anomaly"
	"telemetry-engine/internal/faults"
	"telemetry-engine/internal/observability/metrics"
	"telemetry-engine/internal/report"
	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/telemetry/domain"
	"telemetry-engine/internal/telemetry/pipeline"
	"telemetry-engine/internal/telemetry/validate"
)

// Engine errors.
var (
	ErrNilProvider  = errors.New("engine: storage provider required")
	ErrInvalidEvent = errors.New("engine: event failed validation")
	ErrShutdown     = errors.New("engine: shut down")
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Engine is the ingestion facade. Track runs validate, process, store and
// fan-out in order; every other method is a read over one of the wired
// subsystems. All methods are safe for concurrent use.
type Engine struct {
	provider   storage.Provider
	validator  *validate.Validator
	processor  *pipeline.Processor
	detector   *anomaly.Detector
	aggregator *aggregation.Engine
	errs       *faults.Handler
	clock      Clock
	logger     *log.Logger

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Option customizes the engine.
type Option func(*Engine)

// WithValidator replaces the default validator.
func WithValidator(v *validate.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

// WithProcessor replaces the default (empty) pipeline.
func WithProcessor(p *pipeline.Processor) Option {
	return func(e *Engine) {
		if p != nil {
			e.processor = p
		}
	}
}

// WithDetector replaces the default anomaly detector.
func WithDetector(d *anomaly.Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

// WithAggregator replaces the default aggregation buffer.
func WithAggregator(a *aggregation.Engine) Option {
	return func(e *Engine) {
		if a != nil {
			e.aggregator = a
		}
	}
}

// WithErrorHandler replaces the default fault handler.
func WithErrorHandler(h *faults.Handler) Option {
	return func(e *Engine) {
		if h != nil {
			e.errs = h
		}
	}
}

// WithClock assigns a clock.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine wires the facade around a storage provider. Subsystems not
// supplied through options get production defaults.
func NewEngine(provider storage.Provider, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	e := &Engine{
		provider: provider,
		clock:    systemClock{},
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = validate.NewValidator()
	}
	if e.processor == nil {
		e.processor = pipeline.NewProcessor(pipeline.WithLogger(e.logger))
	}
	if e.detector == nil {
		e.detector = anomaly.NewDetector(anomaly.DefaultConfig(), anomaly.WithLogger(e.logger))
	}
	if e.aggregator == nil {
		e.aggregator = aggregation.NewEngine()
	}
	if e.errs == nil {
		e.errs = faults.NewHandler(faults.HandlerConfig{}, faults.WithLogger(e.logger))
	}
	return e, nil
}

// OnAnomaly subscribes a listener to detected anomalies.
func (e *Engine) OnAnomaly(l anomaly.Listener) {
	e.detector.Subscribe(l)
}

// fault routes an error through the handler and counts it.
func (e *Engine) fault(err error, fallback faults.Category) {
	te := e.errs.Handle(err, fallback)
	metrics.IncError(string(te.Category), string(te.Severity))
}

// Track ingests one event: validate, run the pipeline, persist, then feed
// the anomaly detector and the aggregation buffer. A pipeline drop is not an
// error. Validation and storage failures are routed through the fault
// handler before returning.
func (e *Engine) Track(ctx context.Context, raw domain.Event) error {
	start := e.clock.Now()
	if e.closed() {
		return ErrShutdown
	}

	res := e.validator.Validate(raw)
	for range res.Warnings {
		metrics.IncValidationWarning()
	}
	if len(res.Warnings) > 0 && e.logger != nil {
		e.logger.Printf("engine: event %s: %d validation warnings", raw.ID, len(res.Warnings))
	}
	if !res.Valid {
		for _, fe := range res.Errors {
			metrics.IncValidationReject(fe.Field)
		}
		metrics.ObserveIngest(metrics.ResultError, e.clock.Now().Sub(start))
		err := fmt.Errorf("%w: %s", ErrInvalidEvent, res.Errors[0].Error())
		e.fault(err, faults.CategoryValidation)
		return err
	}

	out, err := e.processor.Process(ctx, res.Sanitized)
	if err != nil {
		metrics.ObserveIngest(metrics.ResultError, e.clock.Now().Sub(start))
		e.fault(err, faults.CategorySystem)
		return err
	}
	if out == nil {
		metrics.IncPipelineDrop("transform")
		metrics.ObserveIngest(metrics.ResultSuccess, e.clock.Now().Sub(start))
		return nil
	}

	storeStart := e.clock.Now()
	if err := e.provider.Store(ctx, *out); err != nil {
		metrics.ObserveStore(metrics.ResultError, e.clock.Now().Sub(storeStart))
		metrics.ObserveIngest(metrics.ResultError, e.clock.Now().Sub(start))
		e.fault(err, faults.CategoryStorage)
		return err
	}
	metrics.ObserveStore(metrics.ResultSuccess, e.clock.Now().Sub(storeStart))

	for _, a := range e.detector.ProcessEvent(*out) {
		metrics.IncAnomaly(string(a.Type), string(a.Severity))
	}
	e.aggregator.AddEvents([]domain.Event{*out})
	metrics.SetAggregationBuffered(e.aggregator.Size())

	metrics.ObserveIngest(metrics.ResultSuccess, e.clock.Now().Sub(start))
	return nil
}

// TrackBatch ingests a slice of events, continuing past per-event failures.
// It returns the number stored and the first error encountered.
func (e *Engine) TrackBatch(ctx context.Context, events []domain.Event) (int, error) {
	var (
		stored   int
		firstErr error
	)
	for _, ev := range events {
		if err := e.Track(ctx, ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		stored++
	}
	return stored, firstErr
}

// Query reads stored events.
func (e *Engine) Query(ctx context.Context, filter domain.Filter) ([]domain.Event, error) {
	if e.closed() {
		return nil, ErrShutdown
	}
	events, err := e.provider.Query(ctx, filter)
	if err != nil {
		e.fault(err, faults.CategoryStorage)
		return nil, err
	}
	return events, nil
}

// Aggregate runs a query over the in-memory aggregation buffer.
func (e *Engine) Aggregate(q aggregation.Query) (aggregation.Result, error) {
	start := e.clock.Now()
	res, err := e.aggregator.Query(q)
	if err != nil {
		metrics.ObserveAggregationQuery(metrics.ResultError, e.clock.Now().Sub(start))
		return res, err
	}
	metrics.ObserveAggregationQuery(metrics.ResultSuccess, e.clock.Now().Sub(start))
	return res, nil
}

// AggregateStored replays matching stored events into a throwaway buffer and
// aggregates those, so queries can reach past the live buffer's retention.
func (e *Engine) AggregateStored(ctx context.Context, q aggregation.Query) (aggregation.Result, error) {
	if e.closed() {
		return aggregation.Result{}, ErrShutdown
	}
	// An explicit filter limit caps the replay; otherwise page through
	// every match, one provider-sized page at a time.
	total := q.Filter.Limit
	page := q.Filter
	page.Limit = domain.MaxFilterLimit
	if total > 0 && total < page.Limit {
		page.Limit = total
	}
	var events []domain.Event
	for {
		batch, err := e.provider.Query(ctx, page)
		if err != nil {
			e.fault(err, faults.CategoryStorage)
			return aggregation.Result{}, err
		}
		events = append(events, batch...)
		if len(batch) < page.Limit {
			break
		}
		if total > 0 {
			if len(events) >= total {
				events = events[:total]
				break
			}
			if remaining := total - len(events); remaining < domain.MaxFilterLimit {
				page.Limit = remaining
			}
		}
		page.Offset += len(batch)
	}
	scratch := aggregation.NewEngine(aggregation.WithMaxEvents(len(events) + 1))
	scratch.AddEvents(events)
	return scratch.Query(q)
}

// ReportFormat selects the rendered report kind.
type ReportFormat string

const (
	ReportXLSX ReportFormat = "xlsx"
	ReportPDF  ReportFormat = "pdf"
)

// ErrUnknownReportFormat rejects report formats other than xlsx and pdf.
var ErrUnknownReportFormat = errors.New("engine: unknown report format")

// BuildReport aggregates and renders the result as a spreadsheet or PDF.
func (e *Engine) BuildReport(title string, q aggregation.Query, format ReportFormat) ([]byte, error) {
	res, err := e.Aggregate(q)
	if err != nil {
		return nil, err
	}
	snap := report.Snapshot{
		Title:       title,
		GeneratedAt: e.clock.Now(),
		Query:       q,
		Result:      res,
	}
	switch format {
	case ReportXLSX:
		return report.BuildXLSX(snap)
	case ReportPDF:
		return report.BuildPDF(snap)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownReportFormat, format)
	}
}

// Anomalies returns detected anomalies within [from, to], optionally filtered
// by severity.
func (e *Engine) Anomalies(from, to int64, severities ...anomaly.Severity) []anomaly.Anomaly {
	return e.detector.Anomalies(from, to, severities...)
}

// MetricBaseline exposes the detector's rolling statistics for one metric.
func (e *Engine) MetricBaseline(metric string) (anomaly.MetricStats, bool) {
	return e.detector.Stats(metric)
}

// Errors exposes the fault handler for checks and callbacks.
func (e *Engine) Errors() *faults.Handler { return e.errs }

// ErrorStats summarizes retained faults.
func (e *Engine) ErrorStats() faults.Stats { return e.errs.Stats() }

// StorageStats reports the provider's durable state.
func (e *Engine) StorageStats(ctx context.Context) (storage.Stats, error) {
	return e.provider.Stats(ctx)
}

// Clean deletes stored events older than the cutoff and returns the count
// removed.
func (e *Engine) Clean(ctx context.Context, before time.Time) (int64, error) {
	if e.closed() {
		return 0, ErrShutdown
	}
	removed, err := e.provider.Clean(ctx, before)
	if err != nil {
		e.fault(err, faults.CategoryStorage)
		return 0, err
	}
	if e.logger != nil {
		e.logger.Printf("engine: cleaned %d events before %s", removed, before.UTC().Format(time.RFC3339))
	}
	return removed, nil
}

// Flush forces buffered writes to disk.
func (e *Engine) Flush(ctx context.Context) error {
	return e.provider.Flush(ctx)
}

// Shutdown flushes and closes the provider. Track and Query fail with
// ErrShutdown afterwards. Only the first call touches the provider;
// concurrent and repeated calls return nil.
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		close(e.shutdown)
		if ferr := e.provider.Flush(ctx); ferr != nil && e.logger != nil {
			e.logger.Printf("engine: flush on shutdown: %v", ferr)
		}
		err = e.provider.Shutdown(ctx)
	})
	return err
}

func (e *Engine) closed() bool {
	select {
	case <-e.shutdown:
		return true
	default:
		return false
	}
}
