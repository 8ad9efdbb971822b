package anomaly

import (
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-engine/internal/telemetry/domain"
)

// Type classifies an anomaly.
type Type string

const (
	TypeSpike     Type = "spike"
	TypeDrop      Type = "drop"
	TypePattern   Type = "pattern"
	TypeThreshold Type = "threshold"
)

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is a statistically significant deviation of a derived metric from
// its rolling baseline. Anomalies are derived records: only the detector
// creates them.
type Anomaly struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Severity  Severity       `json:"severity"`
	Metric    string         `json:"metric"`
	Value     float64        `json:"value"`
	Baseline  float64        `json:"baseline"`
	Deviation float64        `json:"deviation"`
	Timestamp int64          `json:"timestamp"`
	SessionID string         `json:"sessionId,omitempty"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Listener receives anomalies synchronously as they are detected.
type Listener func(Anomaly)

// Config tunes the detector.
type Config struct {
	WindowSize  int                // rolling window per metric
	MinSamples  int                // detection starts after this many points
	Threshold   float64            // default stddev multiplier
	Sensitivity map[string]float64 // per-metric threshold overrides
	Limits      map[string]float64 // per-metric absolute ceilings
	MaxHistory  int                // retained anomaly ring size
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize: 100,
		MinSamples: 10,
		Threshold:  3,
		MaxHistory: 1000,
	}
}

// Detector maintains a rolling mean/stddev per derived metric and flags
// values deviating beyond the configured threshold.
type Detector struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	windows   map[string]*window
	history   []Anomaly
	listeners []Listener
}

// Option customizes the detector.
type Option func(*Detector)

// WithLogger assigns a logger for listener panic reporting.
func WithLogger(logger *log.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// NewDetector constructs a detector. Zero config fields fall back to
// defaults.
func NewDetector(cfg Config, opts ...Option) *Detector {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = def.MinSamples
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	d := &Detector{cfg: cfg, windows: make(map[string]*window)}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Subscribe registers a listener. Listeners run synchronously during
// ProcessEvent; a panicking listener is recovered and logged so the others
// still run.
func (d *Detector) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// ProcessEvent derives metrics from the event, feeds each into its rolling
// window and returns any anomalies detected.
func (d *Detector) ProcessEvent(ev domain.Event) []Anomaly {
	samples := deriveMetrics(ev)
	if len(samples) == 0 {
		return nil
	}

	d.mu.Lock()
	var found []Anomaly
	for _, s := range samples {
		if a, ok := d.observe(s.name, s.value, ev); ok {
			found = append(found, a)
		}
	}
	if len(found) > 0 {
		d.history = append(d.history, found...)
		if overflow := len(d.history) - d.cfg.MaxHistory; overflow > 0 {
			d.history = append(d.history[:0:0], d.history[overflow:]...)
		}
	}
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, a := range found {
		for _, l := range listeners {
			d.dispatch(l, a)
		}
	}
	return found
}

func (d *Detector) dispatch(l Listener, a Anomaly) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Printf("anomaly: listener panic: %v", r)
		}
	}()
	l(a)
}

// observe appends the value to the metric's window and checks for a
// deviation. Caller holds the lock.
func (d *Detector) observe(metric string, value float64, ev domain.Event) (Anomaly, bool) {
	w := d.windows[metric]
	if w == nil {
		w = newWindow(d.cfg.WindowSize)
		d.windows[metric] = w
	}

	// Baseline excludes the incoming point so a genuine outlier cannot
	// inflate its own reference.
	mean, stddev, n := w.stats()
	w.push(value)

	// Absolute ceilings trip regardless of window state: a breach is an
	// anomaly even on the first sample.
	if limit, ok := d.cfg.Limits[metric]; ok && limit > 0 && value > limit {
		return Anomaly{
			ID:        uuid.NewString(),
			Type:      TypeThreshold,
			Severity:  severityFor(value / limit),
			Metric:    metric,
			Value:     value,
			Baseline:  limit,
			Deviation: value - limit,
			Timestamp: ev.Timestamp,
			SessionID: ev.SessionID,
			Message:   fmt.Sprintf("%s exceeded limit %.2f with %.2f", metric, limit, value),
			Context: map[string]any{
				"limit":   limit,
				"samples": n,
			},
		}, true
	}

	if n < d.cfg.MinSamples || stddev == 0 {
		return Anomaly{}, false
	}
	threshold := d.cfg.Threshold
	if override, ok := d.cfg.Sensitivity[metric]; ok && override > 0 {
		threshold = override
	}
	deviation := math.Abs(value-mean) / stddev
	if deviation <= threshold {
		return Anomaly{}, false
	}

	kind := TypeDrop
	if value > mean {
		kind = TypeSpike
		if w.trendingUp(5) {
			kind = TypePattern
		}
	}

	a := Anomaly{
		ID:        uuid.NewString(),
		Type:      kind,
		Severity:  severityFor(deviation / threshold),
		Metric:    metric,
		Value:     value,
		Baseline:  mean,
		Deviation: deviation,
		Timestamp: ev.Timestamp,
		SessionID: ev.SessionID,
		Message:   fmt.Sprintf("%s deviated %.2f stddev from baseline %.2f", metric, deviation, mean),
		Context: map[string]any{
			"threshold": threshold,
			"stddev":    stddev,
			"samples":   n,
		},
	}
	return a, true
}

// severityFor maps the deviation/threshold ratio onto a severity grade.
func severityFor(ratio float64) Severity {
	switch {
	case ratio > 3:
		return SeverityCritical
	case ratio > 2:
		return SeverityHigh
	case ratio > 1.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Anomalies returns retained anomalies, optionally constrained to a time
// range (millisecond bounds, zero = unbounded) and a severity set.
func (d *Detector) Anomalies(from, to int64, severities ...Severity) []Anomaly {
	allowed := make(map[Severity]struct{}, len(severities))
	for _, s := range severities {
		allowed[s] = struct{}{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Anomaly
	for _, a := range d.history {
		if from != 0 && a.Timestamp < from {
			continue
		}
		if to != 0 && a.Timestamp > to {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[a.Severity]; !ok {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

// MetricStats reports the rolling window state for one metric.
type MetricStats struct {
	Metric  string  `json:"metric"`
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
}

// Stats returns the rolling statistics for a named metric.
func (d *Detector) Stats(metric string) (MetricStats, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.windows[metric]
	if !ok {
		return MetricStats{}, false
	}
	mean, stddev, n := w.stats()
	return MetricStats{Metric: metric, Samples: n, Mean: mean, StdDev: stddev}, true
}

// sample is one derived (metric, value) pair.
type sample struct {
	name  string
	value float64
}

// deriveMetrics extracts the named metrics tracked for an event: a counter
// per event type, one per category/action pair, duration when present,
// error counters for error events, and any numeric entries under
// metadata.metrics.
func deriveMetrics(ev domain.Event) []sample {
	var samples []sample
	value := 1.0
	if ev.Value != nil {
		value = *ev.Value
	}
	if ev.Type != "" {
		samples = append(samples, sample{"events." + string(ev.Type), value})
	}
	if ev.Category != "" && ev.Action != "" {
		samples = append(samples, sample{"events." + ev.Category + "." + ev.Action, value})
	}
	if ev.Duration != nil {
		samples = append(samples, sample{"performance.duration", float64(*ev.Duration)})
	}
	if ev.Type == domain.EventError {
		samples = append(samples, sample{"errors.count", 1})
		if ev.Category != "" {
			samples = append(samples, sample{"errors." + ev.Category, 1})
		}
	}
	if metrics, ok := ev.Metadata["metrics"].(map[string]any); ok {
		for name, raw := range metrics {
			if v, ok := toFloat(raw); ok {
				samples = append(samples, sample{"metadata.metrics." + name, v})
			}
		}
	}
	return samples
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// window is a bounded rolling buffer of metric values.
type window struct {
	values []float64
	cap    int
}

func newWindow(cap int) *window {
	return &window{cap: cap}
}

func (w *window) push(v float64) {
	w.values = append(w.values, v)
	if len(w.values) > w.cap {
		w.values = append(w.values[:0:0], w.values[len(w.values)-w.cap:]...)
	}
}

func (w *window) stats() (mean, stddev float64, n int) {
	n = len(w.values)
	if n == 0 {
		return 0, 0, 0
	}
	for _, v := range w.values {
		mean += v
	}
	mean /= float64(n)
	var variance float64
	for _, v := range w.values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance), n
}

// trendingUp reports whether the most recent k values are monotonically
// non-decreasing.
func (w *window) trendingUp(k int) bool {
	if len(w.values) < k {
		return false
	}
	tail := w.values[len(w.values)-k:]
	for i := 1; i < len(tail); i++ {
		if tail[i] < tail[i-1] {
			return false
		}
	}
	return true
}

// Anomaly timestamps use the event's millisecond clock; Time converts.
func (a Anomaly) Time() time.Time { return time.UnixMilli(a.Timestamp).UTC() }
