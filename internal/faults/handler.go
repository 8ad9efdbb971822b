package faults

import (
	"errors"
	"log"
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// HandlerConfig tunes the error handler.
type HandlerConfig struct {
	MaxErrors         int           // rolling buffer cap
	Window            time.Duration // threshold evaluation window
	HighThreshold     int           // high-severity count within window triggering the callback
	CriticalThreshold int           // critical-severity count within window triggering the callback
}

// DefaultHandlerConfig returns production defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		MaxErrors:         1000,
		Window:            5 * time.Minute,
		HighThreshold:     10,
		CriticalThreshold: 3,
	}
}

// Stats summarizes retained errors.
type Stats struct {
	Total      int64            `json:"total"`
	Retained   int              `json:"retained"`
	ByCategory map[Category]int `json:"byCategory"`
	BySeverity map[Severity]int `json:"bySeverity"`
}

// Handler classifies and retains operational errors, watching severity
// thresholds over a rolling window. All callbacks run synchronously on the
// handling goroutine.
type Handler struct {
	cfg    HandlerConfig
	clock  Clock
	logger *log.Logger

	onThreshold func(severity Severity, count int)
	onCritical  func(*TelemetryError)

	mu     sync.Mutex
	buffer []*TelemetryError
	total  int64
}

// HandlerOption customizes the handler.
type HandlerOption func(*Handler)

// WithClock substitutes the time source.
func WithClock(c Clock) HandlerOption {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// OnErrorThreshold registers the windowed threshold callback.
func OnErrorThreshold(fn func(severity Severity, count int)) HandlerOption {
	return func(h *Handler) { h.onThreshold = fn }
}

// OnCriticalError registers the immediate critical-error callback.
func OnCriticalError(fn func(*TelemetryError)) HandlerOption {
	return func(h *Handler) { h.onCritical = fn }
}

// NewHandler constructs a handler. Zero config fields get defaults.
func NewHandler(cfg HandlerConfig, opts ...HandlerOption) *Handler {
	def := DefaultHandlerConfig()
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = def.MaxErrors
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = def.HighThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = def.CriticalThreshold
	}
	h := &Handler{cfg: cfg, clock: systemClock{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewError creates a classified error stamped with the handler's clock.
func (h *Handler) NewError(message string, category Category, severity Severity, opts ...ErrorOption) *TelemetryError {
	te := &TelemetryError{
		Message:       message,
		Category:      category,
		Severity:      severity,
		CorrelationID: newCorrelationID(),
		Timestamp:     h.clock.Now(),
	}
	for _, opt := range opts {
		opt(te)
	}
	return te
}

// Handle records an error. Plain errors are wrapped with the fallback
// category at medium severity. Returns the recorded TelemetryError.
func (h *Handler) Handle(err error, fallback Category) *TelemetryError {
	if err == nil {
		return nil
	}
	var te *TelemetryError
	if !errors.As(err, &te) {
		te = h.NewError(err.Error(), fallback, SeverityMedium, WithCause(err))
	}

	h.mu.Lock()
	h.total++
	h.buffer = append(h.buffer, te)
	if len(h.buffer) > (h.cfg.MaxErrors*9)/10 {
		h.prune()
	}
	thresholdSeverity, thresholdCount := h.checkThresholds()
	h.mu.Unlock()

	if h.logger != nil {
		h.logger.Printf("faults: [%s/%s] %s (correlation=%s)", te.Category, te.Severity, te.Error(), te.CorrelationID)
	}
	if te.Severity == SeverityCritical && h.onCritical != nil {
		h.onCritical(te)
	}
	if thresholdCount > 0 && h.onThreshold != nil {
		h.onThreshold(thresholdSeverity, thresholdCount)
	}
	return te
}

// prune drops entries older than twice the window, then trims to the cap
// keeping the most recent. Caller holds the lock.
func (h *Handler) prune() {
	cutoff := h.clock.Now().Add(-2 * h.cfg.Window)
	kept := h.buffer[:0]
	for _, te := range h.buffer {
		if te.Timestamp.After(cutoff) {
			kept = append(kept, te)
		}
	}
	h.buffer = kept
	if overflow := len(h.buffer) - h.cfg.MaxErrors; overflow > 0 {
		h.buffer = append(h.buffer[:0:0], h.buffer[overflow:]...)
	}
}

// checkThresholds counts high and critical errors inside the window.
// Critical wins when both thresholds are met. Caller holds the lock.
func (h *Handler) checkThresholds() (Severity, int) {
	cutoff := h.clock.Now().Add(-h.cfg.Window)
	var high, critical int
	for _, te := range h.buffer {
		if !te.Timestamp.After(cutoff) {
			continue
		}
		switch te.Severity {
		case SeverityHigh:
			high++
		case SeverityCritical:
			critical++
		}
	}
	if critical >= h.cfg.CriticalThreshold {
		return SeverityCritical, critical
	}
	if high >= h.cfg.HighThreshold {
		return SeverityHigh, high
	}
	return "", 0
}

// Stats summarizes retained errors.
func (h *Handler) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Stats{
		Total:      h.total,
		Retained:   len(h.buffer),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
	}
	for _, te := range h.buffer {
		s.ByCategory[te.Category]++
		s.BySeverity[te.Severity]++
	}
	return s
}

// Recent returns up to n most recent retained errors, newest last.
func (h *Handler) Recent(n int) []*TelemetryError {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.buffer) {
		n = len(h.buffer)
	}
	out := make([]*TelemetryError, n)
	copy(out, h.buffer[len(h.buffer)-n:])
	return out
}
