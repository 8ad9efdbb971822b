package health

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// Status is a health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is what a check function reports.
type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Healthy is shorthand for a passing result.
func Healthy() CheckResult { return CheckResult{Status: StatusHealthy} }

// Degraded is shorthand for a degraded result.
func Degraded(message string) CheckResult {
	return CheckResult{Status: StatusDegraded, Message: message}
}

// Unhealthy is shorthand for a failing result.
func Unhealthy(message string) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: message}
}

// CheckFunc probes one dependency. A panic or a timeout counts as
// unhealthy; the checker never propagates either.
type CheckFunc func(ctx context.Context) CheckResult

// Check is a registered health probe.
type Check struct {
	Name     string
	Critical bool
	Timeout  time.Duration // per-check, defaults to DefaultCheckTimeout
	Run      CheckFunc
}

// DefaultCheckTimeout bounds a single check run.
const DefaultCheckTimeout = 5 * time.Second

// Outcome is the recorded result of one check run.
type Outcome struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Critical bool           `json:"critical"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// SystemHealth aggregates all check outcomes into one verdict.
type SystemHealth struct {
	Status    Status    `json:"status"`
	Checks    []Outcome `json:"checks"`
	Healthy   int       `json:"healthy"`
	Degraded  int       `json:"degraded"`
	Unhealthy int       `json:"unhealthy"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Clock abstracts time and timers for deterministic periodic-check tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer(d time.Duration) Timer { return systemTimer{time.NewTimer(d)} }

type systemTimer struct{ t *time.Timer }

func (t systemTimer) C() <-chan time.Time { return t.t.C }

func (t systemTimer) Stop() bool { return t.t.Stop() }

// ErrWaitTimeout reports that WaitForHealthy gave up.
var ErrWaitTimeout = errors.New("health: wait for healthy timed out")

// Checker runs registered checks and derives a system verdict. Check
// failures are logged, never routed into the telemetry error path, so a
// sick engine cannot amplify its own sickness.
type Checker struct {
	clock  Clock
	logger *log.Logger

	mu      sync.Mutex
	checks  []Check
	last    SystemHealth
	hasLast bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option customizes the checker.
type Option func(*Checker)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(ch *Checker) {
		if c != nil {
			ch.clock = c
		}
	}
}

// WithLogger assigns a logger for critical-check failures.
func WithLogger(logger *log.Logger) Option {
	return func(ch *Checker) { ch.logger = logger }
}

// NewChecker constructs an empty checker.
func NewChecker(opts ...Option) *Checker {
	ch := &Checker{clock: systemClock{}}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// AddCheck registers a probe. A check with an empty name or nil Run is
// rejected.
func (ch *Checker) AddCheck(c Check) error {
	if c.Name == "" {
		return errors.New("health: empty check name")
	}
	if c.Run == nil {
		return errors.New("health: nil check func")
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultCheckTimeout
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, existing := range ch.checks {
		if existing.Name == c.Name {
			return fmt.Errorf("health: duplicate check %q", c.Name)
		}
	}
	ch.checks = append(ch.checks, c)
	return nil
}

// RunChecks runs every registered check and aggregates the verdict.
func (ch *Checker) RunChecks(ctx context.Context) SystemHealth {
	ch.mu.Lock()
	checks := append([]Check(nil), ch.checks...)
	ch.mu.Unlock()

	health := SystemHealth{CheckedAt: ch.clock.Now()}
	var criticalDown bool
	for _, c := range checks {
		outcome := ch.runOne(ctx, c)
		health.Checks = append(health.Checks, outcome)
		switch outcome.Status {
		case StatusHealthy:
			health.Healthy++
		case StatusDegraded:
			health.Degraded++
		case StatusUnhealthy:
			health.Unhealthy++
			if c.Critical {
				criticalDown = true
			}
		}
	}

	switch {
	case criticalDown, health.Unhealthy > 0:
		health.Status = StatusUnhealthy
	case health.Degraded > 0:
		health.Status = StatusDegraded
	default:
		health.Status = StatusHealthy
	}

	ch.mu.Lock()
	ch.last = health
	ch.hasLast = true
	ch.mu.Unlock()
	return health
}

// runOne executes a single check with its timeout; a late result is
// discarded, a panic becomes an unhealthy outcome.
func (ch *Checker) runOne(ctx context.Context, c Check) Outcome {
	start := ch.clock.Now()
	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Unhealthy(fmt.Sprintf("check panicked: %v", r))
			}
		}()
		done <- c.Run(runCtx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = Unhealthy(fmt.Sprintf("check timed out after %s", c.Timeout))
	}

	if res.Status != StatusHealthy && res.Status != StatusDegraded && res.Status != StatusUnhealthy {
		res = Unhealthy(fmt.Sprintf("check returned unknown status %q", res.Status))
	}
	if res.Status == StatusUnhealthy && c.Critical && ch.logger != nil {
		ch.logger.Printf("health: critical check %s unhealthy: %s", c.Name, res.Message)
	}
	return Outcome{
		Name:     c.Name,
		Status:   res.Status,
		Critical: c.Critical,
		Message:  res.Message,
		Details:  res.Details,
		Duration: ch.clock.Now().Sub(start),
	}
}

// Last returns the most recent aggregated verdict, if any run completed.
func (ch *Checker) Last() (SystemHealth, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.last, ch.hasLast
}

// StartPeriodicChecks reruns all checks at the interval until
// StopPeriodicChecks. Idempotent while running.
func (ch *Checker) StartPeriodicChecks(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ch.mu.Lock()
	if ch.stop != nil {
		ch.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	ch.stop = stop
	ch.mu.Unlock()

	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()
		for {
			t := ch.clock.NewTimer(interval)
			select {
			case <-t.C():
				ch.RunChecks(context.Background())
			case <-stop:
				t.Stop()
				return
			}
		}
	}()
}

// StopPeriodicChecks halts the periodic loop.
func (ch *Checker) StopPeriodicChecks() {
	ch.mu.Lock()
	if ch.stop == nil {
		ch.mu.Unlock()
		return
	}
	close(ch.stop)
	ch.stop = nil
	ch.mu.Unlock()
	ch.wg.Wait()
}

// WaitForHealthy polls RunChecks until the verdict is healthy or the
// timeout elapses.
func (ch *Checker) WaitForHealthy(ctx context.Context, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = time.Second
	}
	deadline := ch.clock.Now().Add(timeout)
	for {
		if ch.RunChecks(ctx).Status == StatusHealthy {
			return nil
		}
		if ch.clock.Now().Add(poll).After(deadline) {
			return ErrWaitTimeout
		}
		t := ch.clock.NewTimer(poll)
		select {
		case <-t.C():
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
