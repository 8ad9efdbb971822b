package export

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-engine/internal/export/destination"
	"telemetry-engine/internal/export/format"
	"telemetry-engine/internal/export/notify"
	"telemetry-engine/internal/observability/metrics"
	"telemetry-engine/internal/telemetry/domain"
)

// Clock abstracts time and timers so tests can advance schedules
// deterministically.
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

// QueryFunc fetches the events matching a schedule's filter.
type QueryFunc func(ctx context.Context, f domain.Filter) ([]domain.Event, error)

// ScheduleConfig defines one export schedule.
type ScheduleConfig struct {
	ID          string
	Name        string
	Cron        string // preset grammar, see ParseSchedule
	Format      format.Format
	Filter      domain.Filter
	Destination destination.Destination
	// Notifier, when set, receives this schedule's execution outcomes
	// instead of the scheduler-wide notifier.
	Notifier notify.Notifier
	Enabled  bool
}

// ExecutionStatus tracks an execution through its lifecycle.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution records one export run.
type Execution struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"scheduleId"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	EventCount int             `json:"eventCount"`
	Bytes      int             `json:"bytes"`
	Ref        string          `json:"ref,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Scheduler errors.
var (
	ErrScheduleExists   = errors.New("export: schedule already exists")
	ErrScheduleNotFound = errors.New("export: schedule not found")
)

const defaultMaxHistory = 100

type entry struct {
	cfg   ScheduleConfig
	sched Schedule
	stop  chan struct{}
}

// Scheduler owns export schedules. Each enabled schedule is armed with a
// single-shot timer computed from its expression; after every firing the
// next one is recomputed and re-armed, so slow executions delay rather
// than pile up.
type Scheduler struct {
	query      QueryFunc
	notifier   notify.Notifier
	clock      Clock
	logger     *log.Logger
	maxHistory int

	mu      sync.Mutex
	entries map[string]*entry
	history []Execution
	started bool
	wg      sync.WaitGroup
}

// SchedulerOption customizes the scheduler.
type SchedulerOption func(*Scheduler)

// WithClock substitutes the time source.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithNotifier enables execution notifications.
func WithNotifier(n notify.Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMaxHistory bounds the retained execution records.
func WithMaxHistory(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxHistory = n
		}
	}
}

// NewScheduler constructs a stopped scheduler.
func NewScheduler(query QueryFunc, opts ...SchedulerOption) (*Scheduler, error) {
	if query == nil {
		return nil, errors.New("export: nil query func")
	}
	s := &Scheduler{
		query:      query,
		clock:      systemClock{},
		maxHistory: defaultMaxHistory,
		entries:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func validateConfig(cfg ScheduleConfig) (Schedule, error) {
	if cfg.ID == "" {
		return Schedule{}, errors.New("export: empty schedule id")
	}
	if !cfg.Format.Valid() {
		return Schedule{}, fmt.Errorf("%w: %q", format.ErrUnknownFormat, cfg.Format)
	}
	if cfg.Destination == nil {
		return Schedule{}, errors.New("export: nil destination")
	}
	return ParseSchedule(cfg.Cron)
}

// AddSchedule registers a schedule, arming it immediately when the
// scheduler is started and the schedule enabled.
func (s *Scheduler) AddSchedule(cfg ScheduleConfig) error {
	sched, err := validateConfig(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[cfg.ID]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, cfg.ID)
	}
	e := &entry{cfg: cfg, sched: sched}
	s.entries[cfg.ID] = e
	if s.started && cfg.Enabled {
		s.arm(e)
	}
	return nil
}

// RemoveSchedule stops and deletes a schedule.
func (s *Scheduler) RemoveSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	s.disarm(e)
	delete(s.entries, id)
	return nil
}

// UpdateSchedule replaces a schedule's definition, re-arming from the new
// expression.
func (s *Scheduler) UpdateSchedule(cfg ScheduleConfig) error {
	sched, err := validateConfig(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[cfg.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, cfg.ID)
	}
	s.disarm(e)
	e.cfg = cfg
	e.sched = sched
	if s.started && cfg.Enabled {
		s.arm(e)
	}
	return nil
}

// Schedules lists registered schedule configs.
func (s *Scheduler) Schedules() []ScheduleConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleConfig, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.cfg)
	}
	return out
}

// Start arms all enabled schedules. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.entries {
		if e.cfg.Enabled {
			s.arm(e)
		}
	}
}

// Stop disarms all schedules and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	for _, e := range s.entries {
		s.disarm(e)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// arm starts the timer loop for an entry. Caller holds the lock.
func (s *Scheduler) arm(e *entry) {
	if e.stop != nil {
		return
	}
	stop := make(chan struct{})
	e.stop = stop
	cfg := e.cfg
	sched := e.sched
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			now := s.clock.Now()
			t := s.clock.NewTimer(sched.Next(now).Sub(now))
			select {
			case <-t.C():
				if _, err := s.execute(context.Background(), cfg); err != nil && s.logger != nil {
					s.logger.Printf("export: schedule %s failed: %v", cfg.ID, err)
				}
			case <-stop:
				t.Stop()
				return
			}
		}
	}()
}

// disarm stops the timer loop. Caller holds the lock.
func (s *Scheduler) disarm(e *entry) {
	if e.stop == nil {
		return
	}
	close(e.stop)
	e.stop = nil
}

// ExecuteNow runs a schedule immediately, independent of its timer.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) (Execution, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return Execution{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	cfg := e.cfg
	s.mu.Unlock()
	return s.execute(ctx, cfg)
}

// Executions returns retained execution records, newest last. An empty id
// returns all schedules' records.
func (s *Scheduler) Executions(scheduleID string) []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Execution
	for _, ex := range s.history {
		if scheduleID == "" || ex.ScheduleID == scheduleID {
			out = append(out, ex)
		}
	}
	return out
}

// execute runs one export: query, encode, deliver, record, notify. A
// notification failure never fails the execution.
func (s *Scheduler) execute(ctx context.Context, cfg ScheduleConfig) (Execution, error) {
	ex := Execution{
		ID:         uuid.NewString(),
		ScheduleID: cfg.ID,
		Status:     ExecutionRunning,
		StartedAt:  s.clock.Now(),
	}
	s.record(ex)

	err := func() error {
		events, err := s.query(ctx, cfg.Filter)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		ex.EventCount = len(events)

		exporter, err := format.New(cfg.Format)
		if err != nil {
			return err
		}
		body, err := exporter.Export(events)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}
		ex.Bytes = len(body)

		ref, err := cfg.Destination.Deliver(ctx, destination.Payload{
			Body:        body,
			ContentType: exporter.ContentType(),
			Extension:   exporter.Extension(),
			GeneratedAt: ex.StartedAt.UnixMilli(),
		})
		if err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
		ex.Ref = ref
		return nil
	}()

	ex.FinishedAt = s.clock.Now()
	result := metrics.ResultSuccess
	if err != nil {
		ex.Status = ExecutionFailed
		ex.Error = err.Error()
		result = metrics.ResultError
	} else {
		ex.Status = ExecutionCompleted
	}
	metrics.ObserveExport(string(cfg.Format), result, ex.FinishedAt.Sub(ex.StartedAt))
	s.record(ex)
	s.notify(ctx, cfg, ex, err)
	if err != nil {
		return ex, err
	}
	return ex, nil
}

// record inserts or updates an execution in history, trimming to the cap.
func (s *Scheduler) record(ex Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].ID == ex.ID {
			s.history[i] = ex
			return
		}
	}
	s.history = append(s.history, ex)
	if overflow := len(s.history) - s.maxHistory; overflow > 0 {
		s.history = append(s.history[:0:0], s.history[overflow:]...)
	}
}

func (s *Scheduler) notify(ctx context.Context, cfg ScheduleConfig, ex Execution, execErr error) {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = s.notifier
	}
	if notifier == nil {
		return
	}
	n := notify.Notification{
		Schedule:  cfg.ID,
		Execution: ex.ID,
	}
	if execErr != nil {
		n.Type = "failure"
		n.Error = execErr.Error()
	} else {
		n.Type = "success"
		n.Result = map[string]any{
			"events": ex.EventCount,
			"bytes":  ex.Bytes,
			"ref":    ex.Ref,
		}
	}
	if err := notifier.Notify(ctx, n); err != nil && s.logger != nil {
		s.logger.Printf("export: notification for %s failed: %v", cfg.ID, err)
	}
}
