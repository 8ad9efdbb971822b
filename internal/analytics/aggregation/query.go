package aggregation

import (
	"errors"
	"strconv"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

// Op is a metric reduction operation.
type Op string

const (
	OpCount      Op = "count"
	OpSum        Op = "sum"
	OpAvg        Op = "avg"
	OpMin        Op = "min"
	OpMax        Op = "max"
	OpPercentile Op = "percentile"
	OpDistinct   Op = "distinct"
)

// Metric requests one reduction over a field. Field is ignored for OpCount.
// Percentile is the rank (0,100] for OpPercentile.
type Metric struct {
	Field      string  `json:"field,omitempty"`
	Op         Op      `json:"op"`
	Percentile float64 `json:"percentile,omitempty"`
}

// Key names the metric's column in result rows.
func (m Metric) Key() string {
	switch m.Op {
	case OpCount:
		return "count"
	case OpPercentile:
		return "p" + strconv.FormatFloat(m.Percentile, 'f', -1, 64) + "(" + m.Field + ")"
	default:
		return string(m.Op) + "(" + m.Field + ")"
	}
}

// Interval selects a calendar-aligned time bucket.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
	IntervalWeek   Interval = "week"
	IntervalMonth  Interval = "month"
)

// Truncate aligns t to the bucket boundary in UTC. Weeks truncate to the
// most recent Sunday at midnight.
func (i Interval) Truncate(t time.Time) (time.Time, error) {
	t = t.UTC()
	switch i {
	case IntervalMinute:
		return t.Truncate(time.Minute), nil
	case IntervalHour:
		return t.Truncate(time.Hour), nil
	case IntervalDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	case IntervalWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, -int(day.Weekday())), nil
	case IntervalMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, ErrUnknownInterval
	}
}

// Order sorts result rows by a column.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Query describes a grouped aggregation over the buffered events.
type Query struct {
	Metrics  []Metric      `json:"metrics"`
	GroupBy  []string      `json:"groupBy,omitempty"`
	Interval Interval      `json:"interval,omitempty"`
	Filter   domain.Filter `json:"filters,omitempty"`
	OrderBy  *Order        `json:"orderBy,omitempty"`
	Limit    int           `json:"limit,omitempty"`
}

// Row is one group's metric values. Metric values are nil when the group has
// no usable data for that metric, distinguishing "no data" from zero. Bucket
// is set only for interval queries.
type Row struct {
	Key    string              `json:"key"`
	Group  map[string]string   `json:"group,omitempty"`
	Bucket time.Time           `json:"bucket,omitempty"`
	Values map[string]*float64 `json:"values"`
}

// Result is an ordered sequence of rows plus execution metadata.
type Result struct {
	Rows      []Row         `json:"rows"`
	TotalRows int           `json:"totalRows"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Query errors.
var (
	ErrNoMetrics       = errors.New("aggregation: query has no metrics")
	ErrUnknownOp       = errors.New("aggregation: unknown metric op")
	ErrUnknownInterval = errors.New("aggregation: unknown interval")
	ErrBadPercentile   = errors.New("aggregation: percentile out of range")
)

// validate checks the query shape before evaluation.
func (q Query) validate() error {
	if len(q.Metrics) == 0 {
		return ErrNoMetrics
	}
	for _, m := range q.Metrics {
		switch m.Op {
		case OpCount, OpSum, OpAvg, OpMin, OpMax, OpDistinct:
		case OpPercentile:
			if m.Percentile <= 0 || m.Percentile > 100 {
				return ErrBadPercentile
			}
		default:
			return ErrUnknownOp
		}
	}
	if q.Interval != "" {
		if _, err := q.Interval.Truncate(time.Unix(0, 0)); err != nil {
			return err
		}
	}
	return nil
}
