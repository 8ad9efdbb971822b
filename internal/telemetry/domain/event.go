package domain

import (
	"errors"
	"time"
)

// EventType classifies a telemetry event.
type EventType string

const (
	EventStart  EventType = "start"
	EventStream EventType = "stream"
	EventEnd    EventType = "end"
	EventError  EventType = "error"
	EventCustom EventType = "custom"
)

// IsValid checks if the event type is one of the supported values.
func (t EventType) IsValid() bool {
	switch t {
	case EventStart, EventStream, EventEnd, EventError, EventCustom:
		return true
	default:
		return false
	}
}

// Event is a single structured telemetry record describing one occurrence
// within an agent session. After validation, SessionID, Type, Category,
// Action and Timestamp are always present; the record is immutable except
// for Metadata enrichments applied during pipeline processing.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      EventType      `json:"eventType"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Label     string         `json:"label,omitempty"`
	Value     *float64       `json:"value,omitempty"`
	Timestamp int64          `json:"timestamp"`
	Duration  *int64         `json:"duration,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// Time converts the millisecond timestamp to a time.Time in UTC.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}

// Clone returns a deep copy. Pipeline steps operate on clones so a dropped
// or failed step never leaves a half-mutated event behind.
func (e Event) Clone() Event {
	out := e
	if e.Value != nil {
		v := *e.Value
		out.Value = &v
	}
	if e.Duration != nil {
		d := *e.Duration
		out.Duration = &d
	}
	out.Metadata = cloneMap(e.Metadata)
	out.Context = cloneMap(e.Context)
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Field returns the value of a named top-level field as a string, used by
// aggregation grouping and indexing. Unknown fields return "".
func (e Event) Field(name string) (string, bool) {
	switch name {
	case "sessionId":
		return e.SessionID, e.SessionID != ""
	case "eventType":
		return string(e.Type), e.Type != ""
	case "category":
		return e.Category, e.Category != ""
	case "action":
		return e.Action, e.Action != ""
	case "label":
		return e.Label, e.Label != ""
	case "id":
		return e.ID, e.ID != ""
	default:
		return "", false
	}
}

// Numeric returns the numeric value of a named field, used by aggregation
// metric reduction. Non-numeric or absent fields return false.
func (e Event) Numeric(name string) (float64, bool) {
	switch name {
	case "value":
		if e.Value == nil {
			return 0, false
		}
		return *e.Value, true
	case "duration":
		if e.Duration == nil {
			return 0, false
		}
		return float64(*e.Duration), true
	case "timestamp":
		return float64(e.Timestamp), true
	default:
		if e.Metadata == nil {
			return 0, false
		}
		return toFloat(e.Metadata[name])
	}
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
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Filter bounds and query-filter errors.
var (
	ErrLimitOutOfRange  = errors.New("telemetry: filter limit out of range")
	ErrNegativeOffset   = errors.New("telemetry: filter offset negative")
	ErrInvertedRange    = errors.New("telemetry: filter time range inverted")
	ErrInvalidEventType = errors.New("telemetry: filter event type invalid")
	ErrFieldTooLong     = errors.New("telemetry: filter field too long")
)

const (
	// MaxFilterLimit caps a single query's result size.
	MaxFilterLimit = 1000
	// DefaultFilterLimit applies when a filter leaves Limit zero.
	DefaultFilterLimit = 100

	maxFilterFieldLen = 255
)

// Filter selects events for storage queries and aggregation filtering.
// Zero-valued fields mean "no constraint".
type Filter struct {
	SessionID string    `json:"sessionId,omitempty"`
	Category  string    `json:"category,omitempty"`
	Action    string    `json:"action,omitempty"`
	Type      EventType `json:"eventType,omitempty"`
	StartTime int64     `json:"startTime,omitempty"`
	EndTime   int64     `json:"endTime,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// Normalize validates the filter and fills in bounded defaults. Storage
// providers call this before translating to an underlying query so
// untrusted filter input never reaches a raw query path unchecked.
func (f Filter) Normalize() (Filter, error) {
	if f.Limit < 0 || f.Limit > MaxFilterLimit {
		return f, ErrLimitOutOfRange
	}
	if f.Limit == 0 {
		f.Limit = DefaultFilterLimit
	}
	if f.Offset < 0 {
		return f, ErrNegativeOffset
	}
	if f.StartTime != 0 && f.EndTime != 0 && f.EndTime < f.StartTime {
		return f, ErrInvertedRange
	}
	if f.Type != "" && !f.Type.IsValid() {
		return f, ErrInvalidEventType
	}
	for _, s := range []string{f.SessionID, f.Category, f.Action} {
		if len(s) > maxFilterFieldLen {
			return f, ErrFieldTooLong
		}
	}
	return f, nil
}

// Matches reports whether an event satisfies the filter's selection
// criteria. Limit and Offset are pagination, not selection, and are ignored.
func (f Filter) Matches(e Event) bool {
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.StartTime != 0 && e.Timestamp < f.StartTime {
		return false
	}
	if f.EndTime != 0 && e.Timestamp > f.EndTime {
		return false
	}
	return true
}
