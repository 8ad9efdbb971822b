package aggregation

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

// DefaultIndexedFields are the fields indexed unless overridden.
var DefaultIndexedFields = []string{"sessionId", "eventType", "category", "action"}

// DefaultMaxEvents bounds the arena unless WithMaxEvents overrides it.
const DefaultMaxEvents = 50_000

// Engine answers grouped and windowed aggregation queries over an in-memory
// buffer of events. The buffer is an append-only arena; field indexes hold
// integer offsets into it. The view is derived and disposable: it can be
// rebuilt from storage at any time.
type Engine struct {
	indexedFields []string

	mu      sync.RWMutex
	arena   []domain.Event
	indexes map[string]map[string][]int
	maxSize int
}

// Option configures the engine.
type Option func(*Engine)

// WithIndexedFields overrides the default index field set.
func WithIndexedFields(fields ...string) Option {
	return func(e *Engine) {
		if len(fields) > 0 {
			e.indexedFields = fields
		}
	}
}

// WithMaxEvents caps the buffered arena. When exceeded, the oldest half is
// discarded and indexes rebuilt.
func WithMaxEvents(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// NewEngine constructs an engine with the default indexed fields and arena cap.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		indexedFields: DefaultIndexedFields,
		indexes:       make(map[string]map[string][]int),
		maxSize:       DefaultMaxEvents,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, f := range e.indexedFields {
		e.indexes[f] = make(map[string][]int)
	}
	return e
}

// AddEvents ingests events and updates indexes synchronously: a Query issued
// after AddEvents returns always observes these events.
func (e *Engine) AddEvents(events []domain.Event) {
	if len(events) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		offset := len(e.arena)
		e.arena = append(e.arena, ev)
		for _, field := range e.indexedFields {
			if v, ok := ev.Field(field); ok {
				e.indexes[field][v] = append(e.indexes[field][v], offset)
			}
		}
	}
	if e.maxSize > 0 && len(e.arena) > e.maxSize {
		e.compact()
	}
}

// compact drops the oldest half of the arena and rebuilds indexes. Caller
// holds the write lock.
func (e *Engine) compact() {
	keepFrom := len(e.arena) / 2
	e.arena = append([]domain.Event(nil), e.arena[keepFrom:]...)
	for _, field := range e.indexedFields {
		e.indexes[field] = make(map[string][]int)
	}
	for offset, ev := range e.arena {
		for _, field := range e.indexedFields {
			if v, ok := ev.Field(field); ok {
				e.indexes[field][v] = append(e.indexes[field][v], offset)
			}
		}
	}
}

// Size returns the number of buffered events.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.arena)
}

// Reset discards the buffer and indexes.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.arena = nil
	for _, field := range e.indexedFields {
		e.indexes[field] = make(map[string][]int)
	}
}

// Query evaluates an aggregation query: filter (index-accelerated), group
// (explicit fields or time bucket), reduce each metric per group, then order
// and limit.
func (e *Engine) Query(q Query) (Result, error) {
	start := time.Now()
	if err := q.validate(); err != nil {
		return Result{}, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := e.filter(q.Filter)

	groups := make(map[string][]int)
	groupMeta := make(map[string]Row)
	for _, offset := range matched {
		ev := e.arena[offset]
		key, row, err := groupKey(q, ev)
		if err != nil {
			return Result{}, err
		}
		groups[key] = append(groups[key], offset)
		if _, seen := groupMeta[key]; !seen {
			groupMeta[key] = row
		}
	}

	rows := make([]Row, 0, len(groups))
	for key, offsets := range groups {
		row := groupMeta[key]
		row.Key = key
		row.Values = make(map[string]*float64, len(q.Metrics))
		for _, m := range q.Metrics {
			row.Values[m.Key()] = e.reduce(m, offsets)
		}
		rows = append(rows, row)
	}

	orderRows(rows, q)
	total := len(rows)
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return Result{Rows: rows, TotalRows: total, Elapsed: time.Since(start)}, nil
}

// filter returns arena offsets matching the filter, using an index when one
// of the filter's equality constraints is indexed.
func (e *Engine) filter(f domain.Filter) []int {
	candidates := e.indexCandidates(f)
	if candidates == nil {
		candidates = make([]int, len(e.arena))
		for i := range e.arena {
			candidates[i] = i
		}
	}
	matched := candidates[:0:0]
	for _, offset := range candidates {
		if f.Matches(e.arena[offset]) {
			matched = append(matched, offset)
		}
	}
	return matched
}

func (e *Engine) indexCandidates(f domain.Filter) []int {
	constraints := map[string]string{
		"sessionId": f.SessionID,
		"eventType": string(f.Type),
		"category":  f.Category,
		"action":    f.Action,
	}
	var best []int
	found := false
	for _, field := range e.indexedFields {
		value := constraints[field]
		if value == "" {
			continue
		}
		idx, ok := e.indexes[field]
		if !ok {
			continue
		}
		offsets := idx[value]
		if !found || len(offsets) < len(best) {
			best = offsets
			found = true
		}
	}
	if !found {
		return nil
	}
	return best
}

// groupKey derives the composite group key for an event: a JSON-encoded
// tuple of the groupBy field values, or the time bucket for interval
// queries, or a constant for ungrouped queries.
func groupKey(q Query, ev domain.Event) (string, Row, error) {
	if len(q.GroupBy) > 0 {
		tuple := make([]string, len(q.GroupBy))
		group := make(map[string]string, len(q.GroupBy))
		for i, field := range q.GroupBy {
			v, _ := ev.Field(field)
			tuple[i] = v
			group[field] = v
		}
		key, err := json.Marshal(tuple)
		if err != nil {
			return "", Row{}, err
		}
		return string(key), Row{Group: group}, nil
	}
	if q.Interval != "" {
		bucket, err := q.Interval.Truncate(ev.Time())
		if err != nil {
			return "", Row{}, err
		}
		return bucket.Format(time.RFC3339), Row{Bucket: bucket}, nil
	}
	return "*", Row{}, nil
}

// reduce computes one metric over a group. Numeric reductions ignore
// non-numeric values; a group with no usable values yields nil, not zero.
func (e *Engine) reduce(m Metric, offsets []int) *float64 {
	switch m.Op {
	case OpCount:
		return ptr(float64(len(offsets)))
	case OpDistinct:
		seen := make(map[string]struct{})
		for _, offset := range offsets {
			ev := e.arena[offset]
			if s, ok := ev.Field(m.Field); ok {
				seen[s] = struct{}{}
				continue
			}
			if n, ok := ev.Numeric(m.Field); ok {
				seen[strconv.FormatFloat(n, 'g', -1, 64)] = struct{}{}
			}
		}
		if len(seen) == 0 {
			return nil
		}
		return ptr(float64(len(seen)))
	}

	values := make([]float64, 0, len(offsets))
	for _, offset := range offsets {
		if n, ok := e.arena[offset].Numeric(m.Field); ok {
			values = append(values, n)
		}
	}
	if len(values) == 0 {
		return nil
	}
	switch m.Op {
	case OpSum:
		return ptr(sum(values))
	case OpAvg:
		return ptr(sum(values) / float64(len(values)))
	case OpMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return ptr(min)
	case OpMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return ptr(max)
	case OpPercentile:
		return ptr(percentile(values, m.Percentile))
	default:
		return nil
	}
}

// percentile uses the nearest-rank method: sort ascending, take the value at
// ceil(p/100*n)-1.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// orderRows applies the query's explicit ordering (stable, with bucket or
// group-key tiebreak), defaulting to bucket or group-key order so results
// are deterministic.
func orderRows(rows []Row, q Query) {
	order := q.OrderBy
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if order != nil {
			if c := compareBy(a, b, order.Field); c != 0 {
				if order.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		if !a.Bucket.IsZero() || !b.Bucket.IsZero() {
			return a.Bucket.Before(b.Bucket)
		}
		return a.Key < b.Key
	})
}

// compareBy compares two rows on a column: metric value when the column is a
// metric key (nil values sort first), group field or bucket otherwise.
func compareBy(a, b Row, field string) int {
	av, aok := rowValue(a, field)
	bv, bok := rowValue(b, field)
	if aok || bok {
		switch {
		case !aok:
			return -1
		case !bok:
			return 1
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	as, bs := rowString(a, field), rowString(b, field)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func rowValue(r Row, field string) (float64, bool) {
	if v, ok := r.Values[field]; ok && v != nil {
		return *v, true
	}
	return 0, false
}

func rowString(r Row, field string) string {
	if r.Group != nil {
		if v, ok := r.Group[field]; ok {
			return v
		}
	}
	if field == "bucket" && !r.Bucket.IsZero() {
		return r.Bucket.Format(time.RFC3339)
	}
	return ""
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func ptr(v float64) *float64 { return &v }
