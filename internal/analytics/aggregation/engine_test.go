package aggregation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

var base = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func valueEvent(id, session string, v float64, at time.Time) domain.Event {
	return domain.Event{
		ID:        id,
		SessionID: session,
		Type:      domain.EventStream,
		Category:  "agent",
		Action:    "token",
		Value:     &v,
		Timestamp: at.UnixMilli(),
	}
}

func TestUngroupedMetrics(t *testing.T) {
	e := NewEngine()
	e.AddEvents([]domain.Event{
		valueEvent("e1", "s1", 1, base),
		valueEvent("e2", "s2", 2, base.Add(time.Second)),
		valueEvent("e3", "s3", 3, base.Add(2*time.Second)),
		valueEvent("e4", "s4", 4, base.Add(3*time.Second)),
	})

	res, err := e.Query(Query{Metrics: []Metric{
		{Op: OpSum, Field: "value"},
		{Op: OpAvg, Field: "value"},
		{Op: OpMin, Field: "value"},
		{Op: OpMax, Field: "value"},
		{Op: OpPercentile, Field: "value", Percentile: 50},
		{Op: OpDistinct, Field: "value"},
		{Op: OpCount},
	}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(res.Rows))
	}
	values := res.Rows[0].Values
	expect := map[string]float64{
		"sum(value)":      10,
		"avg(value)":      2.5,
		"min(value)":      1,
		"max(value)":      4,
		"p50(value)":      2,
		"distinct(value)": 4,
		"count":           4,
	}
	for key, want := range expect {
		got := values[key]
		if got == nil || *got != want {
			t.Errorf("%s: want %v, got %v", key, want, got)
		}
	}
}

func TestPercentileNearestRank(t *testing.T) {
	cases := []struct {
		p    float64
		want float64
	}{
		{25, 1}, {50, 2}, {75, 3}, {100, 4}, {1, 1},
	}
	values := []float64{4, 2, 1, 3}
	for _, tc := range cases {
		if got := percentile(values, tc.p); got != tc.want {
			t.Errorf("p%v: want %v, got %v", tc.p, tc.want, got)
		}
	}
}

func TestGroupByCompositeKey(t *testing.T) {
	e := NewEngine()
	events := []domain.Event{
		valueEvent("e1", "s1", 1, base),
		valueEvent("e2", "s1", 2, base),
		valueEvent("e3", "s2", 5, base),
	}
	events[2].Category = "net"
	e.AddEvents(events)

	res, err := e.Query(Query{
		Metrics: []Metric{{Op: OpCount}, {Op: OpSum, Field: "value"}},
		GroupBy: []string{"sessionId", "category"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(res.Rows))
	}
	byKey := map[string]Row{}
	for _, row := range res.Rows {
		byKey[row.Key] = row
	}
	s1 := byKey[`["s1","agent"]`]
	if s1.Values == nil || *s1.Values["count"] != 2 || *s1.Values["sum(value)"] != 3 {
		t.Fatalf("unexpected s1 group: %+v", s1)
	}
	if s1.Group["sessionId"] != "s1" || s1.Group["category"] != "agent" {
		t.Fatalf("unexpected group labels: %+v", s1.Group)
	}
}

func TestTimeBucketing(t *testing.T) {
	at := time.Date(2024, 3, 15, 14, 37, 22, 0, time.UTC)
	cases := []struct {
		interval Interval
		want     time.Time
	}{
		{IntervalMinute, time.Date(2024, 3, 15, 14, 37, 0, 0, time.UTC)},
		{IntervalHour, time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)},
		{IntervalDay, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		// 2024-03-15 is a Friday; the most recent Sunday is 2024-03-10.
		{IntervalWeek, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{IntervalMonth, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := tc.interval.Truncate(at)
		if err != nil {
			t.Fatalf("%s: %v", tc.interval, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("%s: want %s, got %s", tc.interval, tc.want, got)
		}
	}
	if _, err := Interval("fortnight").Truncate(at); !errors.Is(err, ErrUnknownInterval) {
		t.Fatalf("expected unknown interval error, got %v", err)
	}
}

func TestIntervalGrouping(t *testing.T) {
	e := NewEngine()
	e.AddEvents([]domain.Event{
		valueEvent("e1", "s1", 1, time.Date(2024, 3, 15, 14, 5, 0, 0, time.UTC)),
		valueEvent("e2", "s1", 2, time.Date(2024, 3, 15, 14, 55, 0, 0, time.UTC)),
		valueEvent("e3", "s1", 3, time.Date(2024, 3, 15, 15, 10, 0, 0, time.UTC)),
	})

	res, err := e.Query(Query{
		Metrics:  []Metric{{Op: OpCount}},
		Interval: IntervalHour,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(res.Rows))
	}
	// Default ordering is bucket-ascending.
	if !res.Rows[0].Bucket.Equal(time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first bucket %s", res.Rows[0].Bucket)
	}
	if *res.Rows[0].Values["count"] != 2 || *res.Rows[1].Values["count"] != 1 {
		t.Fatal("unexpected bucket counts")
	}
}

func TestEmptyGroupMetricsAreNull(t *testing.T) {
	e := NewEngine()
	ev := domain.Event{
		ID: "e1", SessionID: "s1", Type: domain.EventStart,
		Category: "agent", Action: "open", Timestamp: base.UnixMilli(),
	}
	e.AddEvents([]domain.Event{ev})

	res, err := e.Query(Query{Metrics: []Metric{
		{Op: OpSum, Field: "value"},
		{Op: OpCount},
	}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	row := res.Rows[0]
	if row.Values["sum(value)"] != nil {
		t.Fatalf("expected nil sum for valueless group, got %v", *row.Values["sum(value)"])
	}
	if row.Values["count"] == nil || *row.Values["count"] != 1 {
		t.Fatal("count must still reflect group size")
	}
}

func TestOrderByAndLimit(t *testing.T) {
	e := NewEngine()
	var events []domain.Event
	for i, session := range []string{"s1", "s2", "s3"} {
		for j := 0; j <= i; j++ {
			events = append(events, valueEvent(fmt.Sprintf("e%d-%d", i, j), session, float64(j+1), base))
		}
	}
	e.AddEvents(events)

	res, err := e.Query(EventsPerSession(2))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if res.TotalRows != 3 {
		t.Fatalf("expected total 3 groups, got %d", res.TotalRows)
	}
	if len(res.Rows) != 2 {
		t.Fatalf("expected limit 2, got %d rows", len(res.Rows))
	}
	if res.Rows[0].Group["sessionId"] != "s3" || res.Rows[1].Group["sessionId"] != "s2" {
		t.Fatalf("expected count-descending order, got %+v", res.Rows)
	}
}

func TestIndexAcceleratedFilter(t *testing.T) {
	e := NewEngine()
	var events []domain.Event
	for i := 0; i < 100; i++ {
		session := fmt.Sprintf("s%d", i%10)
		events = append(events, valueEvent(fmt.Sprintf("e%d", i), session, 1, base.Add(time.Duration(i)*time.Second)))
	}
	e.AddEvents(events)

	res, err := e.Query(Query{
		Metrics: []Metric{{Op: OpCount}},
		Filter:  domain.Filter{SessionID: "s3"},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(res.Rows) != 1 || *res.Rows[0].Values["count"] != 10 {
		t.Fatalf("expected 10 events for s3, got %+v", res.Rows)
	}
}

func TestQueryObservesPriorAddEvents(t *testing.T) {
	e := NewEngine()
	e.AddEvents([]domain.Event{valueEvent("e1", "s1", 1, base)})
	res, err := e.Query(Query{Metrics: []Metric{{Op: OpCount}}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if *res.Rows[0].Values["count"] != 1 {
		t.Fatal("query must observe events added before it")
	}
}

func TestValidation(t *testing.T) {
	e := NewEngine()
	if _, err := e.Query(Query{}); !errors.Is(err, ErrNoMetrics) {
		t.Fatalf("expected no-metrics error, got %v", err)
	}
	if _, err := e.Query(Query{Metrics: []Metric{{Op: "median"}}}); !errors.Is(err, ErrUnknownOp) {
		t.Fatalf("expected unknown-op error, got %v", err)
	}
	if _, err := e.Query(Query{Metrics: []Metric{{Op: OpPercentile, Field: "value", Percentile: 150}}}); !errors.Is(err, ErrBadPercentile) {
		t.Fatalf("expected percentile error, got %v", err)
	}
}

func TestCompaction(t *testing.T) {
	e := NewEngine(WithMaxEvents(10))
	var events []domain.Event
	for i := 0; i < 12; i++ {
		events = append(events, valueEvent(fmt.Sprintf("e%d", i), "s1", 1, base.Add(time.Duration(i)*time.Second)))
	}
	e.AddEvents(events)
	if e.Size() > 10 {
		t.Fatalf("expected compaction below cap, size %d", e.Size())
	}
	res, err := e.Query(Query{Metrics: []Metric{{Op: OpCount}}, Filter: domain.Filter{SessionID: "s1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if int(*res.Rows[0].Values["count"]) != e.Size() {
		t.Fatal("index must be rebuilt consistently after compaction")
	}
}

func TestDefaultCapBoundsBuffer(t *testing.T) {
	e := NewEngine()
	batch := make([]domain.Event, 1000)
	for i := 0; i < DefaultMaxEvents+1; i += len(batch) {
		for j := range batch {
			batch[j] = valueEvent(fmt.Sprintf("e%d", i+j), "s1", 1, base.Add(time.Duration(i+j)*time.Millisecond))
		}
		e.AddEvents(batch)
	}
	if e.Size() > DefaultMaxEvents {
		t.Fatalf("buffer grew past default cap: %d", e.Size())
	}
}
