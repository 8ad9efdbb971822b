package aggregation

import "telemetry-engine/internal/telemetry/domain"

// Pre-built convenience queries for common dashboard questions.

// EventsPerSession counts events grouped by session.
func EventsPerSession(limit int) Query {
	return Query{
		Metrics: []Metric{{Op: OpCount}},
		GroupBy: []string{"sessionId"},
		OrderBy: &Order{Field: "count", Desc: true},
		Limit:   limit,
	}
}

// ErrorsByCategory counts error events grouped by category.
func ErrorsByCategory() Query {
	return Query{
		Metrics: []Metric{{Op: OpCount}},
		GroupBy: []string{"category"},
		Filter:  domain.Filter{Type: domain.EventError},
		OrderBy: &Order{Field: "count", Desc: true},
	}
}

// PerformanceByHour summarizes duration per hour bucket.
func PerformanceByHour() Query {
	return Query{
		Metrics: []Metric{
			{Op: OpAvg, Field: "duration"},
			{Op: OpPercentile, Field: "duration", Percentile: 95},
			{Op: OpMax, Field: "duration"},
			{Op: OpCount},
		},
		Interval: IntervalHour,
	}
}

// TopSessions ranks sessions by summed value.
func TopSessions(limit int) Query {
	return Query{
		Metrics: []Metric{
			{Op: OpSum, Field: "value"},
			{Op: OpCount},
		},
		GroupBy: []string{"sessionId"},
		OrderBy: &Order{Field: "sum(value)", Desc: true},
		Limit:   limit,
	}
}
