package format

import (
	"encoding/json"

	"telemetry-engine/internal/telemetry/domain"
)

// Dictionary encoding pays off when a string column repeats heavily; past
// these bounds the dictionary itself dominates the output.
const (
	dictMaxUniqueRatio = 0.5
	dictMaxCardinality = 10_000
)

// ColumnarExporter encodes events column-by-column. String columns whose
// cardinality stays below the dictionary bounds are dictionary-encoded
// (a value table plus per-row indexes); numeric columns carry summary
// statistics alongside the raw values.
type ColumnarExporter struct{}

type columnarDoc struct {
	RowCount int                   `json:"rowCount"`
	Columns  map[string]*column    `json:"columns"`
	Maps     map[string][]mapEntry `json:"maps,omitempty"`
}

type column struct {
	Encoding   string       `json:"encoding"` // "plain" or "dictionary"
	Values     []any        `json:"values,omitempty"`
	Dictionary []string     `json:"dictionary,omitempty"`
	Indexes    []int        `json:"indexes,omitempty"`
	Stats      *columnStats `json:"stats,omitempty"`
	StrStats   *stringStats `json:"stringStats,omitempty"`
}

type columnStats struct {
	Count int     `json:"count"`
	Nulls int     `json:"nulls,omitempty"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// stringStats summarizes string column value lengths.
type stringStats struct {
	Count    int     `json:"count"`
	Distinct int     `json:"distinct"`
	MinLen   int     `json:"minLen"`
	MaxLen   int     `json:"maxLen"`
	AvgLen   float64 `json:"avgLen"`
}

// mapEntry preserves sparse metadata/context values with their row index.
type mapEntry struct {
	Row    int            `json:"row"`
	Fields map[string]any `json:"fields"`
}

func (e *ColumnarExporter) Export(events []domain.Event) ([]byte, error) {
	doc := columnarDoc{
		RowCount: len(events),
		Columns:  make(map[string]*column),
	}

	strCols := map[string]func(domain.Event) string{
		"id":        func(ev domain.Event) string { return ev.ID },
		"sessionId": func(ev domain.Event) string { return ev.SessionID },
		"eventType": func(ev domain.Event) string { return string(ev.Type) },
		"category":  func(ev domain.Event) string { return ev.Category },
		"action":    func(ev domain.Event) string { return ev.Action },
		"label":     func(ev domain.Event) string { return ev.Label },
	}
	for name, get := range strCols {
		values := make([]string, len(events))
		for i, ev := range events {
			values[i] = get(ev)
		}
		doc.Columns[name] = encodeStringColumn(values)
	}

	doc.Columns["timestamp"] = encodeNumericColumn(events, func(ev domain.Event) (float64, bool) {
		return float64(ev.Timestamp), true
	})
	doc.Columns["value"] = encodeNumericColumn(events, func(ev domain.Event) (float64, bool) {
		if ev.Value == nil {
			return 0, false
		}
		return *ev.Value, true
	})
	doc.Columns["duration"] = encodeNumericColumn(events, func(ev domain.Event) (float64, bool) {
		if ev.Duration == nil {
			return 0, false
		}
		return float64(*ev.Duration), true
	})

	doc.Maps = map[string][]mapEntry{}
	for i, ev := range events {
		if len(ev.Metadata) > 0 {
			doc.Maps["metadata"] = append(doc.Maps["metadata"], mapEntry{Row: i, Fields: ev.Metadata})
		}
		if len(ev.Context) > 0 {
			doc.Maps["context"] = append(doc.Maps["context"], mapEntry{Row: i, Fields: ev.Context})
		}
	}
	if len(doc.Maps) == 0 {
		doc.Maps = nil
	}

	return json.Marshal(doc)
}

func (e *ColumnarExporter) ContentType() string { return "application/json" }

func (e *ColumnarExporter) Extension() string { return "columnar.json" }

func encodeStringColumn(values []string) *column {
	distinct := make(map[string]int)
	stats := &stringStats{Count: len(values)}
	var totalLen int
	for i, v := range values {
		if _, ok := distinct[v]; !ok {
			distinct[v] = len(distinct)
		}
		n := len(v)
		totalLen += n
		if i == 0 || n < stats.MinLen {
			stats.MinLen = n
		}
		if n > stats.MaxLen {
			stats.MaxLen = n
		}
	}
	stats.Distinct = len(distinct)
	if len(values) > 0 {
		stats.AvgLen = float64(totalLen) / float64(len(values))
	}

	useDict := len(values) > 0 &&
		len(distinct) <= dictMaxCardinality &&
		float64(len(distinct))/float64(len(values)) < dictMaxUniqueRatio
	if !useDict {
		col := &column{Encoding: "plain", Values: make([]any, len(values)), StrStats: stats}
		for i, v := range values {
			col.Values[i] = v
		}
		return col
	}
	col := &column{
		Encoding:   "dictionary",
		Dictionary: make([]string, len(distinct)),
		Indexes:    make([]int, len(values)),
		StrStats:   stats,
	}
	for v, idx := range distinct {
		col.Dictionary[idx] = v
	}
	for i, v := range values {
		col.Indexes[i] = distinct[v]
	}
	return col
}

func encodeNumericColumn(events []domain.Event, get func(domain.Event) (float64, bool)) *column {
	col := &column{
		Encoding: "plain",
		Values:   make([]any, len(events)),
		Stats:    &columnStats{Count: len(events)},
	}
	var sum float64
	first := true
	for i, ev := range events {
		v, ok := get(ev)
		if !ok {
			col.Values[i] = nil
			col.Stats.Nulls++
			continue
		}
		col.Values[i] = v
		sum += v
		if first || v < col.Stats.Min {
			col.Stats.Min = v
		}
		if first || v > col.Stats.Max {
			col.Stats.Max = v
		}
		first = false
	}
	if present := len(events) - col.Stats.Nulls; present > 0 {
		col.Stats.Avg = sum / float64(present)
	}
	return col
}
