package format

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"telemetry-engine/internal/telemetry/domain"
)

func sampleEvents(n int) []domain.Event {
	events := make([]domain.Event, n)
	for i := range events {
		v := float64(i)
		d := int64(i * 10)
		events[i] = domain.Event{
			ID:        fmt.Sprintf("e%d", i),
			SessionID: "s1",
			Type:      domain.EventCustom,
			Category:  "ui",
			Action:    "click",
			Label:     "button",
			Value:     &v,
			Timestamp: 1_700_000_000_000 + int64(i)*1000,
			Duration:  &d,
			Metadata:  map[string]any{"page": "home"},
		}
	}
	return events
}

func TestNewFormatDispatch(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCSV, FormatColumnar, FormatOTLP} {
		if !f.Valid() {
			t.Errorf("%s reported invalid", f)
		}
		exp, err := New(f)
		if err != nil {
			t.Fatalf("New(%s): %v", f, err)
		}
		if exp.ContentType() == "" || exp.Extension() == "" {
			t.Errorf("%s: empty content type or extension", f)
		}
	}
	if _, err := New(Format("parquet")); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("unknown format error = %v", err)
	}
	if Format("parquet").Valid() {
		t.Fatal("parquet reported valid")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	events := sampleEvents(3)
	raw, err := (&JSONExporter{}).Export(events)
	if err != nil {
		t.Fatal(err)
	}
	var decoded []domain.Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 || decoded[2].ID != "e2" {
		t.Fatalf("decoded %+v", decoded)
	}
}

func TestJSONEmptyBatch(t *testing.T) {
	raw, err := (&JSONExporter{}).Export(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "[]" {
		t.Fatalf("empty batch = %s, want []", raw)
	}
}

func TestCSVShape(t *testing.T) {
	events := sampleEvents(2)
	events[1].Value = nil
	raw, err := (&CSVExporter{}).Export(events)
	if err != nil {
		t.Fatal(err)
	}
	rows, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if rows[0][0] != "id" || rows[0][7] != "timestamp" {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][6] != "0" {
		t.Fatalf("value cell = %q, want 0", rows[1][6])
	}
	if rows[2][6] != "" {
		t.Fatalf("nil value cell = %q, want empty", rows[2][6])
	}
	if !strings.Contains(rows[1][9], `"page":"home"`) {
		t.Fatalf("metadata cell = %q", rows[1][9])
	}
}

func TestColumnarDictionaryHeuristic(t *testing.T) {
	events := sampleEvents(20)
	raw, err := (&ColumnarExporter{}).Export(events)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		RowCount int `json:"rowCount"`
		Columns  map[string]struct {
			Encoding   string   `json:"encoding"`
			Dictionary []string `json:"dictionary"`
			Indexes    []int    `json:"indexes"`
			Values     []any    `json:"values"`
			Stats      *struct {
				Min float64 `json:"min"`
				Max float64 `json:"max"`
				Avg float64 `json:"avg"`
			} `json:"stats"`
			StringStats *struct {
				Distinct int `json:"distinct"`
			} `json:"stringStats"`
		} `json:"columns"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.RowCount != 20 {
		t.Fatalf("rowCount = %d", doc.RowCount)
	}

	// Every sessionId is "s1": 1 distinct over 20 rows, dictionary-encoded.
	session := doc.Columns["sessionId"]
	if session.Encoding != "dictionary" {
		t.Fatalf("sessionId encoding = %s", session.Encoding)
	}
	if len(session.Dictionary) != 1 || session.Dictionary[0] != "s1" {
		t.Fatalf("sessionId dictionary = %v", session.Dictionary)
	}
	if len(session.Indexes) != 20 || session.Indexes[19] != 0 {
		t.Fatalf("sessionId indexes = %v", session.Indexes)
	}
	if session.StringStats == nil || session.StringStats.Distinct != 1 {
		t.Fatalf("sessionId stringStats = %+v", session.StringStats)
	}

	// Every id is unique: 100% unique, plain.
	id := doc.Columns["id"]
	if id.Encoding != "plain" || len(id.Values) != 20 {
		t.Fatalf("id column = %+v", id)
	}

	value := doc.Columns["value"]
	if value.Stats == nil {
		t.Fatal("value column missing stats")
	}
	if value.Stats.Min != 0 || value.Stats.Max != 19 || value.Stats.Avg != 9.5 {
		t.Fatalf("value stats = %+v", value.Stats)
	}
}

func TestColumnarNullsCounted(t *testing.T) {
	events := sampleEvents(4)
	events[1].Duration = nil
	events[3].Duration = nil
	raw, err := (&ColumnarExporter{}).Export(events)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Columns map[string]struct {
			Values []any `json:"values"`
			Stats  *struct {
				Nulls int `json:"nulls"`
			} `json:"stats"`
		} `json:"columns"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	dur := doc.Columns["duration"]
	if dur.Stats == nil || dur.Stats.Nulls != 2 {
		t.Fatalf("duration stats = %+v", dur.Stats)
	}
	if dur.Values[1] != nil || dur.Values[0] == nil {
		t.Fatalf("duration values = %v", dur.Values)
	}
}

func TestOTLPShape(t *testing.T) {
	events := sampleEvents(1)
	events[0].Type = domain.EventError
	raw, err := (&OTLPExporter{}).Export(events)
	if err != nil {
		t.Fatal(err)
	}
	var payload struct {
		ResourceLogs []struct {
			ScopeLogs []struct {
				LogRecords []struct {
					TimeUnixNano string `json:"timeUnixNano"`
					SeverityText string `json:"severityText"`
					Attributes   []struct {
						Key   string `json:"key"`
						Value struct {
							StringValue *string  `json:"stringValue"`
							DoubleValue *float64 `json:"doubleValue"`
						} `json:"value"`
					} `json:"attributes"`
				} `json:"logRecords"`
			} `json:"scopeLogs"`
		} `json:"resourceLogs"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatal(err)
	}
	records := payload.ResourceLogs[0].ScopeLogs[0].LogRecords
	if len(records) != 1 {
		t.Fatalf("records = %d", len(records))
	}
	rec := records[0]
	if rec.SeverityText != "ERROR" {
		t.Fatalf("severity = %s", rec.SeverityText)
	}
	if rec.TimeUnixNano != "1700000000000000000" {
		t.Fatalf("timeUnixNano = %s", rec.TimeUnixNano)
	}
	attrs := map[string]bool{}
	for _, a := range rec.Attributes {
		attrs[a.Key] = true
	}
	for _, key := range []string{"event.id", "session.id", "event.type", "event.value", "event.metadata.page"} {
		if !attrs[key] {
			t.Errorf("missing attribute %s", key)
		}
	}
}
