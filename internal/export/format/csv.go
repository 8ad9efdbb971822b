package format

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"

	"telemetry-engine/internal/telemetry/domain"
)

// csvHeader is the fixed column order of CSV exports.
var csvHeader = []string{
	"id", "sessionId", "eventType", "category", "action", "label",
	"value", "timestamp", "duration", "metadata", "context",
}

// CSVExporter flattens events into rows with a fixed header. Map fields are
// embedded as JSON strings; absent optional fields become empty cells.
type CSVExporter struct{}

func (e *CSVExporter) Export(events []domain.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ev := range events {
		row := []string{
			ev.ID,
			ev.SessionID,
			string(ev.Type),
			ev.Category,
			ev.Action,
			ev.Label,
			optFloat(ev.Value),
			strconv.FormatInt(ev.Timestamp, 10),
			optInt(ev.Duration),
			mapCell(ev.Metadata),
			mapCell(ev.Context),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *CSVExporter) ContentType() string { return "text/csv" }

func (e *CSVExporter) Extension() string { return "csv" }

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func optInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func mapCell(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}
