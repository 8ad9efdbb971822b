package format

import (
	"encoding/json"

	"telemetry-engine/internal/telemetry/domain"
)

// JSONExporter encodes events as a JSON array of event objects.
type JSONExporter struct {
	// Indent pretty-prints with two-space indentation when set.
	Indent bool
}

func (e *JSONExporter) Export(events []domain.Event) ([]byte, error) {
	if events == nil {
		events = []domain.Event{}
	}
	if e.Indent {
		return json.MarshalIndent(events, "", "  ")
	}
	return json.Marshal(events)
}

func (e *JSONExporter) ContentType() string { return "application/json" }

func (e *JSONExporter) Extension() string { return "json" }
