package format

import (
	"encoding/json"
	"strconv"

	"telemetry-engine/internal/telemetry/domain"
)

// OTLPExporter encodes events as an OTLP/JSON logs payload
// (resourceLogs > scopeLogs > logRecords). Each event becomes one log
// record with the event fields carried as attributes.
type OTLPExporter struct{}

type otlpPayload struct {
	ResourceLogs []otlpResourceLogs `json:"resourceLogs"`
}

type otlpResourceLogs struct {
	Resource  otlpResource    `json:"resource"`
	ScopeLogs []otlpScopeLogs `json:"scopeLogs"`
}

type otlpResource struct {
	Attributes []otlpKeyValue `json:"attributes"`
}

type otlpScopeLogs struct {
	Scope      otlpScope       `json:"scope"`
	LogRecords []otlpLogRecord `json:"logRecords"`
}

type otlpScope struct {
	Name string `json:"name"`
}

type otlpLogRecord struct {
	TimeUnixNano string         `json:"timeUnixNano"`
	SeverityText string         `json:"severityText"`
	Body         otlpValue      `json:"body"`
	Attributes   []otlpKeyValue `json:"attributes"`
}

type otlpKeyValue struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue *string  `json:"stringValue,omitempty"`
	DoubleValue *float64 `json:"doubleValue,omitempty"`
	IntValue    *string  `json:"intValue,omitempty"`
}

func strValue(s string) otlpValue { return otlpValue{StringValue: &s} }

func doubleValue(v float64) otlpValue { return otlpValue{DoubleValue: &v} }

func intValue(v int64) otlpValue {
	s := strconv.FormatInt(v, 10)
	return otlpValue{IntValue: &s}
}

func (e *OTLPExporter) Export(events []domain.Event) ([]byte, error) {
	records := make([]otlpLogRecord, 0, len(events))
	for _, ev := range events {
		severity := "INFO"
		if ev.Type == domain.EventError {
			severity = "ERROR"
		}
		attrs := []otlpKeyValue{
			{Key: "event.id", Value: strValue(ev.ID)},
			{Key: "session.id", Value: strValue(ev.SessionID)},
			{Key: "event.type", Value: strValue(string(ev.Type))},
			{Key: "event.category", Value: strValue(ev.Category)},
			{Key: "event.action", Value: strValue(ev.Action)},
		}
		if ev.Label != "" {
			attrs = append(attrs, otlpKeyValue{Key: "event.label", Value: strValue(ev.Label)})
		}
		if ev.Value != nil {
			attrs = append(attrs, otlpKeyValue{Key: "event.value", Value: doubleValue(*ev.Value)})
		}
		if ev.Duration != nil {
			attrs = append(attrs, otlpKeyValue{Key: "event.duration_ms", Value: intValue(*ev.Duration)})
		}
		attrs = append(attrs, mapAttributes("event.metadata.", ev.Metadata)...)
		attrs = append(attrs, mapAttributes("event.context.", ev.Context)...)

		records = append(records, otlpLogRecord{
			TimeUnixNano: strconv.FormatInt(ev.Timestamp*int64(1_000_000), 10),
			SeverityText: severity,
			Body:         strValue(ev.Category + "." + ev.Action),
			Attributes:   attrs,
		})
	}

	payload := otlpPayload{
		ResourceLogs: []otlpResourceLogs{{
			Resource: otlpResource{Attributes: []otlpKeyValue{
				{Key: "service.name", Value: strValue("telemetry-engine")},
			}},
			ScopeLogs: []otlpScopeLogs{{
				Scope:      otlpScope{Name: "telemetry-engine/export"},
				LogRecords: records,
			}},
		}},
	}
	return json.Marshal(payload)
}

func (e *OTLPExporter) ContentType() string { return "application/json" }

func (e *OTLPExporter) Extension() string { return "otlp.json" }

// mapAttributes flattens one level of a metadata or context map. Nested
// values are embedded as JSON strings.
func mapAttributes(prefix string, m map[string]any) []otlpKeyValue {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]otlpKeyValue, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: strValue(val)})
		case float64:
			attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: doubleValue(val)})
		case int:
			attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: intValue(int64(val))})
		case int64:
			attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: intValue(val)})
		case bool:
			s := strconv.FormatBool(val)
			attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: otlpValue{StringValue: &s}})
		default:
			if raw, err := json.Marshal(v); err == nil {
				attrs = append(attrs, otlpKeyValue{Key: prefix + k, Value: strValue(string(raw))})
			}
		}
	}
	return attrs
}
