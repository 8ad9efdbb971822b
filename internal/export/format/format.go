package format

import (
	"errors"
	"fmt"

	"telemetry-engine/internal/telemetry/domain"
)

// Format identifies a wire encoding for exported events.
type Format string

const (
	FormatJSON     Format = "json"
	FormatCSV      Format = "csv"
	FormatColumnar Format = "columnar"
	FormatOTLP     Format = "otlp"
)

// ErrUnknownFormat reports a format outside the supported set.
var ErrUnknownFormat = errors.New("format: unknown format")

// Exporter encodes a batch of events into one output document.
type Exporter interface {
	// Export encodes the batch. An empty batch still yields a valid
	// document for the format (empty array, header-only CSV, and so on).
	Export(events []domain.Event) ([]byte, error)
	// ContentType is the MIME type of the encoded document.
	ContentType() string
	// Extension is the file extension without the leading dot.
	Extension() string
}

// New returns the exporter for the given format.
func New(f Format) (Exporter, error) {
	switch f {
	case FormatJSON:
		return &JSONExporter{}, nil
	case FormatCSV:
		return &CSVExporter{}, nil
	case FormatColumnar:
		return &ColumnarExporter{}, nil
	case FormatOTLP:
		return &OTLPExporter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatCSV, FormatColumnar, FormatOTLP:
		return true
	}
	return false
}
