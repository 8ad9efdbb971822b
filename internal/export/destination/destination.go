package destination

import (
	"context"
	"errors"
)

// Payload is one encoded export document ready for delivery.
type Payload struct {
	Body        []byte
	ContentType string
	Extension   string
	GeneratedAt int64 // unix milliseconds
}

// Destination delivers an encoded export document.
type Destination interface {
	// Deliver writes the payload. Ref identifies where it landed (a file
	// path, a URL) for the execution record.
	Deliver(ctx context.Context, p Payload) (ref string, err error)
}

// ErrNotImplemented marks destinations whose contract is reserved but whose
// delivery is not built. Callers must treat it as a hard failure.
var ErrNotImplemented = errors.New("destination: not implemented")
