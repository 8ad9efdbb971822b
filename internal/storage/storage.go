package storage

import (
	"context"
	"errors"
	"time"

	"telemetry-engine/internal/telemetry/domain"
)

// Stats summarizes a provider's durable state.
type Stats struct {
	TotalEvents    int64     `json:"totalEvents"`
	DiskUsageBytes int64     `json:"diskUsage"`
	LastEvent      time.Time `json:"lastEvent"`
}

// Provider is the persistence contract every backing store must satisfy.
// Query implementations re-validate the filter before translating it to an
// underlying query. Clean is destructive: it deletes events older than the
// cutoff and reports the exact number of rows removed.
type Provider interface {
	Initialize(ctx context.Context) error
	Store(ctx context.Context, ev domain.Event) error
	StoreBatch(ctx context.Context, events []domain.Event) error
	Query(ctx context.Context, filter domain.Filter) ([]domain.Event, error)
	Stats(ctx context.Context) (Stats, error)
	Clean(ctx context.Context, before time.Time) (int64, error)
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Common provider errors.
var (
	ErrNotInitialized = errors.New("storage: provider not initialized")
	ErrShutdown       = errors.New("storage: provider shut down")
)
