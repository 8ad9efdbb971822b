package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/telemetry/domain"
)

// Provider is an in-memory StorageProvider. It backs tests and acts as the
// reference implementation of the storage contract.
type Provider struct {
	mu     sync.RWMutex
	events []domain.Event
	closed bool
}

// NewProvider constructs an empty in-memory provider.
func NewProvider() *Provider { return &Provider{} }

// Initialize implements storage.Provider.
func (p *Provider) Initialize(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.ErrShutdown
	}
	return nil
}

// Store implements storage.Provider.
func (p *Provider) Store(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.ErrShutdown
	}
	p.events = append(p.events, ev.Clone())
	return nil
}

// StoreBatch implements storage.Provider.
func (p *Provider) StoreBatch(_ context.Context, events []domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.ErrShutdown
	}
	for _, ev := range events {
		p.events = append(p.events, ev.Clone())
	}
	return nil
}

// Query implements storage.Provider. Results are ordered by timestamp
// descending, matching the durable providers.
func (p *Provider) Query(_ context.Context, filter domain.Filter) ([]domain.Event, error) {
	normalized, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, storage.ErrShutdown
	}

	var matched []domain.Event
	for _, ev := range p.events {
		if normalized.Matches(ev) {
			matched = append(matched, ev.Clone())
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp > matched[j].Timestamp
	})
	if normalized.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[normalized.Offset:]
	if len(matched) > normalized.Limit {
		matched = matched[:normalized.Limit]
	}
	return matched, nil
}

// Stats implements storage.Provider.
func (p *Provider) Stats(context.Context) (storage.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return storage.Stats{}, storage.ErrShutdown
	}
	stats := storage.Stats{TotalEvents: int64(len(p.events))}
	for _, ev := range p.events {
		if at := ev.Time(); at.After(stats.LastEvent) {
			stats.LastEvent = at
		}
	}
	return stats, nil
}

// Clean implements storage.Provider.
func (p *Provider) Clean(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, storage.ErrShutdown
	}
	cutoff := before.UnixMilli()
	kept := p.events[:0]
	var deleted int64
	for _, ev := range p.events {
		if ev.Timestamp < cutoff {
			deleted++
			continue
		}
		kept = append(kept, ev)
	}
	p.events = kept
	return deleted, nil
}

// Flush implements storage.Provider.
func (p *Provider) Flush(context.Context) error { return nil }

// Shutdown implements storage.Provider.
func (p *Provider) Shutdown(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
