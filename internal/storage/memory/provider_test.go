package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/telemetry/domain"
)

func TestMemoryProviderContract(t *testing.T) {
	p := NewProvider()
	ctx := context.Background()
	if err := p.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	batch := []domain.Event{
		{ID: "e1", SessionID: "s1", Type: domain.EventStart, Category: "agent", Action: "open", Timestamp: base.UnixMilli()},
		{ID: "e2", SessionID: "s1", Type: domain.EventEnd, Category: "agent", Action: "close", Timestamp: base.Add(time.Minute).UnixMilli()},
		{ID: "e3", SessionID: "s2", Type: domain.EventError, Category: "net", Action: "fail", Timestamp: base.Add(2 * time.Minute).UnixMilli()},
	}
	if err := p.StoreBatch(ctx, batch); err != nil {
		t.Fatalf("store batch: %v", err)
	}

	got, err := p.Query(ctx, domain.Filter{SessionID: "s1", Limit: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e2" {
		t.Fatalf("expected newest s1 event, got %+v", got)
	}

	if _, err := p.Query(ctx, domain.Filter{Limit: -1}); !errors.Is(err, domain.ErrLimitOutOfRange) {
		t.Fatalf("expected limit error, got %v", err)
	}

	stats, err := p.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", stats.TotalEvents)
	}

	deleted, err := p.Clean(ctx, base.Add(30*time.Second))
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := p.Store(ctx, batch[0]); !errors.Is(err, storage.ErrShutdown) {
		t.Fatalf("expected shutdown error, got %v", err)
	}
}
