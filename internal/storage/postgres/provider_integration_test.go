package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"telemetry-engine/internal/storage/postgres"
	"telemetry-engine/internal/telemetry/domain"
)

func TestProvider_Postgres(t *testing.T) {
	dsn := os.Getenv("TELEMETRY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TELEMETRY_TEST_PG_DSN not set")
	}

	suffix := time.Now().UnixNano()
	provider, err := postgres.NewProvider(dsn,
		postgres.WithEventsTable(fmt.Sprintf("telemetry_events_it_%d", suffix)),
		postgres.WithSessionsTable(fmt.Sprintf("telemetry_sessions_it_%d", suffix)),
	)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()
	if err := provider.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer provider.Shutdown(ctx)

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	v := 2.5
	batch := []domain.Event{
		{ID: "it-1", SessionID: "s1", Type: domain.EventStart, Category: "agent", Action: "open", Timestamp: base.UnixMilli()},
		{ID: "it-2", SessionID: "s1", Type: domain.EventStream, Category: "agent", Action: "token", Value: &v, Timestamp: base.Add(time.Minute).UnixMilli()},
		{ID: "it-3", SessionID: "s1", Type: domain.EventEnd, Category: "agent", Action: "close", Timestamp: base.Add(2 * time.Minute).UnixMilli()},
	}
	if err := provider.StoreBatch(ctx, batch); err != nil {
		t.Fatalf("store batch: %v", err)
	}

	got, err := provider.Query(ctx, domain.Filter{SessionID: "s1", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].ID != "it-3" {
		t.Fatalf("expected newest first, got %s", got[0].ID)
	}

	stats, err := provider.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", stats.TotalEvents)
	}

	deleted, err := provider.Clean(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("clean: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
}
