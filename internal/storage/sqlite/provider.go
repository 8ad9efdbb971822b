package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/telemetry/domain"
)

// Provider persists telemetry events to SQLite. WAL mode keeps concurrent
// readers (export queries) off the ingestion writer's back.
type Provider struct {
	path string

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewProvider constructs a provider for the given database path. Use
// ":memory:" for tests.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty path")
	}
	return &Provider{path: path}, nil
}

// Initialize opens the database, enables WAL mode and creates the schema.
func (p *Provider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return storage.ErrShutdown
	}
	if p.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", p.path)
	if err != nil {
		return fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("sqlite: create schema: %w", err)
		}
	}
	p.db = db
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		event_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		category TEXT NOT NULL,
		action TEXT NOT NULL,
		label TEXT,
		value REAL,
		ts INTEGER NOT NULL,
		duration INTEGER,
		metadata TEXT,
		context TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_events_category ON events(category)`,
}

// Store persists a single event, upserting its session row.
func (p *Provider) Store(ctx context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return err
	}
	if err := p.upsertSession(ctx, ev.SessionID, ev.Timestamp, 1); err != nil {
		return err
	}
	return p.insertEvent(ctx, ev)
}

// StoreBatch groups events by session to upsert each session row once, then
// inserts events individually. A mid-batch failure leaves earlier inserts in
// place; the caller decides whether to retry.
func (p *Provider) StoreBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return err
	}

	type sessionSpan struct {
		lastSeen int64
		count    int64
	}
	sessions := make(map[string]sessionSpan)
	for _, ev := range events {
		span := sessions[ev.SessionID]
		if ev.Timestamp > span.lastSeen {
			span.lastSeen = ev.Timestamp
		}
		span.count++
		sessions[ev.SessionID] = span
	}
	for id, span := range sessions {
		if err := p.upsertSession(ctx, id, span.lastSeen, span.count); err != nil {
			return err
		}
	}
	for _, ev := range events {
		if err := p.insertEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) upsertSession(ctx context.Context, sessionID string, seenAt, count int64) error {
	if sessionID == "" {
		return errors.New("sqlite: event missing session id")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, first_seen, last_seen, event_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_seen = MAX(last_seen, excluded.last_seen),
			event_count = event_count + excluded.event_count
	`, sessionID, seenAt, seenAt, count)
	if err != nil {
		return fmt.Errorf("sqlite: upsert session: %w", err)
	}
	return nil
}

func (p *Provider) insertEvent(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		return errors.New("sqlite: event missing id")
	}
	metadata, err := marshalMap(ev.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: encode metadata: %w", err)
	}
	contextJSON, err := marshalMap(ev.Context)
	if err != nil {
		return fmt.Errorf("sqlite: encode context: %w", err)
	}

	value := sql.NullFloat64{}
	if ev.Value != nil {
		value = sql.NullFloat64{Float64: *ev.Value, Valid: true}
	}
	duration := sql.NullInt64{}
	if ev.Duration != nil {
		duration = sql.NullInt64{Int64: *ev.Duration, Valid: true}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO events (id, session_id, event_type, category, action, label, value, ts, duration, metadata, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, ev.ID, ev.SessionID, string(ev.Type), ev.Category, ev.Action, nullString(ev.Label), value, ev.Timestamp, duration, metadata, contextJSON)
	if err != nil {
		return fmt.Errorf("sqlite: insert event: %w", err)
	}
	return nil
}

// Query re-validates the filter, translates it to SQL and returns matching
// events ordered by timestamp descending.
func (p *Provider) Query(ctx context.Context, filter domain.Filter) ([]domain.Event, error) {
	normalized, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return nil, err
	}

	where, args := buildWhere(normalized)
	query := `SELECT id, session_id, event_type, category, action, label, value, ts, duration, metadata, context FROM events`
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"
	args = append(args, normalized.Limit, normalized.Offset)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate events: %w", err)
	}
	return events, nil
}

func buildWhere(f domain.Filter) (string, []any) {
	var clauses []string
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(f.Type))
	}
	if f.StartTime != 0 {
		clauses = append(clauses, "ts >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime != 0 {
		clauses = append(clauses, "ts <= ?")
		args = append(args, f.EndTime)
	}
	return strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (domain.Event, error) {
	var (
		ev       domain.Event
		label    sql.NullString
		value    sql.NullFloat64
		duration sql.NullInt64
		metadata sql.NullString
		evCtx    sql.NullString
		evType   string
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &evType, &ev.Category, &ev.Action, &label, &value, &ev.Timestamp, &duration, &metadata, &evCtx); err != nil {
		return ev, fmt.Errorf("sqlite: scan event: %w", err)
	}
	ev.Type = domain.EventType(evType)
	if label.Valid {
		ev.Label = label.String
	}
	if value.Valid {
		v := value.Float64
		ev.Value = &v
	}
	if duration.Valid {
		d := duration.Int64
		ev.Duration = &d
	}
	var err error
	if ev.Metadata, err = unmarshalMap(metadata); err != nil {
		return ev, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	if ev.Context, err = unmarshalMap(evCtx); err != nil {
		return ev, fmt.Errorf("sqlite: decode context: %w", err)
	}
	return ev, nil
}

// Stats reports total events, database size and the most recent event time.
func (p *Provider) Stats(ctx context.Context) (storage.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var stats storage.Stats
	if err := p.ready(); err != nil {
		return stats, err
	}

	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&stats.TotalEvents); err != nil {
		return stats, fmt.Errorf("sqlite: count events: %w", err)
	}
	var pageCount, pageSize int64
	if err := p.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		if err := p.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err == nil {
			stats.DiskUsageBytes = pageCount * pageSize
		}
	}
	var last sql.NullInt64
	if err := p.db.QueryRowContext(ctx, "SELECT MAX(ts) FROM events").Scan(&last); err != nil {
		return stats, fmt.Errorf("sqlite: last event: %w", err)
	}
	if last.Valid {
		stats.LastEvent = time.UnixMilli(last.Int64).UTC()
	}
	return stats, nil
}

// Clean deletes events older than the cutoff and reports the exact number of
// rows removed. Sessions left without events are pruned alongside.
func (p *Provider) Clean(ctx context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite: clean events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: clean count: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE session_id NOT IN (SELECT DISTINCT session_id FROM events)
	`); err != nil {
		return deleted, fmt.Errorf("sqlite: prune sessions: %w", err)
	}
	return deleted, nil
}

// Flush forces a WAL checkpoint.
func (p *Provider) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("sqlite: checkpoint: %w", err)
	}
	return nil
}

// Shutdown closes the database. Further calls fail with ErrShutdown.
func (p *Provider) Shutdown(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Provider) ready() error {
	if p.closed {
		return storage.ErrShutdown
	}
	if p.db == nil {
		return storage.ErrNotInitialized
	}
	return nil
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
