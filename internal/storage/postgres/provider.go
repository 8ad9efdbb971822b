package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/telemetry/domain"
)

const (
	defaultEventsTable   = "telemetry_events"
	defaultSessionsTable = "telemetry_sessions"
)

// Provider persists telemetry events to Postgres via the pgx stdlib driver.
type Provider struct {
	dsn           string
	eventsTable   string
	sessionsTable string

	db     *sql.DB
	closed bool
}

// Option configures the provider.
type Option func(*Provider)

// WithEventsTable overrides the default events table name.
func WithEventsTable(table string) Option {
	return func(p *Provider) {
		if table != "" {
			p.eventsTable = table
		}
	}
}

// WithSessionsTable overrides the default sessions table name.
func WithSessionsTable(table string) Option {
	return func(p *Provider) {
		if table != "" {
			p.sessionsTable = table
		}
	}
}

// NewProvider constructs a provider for the given DSN.
func NewProvider(dsn string, opts ...Option) (*Provider, error) {
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}
	p := &Provider{dsn: dsn, eventsTable: defaultEventsTable, sessionsTable: defaultSessionsTable}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Initialize opens the pool and creates the schema.
func (p *Provider) Initialize(ctx context.Context) error {
	if p.closed {
		return storage.ErrShutdown
	}
	if p.db != nil {
		return nil
	}
	db, err := sql.Open("pgx", p.dsn)
	if err != nil {
		return fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}

	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT PRIMARY KEY,
			first_seen BIGINT NOT NULL,
			last_seen BIGINT NOT NULL,
			event_count BIGINT NOT NULL DEFAULT 0
		)`, p.sessionsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			category TEXT NOT NULL,
			action TEXT NOT NULL,
			label TEXT,
			value DOUBLE PRECISION,
			ts BIGINT NOT NULL,
			duration BIGINT,
			metadata JSONB,
			context JSONB
		)`, p.eventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id)`, p.eventsTable, p.eventsTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s(ts)`, p.eventsTable, p.eventsTable),
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return fmt.Errorf("postgres: create schema: %w", err)
		}
	}
	p.db = db
	return nil
}

// Store persists a single event, upserting its session row.
func (p *Provider) Store(ctx context.Context, ev domain.Event) error {
	if err := p.ready(); err != nil {
		return err
	}
	if err := p.upsertSession(ctx, ev.SessionID, ev.Timestamp, 1); err != nil {
		return err
	}
	return p.insertEvent(ctx, ev)
}

// StoreBatch groups events by session to upsert each session once, then
// inserts events individually.
func (p *Provider) StoreBatch(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
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
		return errors.New("postgres: event missing session id")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, first_seen, last_seen, event_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			last_seen = GREATEST(%s.last_seen, EXCLUDED.last_seen),
			event_count = %s.event_count + EXCLUDED.event_count
	`, p.sessionsTable, p.sessionsTable, p.sessionsTable)
	if _, err := p.db.ExecContext(ctx, query, sessionID, seenAt, seenAt, count); err != nil {
		return fmt.Errorf("postgres: upsert session: %w", err)
	}
	return nil
}

func (p *Provider) insertEvent(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		return errors.New("postgres: event missing id")
	}
	metadata, err := marshalMap(ev.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: encode metadata: %w", err)
	}
	contextJSON, err := marshalMap(ev.Context)
	if err != nil {
		return fmt.Errorf("postgres: encode context: %w", err)
	}

	value := sql.NullFloat64{}
	if ev.Value != nil {
		value = sql.NullFloat64{Float64: *ev.Value, Valid: true}
	}
	duration := sql.NullInt64{}
	if ev.Duration != nil {
		duration = sql.NullInt64{Int64: *ev.Duration, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, event_type, category, action, label, value, ts, duration, metadata, context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, p.eventsTable)
	if _, err := p.db.ExecContext(ctx, query,
		ev.ID, ev.SessionID, string(ev.Type), ev.Category, ev.Action,
		nullString(ev.Label), value, ev.Timestamp, duration, metadata, contextJSON,
	); err != nil {
		return fmt.Errorf("postgres: insert event: %w", err)
	}
	return nil
}

// Query re-validates the filter and returns matching events ordered by
// timestamp descending.
func (p *Provider) Query(ctx context.Context, filter domain.Filter) ([]domain.Event, error) {
	normalized, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	if err := p.ready(); err != nil {
		return nil, err
	}

	var clauses []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if normalized.SessionID != "" {
		clauses = append(clauses, "session_id = "+arg(normalized.SessionID))
	}
	if normalized.Category != "" {
		clauses = append(clauses, "category = "+arg(normalized.Category))
	}
	if normalized.Action != "" {
		clauses = append(clauses, "action = "+arg(normalized.Action))
	}
	if normalized.Type != "" {
		clauses = append(clauses, "event_type = "+arg(string(normalized.Type)))
	}
	if normalized.StartTime != 0 {
		clauses = append(clauses, "ts >= "+arg(normalized.StartTime))
	}
	if normalized.EndTime != 0 {
		clauses = append(clauses, "ts <= "+arg(normalized.EndTime))
	}

	query := fmt.Sprintf(`SELECT id, session_id, event_type, category, action, label, value, ts, duration, metadata, context FROM %s`, p.eventsTable)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT %s OFFSET %s", arg(normalized.Limit), arg(normalized.Offset))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			ev       domain.Event
			label    sql.NullString
			value    sql.NullFloat64
			duration sql.NullInt64
			metadata []byte
			evCtx    []byte
			evType   string
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &evType, &ev.Category, &ev.Action, &label, &value, &ev.Timestamp, &duration, &metadata, &evCtx); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
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
		if ev.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata: %w", err)
		}
		if ev.Context, err = unmarshalMap(evCtx); err != nil {
			return nil, fmt.Errorf("postgres: decode context: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate events: %w", err)
	}
	return events, nil
}

// Stats reports total events, on-disk relation size and the most recent
// event time.
func (p *Provider) Stats(ctx context.Context) (storage.Stats, error) {
	var stats storage.Stats
	if err := p.ready(); err != nil {
		return stats, err
	}
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", p.eventsTable)).Scan(&stats.TotalEvents); err != nil {
		return stats, fmt.Errorf("postgres: count events: %w", err)
	}
	if err := p.db.QueryRowContext(ctx, "SELECT pg_total_relation_size($1)", p.eventsTable).Scan(&stats.DiskUsageBytes); err != nil {
		return stats, fmt.Errorf("postgres: relation size: %w", err)
	}
	var last sql.NullInt64
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(ts) FROM %s", p.eventsTable)).Scan(&last); err != nil {
		return stats, fmt.Errorf("postgres: last event: %w", err)
	}
	if last.Valid {
		stats.LastEvent = time.UnixMilli(last.Int64).UTC()
	}
	return stats, nil
}

// Clean deletes events older than the cutoff and reports rows removed.
func (p *Provider) Clean(ctx context.Context, before time.Time) (int64, error) {
	if err := p.ready(); err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < $1", p.eventsTable), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: clean events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: clean count: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE session_id NOT IN (SELECT DISTINCT session_id FROM %s)",
		p.sessionsTable, p.eventsTable,
	)); err != nil {
		return deleted, fmt.Errorf("postgres: prune sessions: %w", err)
	}
	return deleted, nil
}

// Flush is a no-op: writes are committed per statement.
func (p *Provider) Flush(context.Context) error { return p.ready() }

// Shutdown closes the pool.
func (p *Provider) Shutdown(context.Context) error {
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

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
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
