package apihttp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemetry-engine/internal/analytics/aggregation"
	"telemetry-engine/internal/analytics/anomaly"
	"telemetry-engine/internal/engine"
	"telemetry-engine/internal/export"
	"telemetry-engine/internal/export/destination"
	"telemetry-engine/internal/export/format"
	"telemetry-engine/internal/export/notify"
	"telemetry-engine/internal/health"
	"telemetry-engine/internal/telemetry/domain"
)

const timeLayout = time.RFC3339

const maxBodyBytes = 1 << 20

// EventsHandler serves event ingestion and queries.
type EventsHandler struct {
	eng *engine.Engine
}

// NewEventsHandler constructs an EventsHandler.
func NewEventsHandler(eng *engine.Engine) *EventsHandler {
	return &EventsHandler{eng: eng}
}

// ServeHTTP handles POST and GET /api/v1/events.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.eng == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.track(w, r)
	case http.MethodGet:
		h.query(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// track accepts a single event object or a JSON array of events.
func (h *EventsHandler) track(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var events []domain.Event
	if trimmed[0] == '[' {
		if err := json.Unmarshal(body, &events); err != nil {
			http.Error(w, "malformed event array", http.StatusBadRequest)
			return
		}
	} else {
		var ev domain.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "malformed event", http.StatusBadRequest)
			return
		}
		events = []domain.Event{ev}
	}

	accepted, trackErr := h.eng.TrackBatch(r.Context(), events)
	if trackErr != nil && accepted == 0 && len(events) == 1 {
		http.Error(w, trackErr.Error(), statusFor(trackErr))
		return
	}

	resp := map[string]any{"accepted": accepted, "received": len(events)}
	if trackErr != nil {
		resp["error"] = trackErr.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *EventsHandler) query(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.eng.Query(r.Context(), filter)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func filterFromQuery(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	filter := domain.Filter{
		SessionID: q.Get("sessionId"),
		Category:  q.Get("category"),
		Action:    q.Get("action"),
		Type:      domain.EventType(q.Get("eventType")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			return filter, errors.New("from must be RFC3339")
		}
		filter.StartTime = t.UnixMilli()
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			return filter, errors.New("to must be RFC3339")
		}
		filter.EndTime = t.UnixMilli()
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return filter, errors.New("offset must be an integer")
		}
		filter.Offset = n
	}
	return filter, nil
}

// AggregateHandler serves aggregation queries over the live buffer, or over
// stored events when source=stored.
type AggregateHandler struct {
	eng *engine.Engine
}

// NewAggregateHandler constructs an AggregateHandler.
func NewAggregateHandler(eng *engine.Engine) *AggregateHandler {
	return &AggregateHandler{eng: eng}
}

// ServeHTTP handles POST /api/v1/aggregate.
func (h *AggregateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.eng == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var q aggregation.Query
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&q); err != nil {
		http.Error(w, "malformed aggregation query", http.StatusBadRequest)
		return
	}

	var (
		res aggregation.Result
		err error
	)
	if r.URL.Query().Get("source") == "stored" {
		res, err = h.eng.AggregateStored(r.Context(), q)
	} else {
		res, err = h.eng.Aggregate(q)
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// AnomaliesHandler serves detected anomalies.
type AnomaliesHandler struct {
	eng *engine.Engine
}

// NewAnomaliesHandler constructs an AnomaliesHandler.
func NewAnomaliesHandler(eng *engine.Engine) *AnomaliesHandler {
	return &AnomaliesHandler{eng: eng}
}

// ServeHTTP handles GET /api/v1/anomalies.
func (h *AnomaliesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.eng == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var from, to int64
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			http.Error(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		from = t.UnixMilli()
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(timeLayout, v)
		if err != nil {
			http.Error(w, "to must be RFC3339", http.StatusBadRequest)
			return
		}
		to = t.UnixMilli()
	}
	var severities []anomaly.Severity
	for _, s := range q["severity"] {
		severities = append(severities, anomaly.Severity(s))
	}

	items := h.eng.Anomalies(from, to, severities...)
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": items, "count": len(items)})
}

// reportRequest is the POST /api/v1/reports body.
type reportRequest struct {
	Title  string            `json:"title"`
	Format string            `json:"format"`
	Query  aggregation.Query `json:"query"`
}

// ReportHandler renders aggregation results as downloadable documents.
type ReportHandler struct {
	eng *engine.Engine
}

// NewReportHandler constructs a ReportHandler.
func NewReportHandler(eng *engine.Engine) *ReportHandler {
	return &ReportHandler{eng: eng}
}

// ServeHTTP handles POST /api/v1/reports.
func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.eng == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	var req reportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "malformed report request", http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		req.Title = "Telemetry Report"
	}

	var contentType string
	switch engine.ReportFormat(req.Format) {
	case engine.ReportXLSX:
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case engine.ReportPDF:
		contentType = "application/pdf"
	default:
		http.Error(w, "format must be xlsx or pdf", http.StatusBadRequest)
		return
	}

	doc, err := h.eng.BuildReport(req.Title, req.Query, engine.ReportFormat(req.Format))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="report.`+req.Format+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

// scheduleRequest is the JSON shape for creating or updating a schedule.
type scheduleRequest struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Cron        string        `json:"cron"`
	Format      string        `json:"format"`
	Filter      domain.Filter `json:"filter"`
	WebhookURL  string        `json:"webhookUrl,omitempty"`
	Enabled     bool          `json:"enabled"`
	Destination struct {
		Type      string            `json:"type"` // "file" or "http"
		Directory string            `json:"directory"`
		URL       string            `json:"url"`
		Headers   map[string]string `json:"headers,omitempty"`
	} `json:"destination"`
}

type scheduleView struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Cron    string        `json:"cron"`
	Format  string        `json:"format"`
	Filter  domain.Filter `json:"filter"`
	Enabled bool          `json:"enabled"`
}

// SchedulesHandler manages export schedules under /api/v1/exports/schedules.
type SchedulesHandler struct {
	sched *export.Scheduler
}

// NewSchedulesHandler constructs a SchedulesHandler.
func NewSchedulesHandler(sched *export.Scheduler) *SchedulesHandler {
	return &SchedulesHandler{sched: sched}
}

// ServeHTTP routes list, create, delete, run-now and execution history.
//
//	GET    /api/v1/exports/schedules
//	POST   /api/v1/exports/schedules
//	DELETE /api/v1/exports/schedules/{id}
//	POST   /api/v1/exports/schedules/{id}/run
//	GET    /api/v1/exports/schedules/{id}/executions
func (h *SchedulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.sched == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/exports/schedules"), "/")
	switch {
	case rest == "":
		h.collection(w, r)
	case strings.HasSuffix(rest, "/run"):
		h.run(w, r, strings.TrimSuffix(rest, "/run"))
	case strings.HasSuffix(rest, "/executions"):
		h.executions(w, r, strings.TrimSuffix(rest, "/executions"))
	default:
		h.item(w, r, rest)
	}
}

func (h *SchedulesHandler) collection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var views []scheduleView
		for _, cfg := range h.sched.Schedules() {
			views = append(views, scheduleView{
				ID:      cfg.ID,
				Name:    cfg.Name,
				Cron:    cfg.Cron,
				Format:  string(cfg.Format),
				Filter:  cfg.Filter,
				Enabled: cfg.Enabled,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": views, "count": len(views)})
	case http.MethodPost:
		var req scheduleRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "malformed schedule", http.StatusBadRequest)
			return
		}
		cfg, err := buildSchedule(req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.sched.AddSchedule(cfg); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *SchedulesHandler) item(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.sched.RemoveSchedule(id); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SchedulesHandler) run(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ex, err := h.sched.ExecuteNow(r.Context(), id)
	if err != nil && errors.Is(err, export.ErrScheduleNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	// delivery failures are reported in the execution record
	writeJSON(w, http.StatusOK, ex)
}

func (h *SchedulesHandler) executions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items := h.sched.Executions(id)
	writeJSON(w, http.StatusOK, map[string]any{"executions": items, "count": len(items)})
}

func buildSchedule(req scheduleRequest) (export.ScheduleConfig, error) {
	cfg := export.ScheduleConfig{
		ID:      req.ID,
		Name:    req.Name,
		Cron:    req.Cron,
		Format:  format.Format(req.Format),
		Filter:  req.Filter,
		Enabled: req.Enabled,
	}
	if req.WebhookURL != "" {
		cfg.Notifier = notify.NewWebhookNotifier(req.WebhookURL)
	}
	switch req.Destination.Type {
	case "file":
		dest, err := destination.NewFileDestination(req.Destination.Directory)
		if err != nil {
			return cfg, err
		}
		cfg.Destination = dest
	case "http":
		dest, err := destination.NewHTTPDestination(req.Destination.URL,
			destination.WithHeaders(req.Destination.Headers))
		if err != nil {
			return cfg, err
		}
		cfg.Destination = dest
	default:
		return cfg, errors.New("destination type must be file or http")
	}
	return cfg, nil
}

// HealthHandler serves the aggregated health document.
type HealthHandler struct {
	checker *health.Checker
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(checker *health.Checker) *HealthHandler {
	return &HealthHandler{checker: checker}
}

// ServeHTTP handles GET /healthz. Degraded systems still answer 200 so load
// balancers keep routing; only unhealthy flips to 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.checker == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	sys := h.checker.RunChecks(r.Context())
	status := http.StatusOK
	if sys.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, sys)
}

// StatsHandler serves storage and fault statistics.
type StatsHandler struct {
	eng *engine.Engine
}

// NewStatsHandler constructs a StatsHandler.
func NewStatsHandler(eng *engine.Engine) *StatsHandler {
	return &StatsHandler{eng: eng}
}

// ServeHTTP handles GET /api/v1/stats.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.eng == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}

	stats, err := h.eng.StorageStats(r.Context())
	if err != nil {
		http.Error(w, "storage stats error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"storage": stats,
		"errors":  h.eng.ErrorStats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrInvalidEvent),
		errors.Is(err, domain.ErrLimitOutOfRange),
		errors.Is(err, domain.ErrNegativeOffset),
		errors.Is(err, domain.ErrInvertedRange),
		errors.Is(err, domain.ErrInvalidEventType),
		errors.Is(err, domain.ErrFieldTooLong),
		errors.Is(err, aggregation.ErrNoMetrics),
		errors.Is(err, aggregation.ErrUnknownOp),
		errors.Is(err, aggregation.ErrUnknownInterval),
		errors.Is(err, aggregation.ErrBadPercentile),
		errors.Is(err, export.ErrBadSchedule),
		errors.Is(err, format.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, export.ErrScheduleExists):
		return http.StatusConflict
	case errors.Is(err, export.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
