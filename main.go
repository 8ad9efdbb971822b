package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telemetry-engine/internal/analytics/aggregation"
	"telemetry-engine/internal/analytics/anomaly"
	apihttp "telemetry-engine/internal/api/http"
	"telemetry-engine/internal/config"
	"telemetry-engine/internal/engine"
	"telemetry-engine/internal/export"
	"telemetry-engine/internal/export/destination"
	"telemetry-engine/internal/export/format"
	"telemetry-engine/internal/export/notify"
	"telemetry-engine/internal/faults"
	"telemetry-engine/internal/health"
	"telemetry-engine/internal/observability/metrics"
	"telemetry-engine/internal/storage"
	"telemetry-engine/internal/storage/memory"
	"telemetry-engine/internal/storage/postgres"
	"telemetry-engine/internal/storage/sqlite"
	"telemetry-engine/internal/telemetry/domain"
	"telemetry-engine/internal/telemetry/pipeline"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := buildProvider(cfg.Storage)
	if err != nil {
		logger.Fatalf("storage provider error: %v", err)
	}
	if err := provider.Initialize(ctx); err != nil {
		logger.Fatalf("storage initialize error: %v", err)
	}

	proc := buildProcessor(cfg.Pipeline, logger)

	detector := anomaly.NewDetector(anomaly.Config{
		WindowSize:  cfg.Anomaly.WindowSize,
		MinSamples:  cfg.Anomaly.MinSamples,
		Threshold:   cfg.Anomaly.Threshold,
		Sensitivity: cfg.Anomaly.Sensitivity,
		Limits:      cfg.Anomaly.Limits,
	}, anomaly.WithLogger(logger))

	errHandler := faults.NewHandler(faults.HandlerConfig{},
		faults.WithLogger(logger),
		faults.OnCriticalError(func(te *faults.TelemetryError) {
			logger.Printf("critical fault [%s/%s]: %s", te.Category, te.CorrelationID, te.Message)
		}),
		faults.OnErrorThreshold(func(sev faults.Severity, count int) {
			logger.Printf("fault threshold crossed: %d %s errors in window", count, sev)
		}),
	)

	eng, err := engine.NewEngine(provider,
		engine.WithProcessor(proc),
		engine.WithDetector(detector),
		engine.WithAggregator(aggregation.NewEngine(aggregation.WithMaxEvents(cfg.Aggregation.MaxEvents))),
		engine.WithErrorHandler(errHandler),
		engine.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("engine error: %v", err)
	}
	eng.OnAnomaly(func(a anomaly.Anomaly) {
		logger.Printf("anomaly %s [%s] metric=%s value=%.3f baseline=%.3f", a.Type, a.Severity, a.Metric, a.Value, a.Baseline)
	})

	schedOpts := []export.SchedulerOption{export.WithLogger(logger)}
	if cfg.WebhookURL != "" {
		schedOpts = append(schedOpts, export.WithNotifier(notify.NewWebhookNotifier(cfg.WebhookURL, notify.WithLogger(logger))))
	}
	scheduler, err := export.NewScheduler(eng.Query, schedOpts...)
	if err != nil {
		logger.Fatalf("export scheduler error: %v", err)
	}
	for _, sc := range cfg.Schedules {
		scfg, err := buildSchedule(sc, cfg.ExportDir)
		if err != nil {
			logger.Fatalf("schedule %s error: %v", sc.ID, err)
		}
		if err := scheduler.AddSchedule(scfg); err != nil {
			logger.Fatalf("schedule %s error: %v", sc.ID, err)
		}
	}
	scheduler.Start()

	checker := health.NewChecker(health.WithLogger(logger))
	mustAddCheck(logger, checker, health.StorageCheck(provider))
	mustAddCheck(logger, checker, health.ErrorRateCheck(errHandler, 0))
	mustAddCheck(logger, checker, health.MemoryCheck(0, 0))
	checker.StartPeriodicChecks(cfg.HealthEvery)
	go publishHealthMetrics(ctx, checker, cfg.HealthEvery)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/events", apihttp.NewEventsHandler(eng))
	mux.Handle("/api/v1/aggregate", apihttp.NewAggregateHandler(eng))
	mux.Handle("/api/v1/anomalies", apihttp.NewAnomaliesHandler(eng))
	mux.Handle("/api/v1/reports", apihttp.NewReportHandler(eng))
	schedulesHandler := apihttp.NewSchedulesHandler(scheduler)
	mux.Handle("/api/v1/exports/schedules", schedulesHandler)
	mux.Handle("/api/v1/exports/schedules/", schedulesHandler)
	mux.Handle("/api/v1/stats", apihttp.NewStatsHandler(eng))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.NewHealthHandler(checker))

	server := &http.Server{Addr: cfg.ListenAddr, Handler: loggingMiddleware(mux, logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Print("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	scheduler.Stop()
	checker.StopPeriodicChecks()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Printf("engine shutdown error: %v", err)
	}
}

func buildProvider(cfg config.StorageConfig) (storage.Provider, error) {
	switch cfg.Driver {
	case "sqlite":
		return sqlite.NewProvider(cfg.DSN)
	case "postgres":
		return postgres.NewProvider(cfg.DSN)
	case "memory":
		return memory.NewProvider(), nil
	default:
		return nil, errors.New("unknown storage driver " + cfg.Driver)
	}
}

func buildProcessor(cfg config.PipelineConfig, logger *log.Logger) *pipeline.Processor {
	opts := []pipeline.ProcessorOption{
		pipeline.WithLogger(logger),
		pipeline.WithContinueOnError(cfg.ContinueOnError),
	}
	if cfg.Mode == "parallel" {
		opts = append(opts, pipeline.WithMode(pipeline.ModeParallel))
	}
	if cfg.StepTimeout > 0 {
		opts = append(opts, pipeline.WithStepTimeout(cfg.StepTimeout))
	}
	proc := pipeline.NewProcessor(opts...)

	if cfg.SampleRate < 1 {
		proc.AddTransformer(pipeline.NewSampler(cfg.SampleRate, nil), 100)
	}
	proc.AddEnricher(pipeline.NewIDEnricher(), 50)
	proc.AddEnricher(pipeline.NewTimestampEnricher(nil), 40)
	proc.AddEnricher(pipeline.NewPlatformEnricher(), 30)
	proc.AddEnricher(pipeline.NewEnvironmentEnricher(cfg.Environment), 20)
	if cfg.Version != "" {
		proc.AddEnricher(pipeline.NewVersionEnricher(cfg.Version), 10)
	}
	return proc
}

func buildSchedule(sc config.ScheduleConfig, exportDir string) (export.ScheduleConfig, error) {
	cfg := export.ScheduleConfig{
		ID:     sc.ID,
		Name:   sc.Name,
		Cron:   sc.Cron,
		Format: format.Format(sc.Format),
		Filter: domain.Filter{
			SessionID: sc.SessionID,
			Category:  sc.Category,
			Limit:     domain.MaxFilterLimit,
		},
		Enabled: sc.Enabled,
	}
	if sc.WebhookURL != "" {
		cfg.Notifier = notify.NewWebhookNotifier(sc.WebhookURL)
	}
	switch sc.Destination {
	case "", "file":
		dir := sc.Directory
		if dir == "" {
			dir = exportDir
		}
		dest, err := destination.NewFileDestination(dir)
		if err != nil {
			return cfg, err
		}
		cfg.Destination = dest
	case "http":
		dest, err := destination.NewHTTPDestination(sc.URL, destination.WithHeaders(sc.Headers))
		if err != nil {
			return cfg, err
		}
		cfg.Destination = dest
	default:
		return cfg, errors.New("unknown destination " + sc.Destination)
	}
	return cfg, nil
}

func mustAddCheck(logger *log.Logger, checker *health.Checker, c health.Check) {
	if err := checker.AddCheck(c); err != nil {
		logger.Fatalf("health check %s error: %v", c.Name, err)
	}
}

// publishHealthMetrics mirrors the latest health outcomes into the status
// gauge on the same cadence the checker runs.
func publishHealthMetrics(ctx context.Context, checker *health.Checker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys, ok := checker.Last()
			if !ok {
				continue
			}
			for _, outcome := range sys.Checks {
				var value float64
				switch outcome.Status {
				case health.StatusHealthy:
					value = 1
				case health.StatusDegraded:
					value = 0.5
				}
				metrics.SetHealthStatus(outcome.Name, value)
			}
		}
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
