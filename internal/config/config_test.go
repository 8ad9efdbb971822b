package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Pipeline.Mode != "sequential" || !cfg.Pipeline.ContinueOnError {
		t.Fatalf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Anomaly.WindowSize != 100 || cfg.Anomaly.MinSamples != 10 || cfg.Anomaly.Threshold != 3 {
		t.Fatalf("anomaly = %+v", cfg.Anomaly)
	}
	if cfg.Aggregation.MaxEvents != 50_000 {
		t.Fatalf("aggregation max events = %d", cfg.Aggregation.MaxEvents)
	}
	if cfg.HealthEvery != 30*time.Second {
		t.Fatalf("health interval = %v", cfg.HealthEvery)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TELEMETRY_STORAGE_DRIVER", "memory")
	t.Setenv("TELEMETRY_SAMPLE_RATE", "0.25")
	t.Setenv("TELEMETRY_ANOMALY_WINDOW", "50")
	t.Setenv("TELEMETRY_AGGREGATION_MAX_EVENTS", "2000")
	t.Setenv("TELEMETRY_HEALTH_INTERVAL", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
	if cfg.Pipeline.SampleRate != 0.25 {
		t.Fatalf("sample rate = %v", cfg.Pipeline.SampleRate)
	}
	if cfg.Anomaly.WindowSize != 50 {
		t.Fatalf("window = %d", cfg.Anomaly.WindowSize)
	}
	if cfg.Aggregation.MaxEvents != 2000 {
		t.Fatalf("aggregation max events = %d", cfg.Aggregation.MaxEvents)
	}
	if cfg.HealthEvery != 10*time.Second {
		t.Fatalf("health interval = %v", cfg.HealthEvery)
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	doc := `
listen_addr: ":9090"
storage:
  driver: postgres
  dsn: postgres://localhost/telemetry
anomaly:
  threshold: 2.5
  sensitivity:
    performance.duration: 2
  limits:
    errors.count: 100
schedules:
  - id: nightly
    name: nightly dump
    cron: "@daily 02:00"
    format: csv
    destination: file
    directory: exports
    webhook_url: http://hooks.internal/nightly
    enabled: true
`
	path := filepath.Join(t.TempDir(), "telemetry.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TELEMETRY_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Storage.DSN != "postgres://localhost/telemetry" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Anomaly.Threshold != 2.5 {
		t.Fatalf("threshold = %v", cfg.Anomaly.Threshold)
	}
	if got := cfg.Anomaly.Sensitivity["performance.duration"]; got != 2 {
		t.Fatalf("sensitivity = %v", got)
	}
	if got := cfg.Anomaly.Limits["errors.count"]; got != 100 {
		t.Fatalf("limits = %v", got)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Cron != "@daily 02:00" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
	if cfg.Schedules[0].WebhookURL != "http://hooks.internal/nightly" {
		t.Fatalf("schedule webhook = %q", cfg.Schedules[0].WebhookURL)
	}
	// env defaults survive where the file is silent
	if cfg.Pipeline.Mode != "sequential" {
		t.Fatalf("pipeline mode = %q", cfg.Pipeline.Mode)
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	t.Setenv("TELEMETRY_STORAGE_DRIVER", "dynamo")
	if _, err := Load(); err == nil {
		t.Fatal("expected driver error")
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	t.Setenv("TELEMETRY_PIPELINE_MODE", "turbo")
	if _, err := Load(); err == nil {
		t.Fatal("expected mode error")
	}
}

func TestLoadRejectsBadSampleRate(t *testing.T) {
	t.Setenv("TELEMETRY_SAMPLE_RATE", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("expected sample rate error")
	}
}

func TestLoadRejectsNonPositiveAggregationCap(t *testing.T) {
	t.Setenv("TELEMETRY_AGGREGATION_MAX_EVENTS", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected aggregation cap error")
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("TELEMETRY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v", err)
	}
}
