package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and tunes the storage provider.
type StorageConfig struct {
	Driver string `yaml:"driver"` // "sqlite", "postgres" or "memory"
	DSN    string `yaml:"dsn"`
}

// PipelineConfig tunes the event processor.
type PipelineConfig struct {
	Mode            string        `yaml:"mode"` // "sequential" or "parallel"
	ContinueOnError bool          `yaml:"continue_on_error"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	SampleRate      float64       `yaml:"sample_rate"`
	Environment     string        `yaml:"environment"`
	Version         string        `yaml:"version"`
}

// AggregationConfig tunes the live aggregation buffer.
type AggregationConfig struct {
	MaxEvents int `yaml:"max_events"`
}

// AnomalyConfig tunes the detector.
type AnomalyConfig struct {
	WindowSize  int                `yaml:"window_size"`
	MinSamples  int                `yaml:"min_samples"`
	Threshold   float64            `yaml:"threshold"`
	Sensitivity map[string]float64 `yaml:"sensitivity"`
	Limits      map[string]float64 `yaml:"limits"`
}

// ScheduleConfig declares one export schedule.
type ScheduleConfig struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Cron        string            `yaml:"cron"`
	Format      string            `yaml:"format"`
	Destination string            `yaml:"destination"` // "file" or "http"
	Directory   string            `yaml:"directory"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	SessionID   string            `yaml:"session_id"`
	Category    string            `yaml:"category"`
	WebhookURL  string            `yaml:"webhook_url"` // per-schedule notifications
	Enabled     bool              `yaml:"enabled"`
}

// Config is the engine's full configuration.
type Config struct {
	ListenAddr  string            `yaml:"listen_addr"`
	Storage     StorageConfig     `yaml:"storage"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Schedules   []ScheduleConfig  `yaml:"schedules"`
	ExportDir   string            `yaml:"export_dir"`
	WebhookURL  string            `yaml:"webhook_url"`
	HealthEvery time.Duration     `yaml:"health_interval"`
}

// Load builds configuration from environment variables, overlaid by an
// optional YAML file named in TELEMETRY_CONFIG.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: getenvDefault("TELEMETRY_LISTEN_ADDR", ":8080"),
		Storage: StorageConfig{
			Driver: getenvDefault("TELEMETRY_STORAGE_DRIVER", "sqlite"),
			DSN:    getenvDefault("TELEMETRY_STORAGE_DSN", filepath.FromSlash("var/telemetry.db")),
		},
		Pipeline: PipelineConfig{
			Mode:            getenvDefault("TELEMETRY_PIPELINE_MODE", "sequential"),
			ContinueOnError: getenvBoolDefault("TELEMETRY_PIPELINE_CONTINUE_ON_ERROR", true),
			SampleRate:      getenvFloatDefault("TELEMETRY_SAMPLE_RATE", 1),
			Environment:     getenvDefault("TELEMETRY_ENVIRONMENT", "production"),
			Version:         os.Getenv("TELEMETRY_VERSION"),
		},
		Aggregation: AggregationConfig{
			MaxEvents: getenvIntDefault("TELEMETRY_AGGREGATION_MAX_EVENTS", 50_000),
		},
		Anomaly: AnomalyConfig{
			WindowSize: getenvIntDefault("TELEMETRY_ANOMALY_WINDOW", 100),
			MinSamples: getenvIntDefault("TELEMETRY_ANOMALY_MIN_SAMPLES", 10),
			Threshold:  getenvFloatDefault("TELEMETRY_ANOMALY_THRESHOLD", 3),
		},
		ExportDir:   getenvDefault("TELEMETRY_EXPORT_DIR", filepath.FromSlash("var/exports")),
		WebhookURL:  os.Getenv("TELEMETRY_WEBHOOK_URL"),
		HealthEvery: getenvDurationDefault("TELEMETRY_HEALTH_INTERVAL", 30*time.Second),
	}

	if path := os.Getenv("TELEMETRY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return errors.New("config: unknown storage driver " + strconv.Quote(c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("config: storage dsn required")
	}
	switch c.Pipeline.Mode {
	case "sequential", "parallel":
	default:
		return errors.New("config: unknown pipeline mode " + strconv.Quote(c.Pipeline.Mode))
	}
	if c.Pipeline.SampleRate < 0 || c.Pipeline.SampleRate > 1 {
		return errors.New("config: sample rate must be within [0,1]")
	}
	if c.Aggregation.MaxEvents <= 0 {
		return errors.New("config: aggregation max events must be positive")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
