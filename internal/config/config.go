// Package config loads and validates kansoku configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Tracking backends accepted by KANSOKU_TRACKING_BACKEND.
const (
	BackendAuto     = "auto"
	BackendMLflow   = "mlflow"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendNoop     = "noop"
)

// Config holds all application configuration.
type Config struct {
	// Dashboard server settings.
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	DashboardJWTSecret string // HS256 secret; empty disables bearer auth.
	DashboardTokenTTL  time.Duration

	// Experiment tracking settings.
	TrackingBackend   string // "auto", "mlflow", "postgres", "sqlite", or "noop"
	MLflowTrackingURI string
	MLflowExperiment  string
	DatabaseURL       string
	SQLitePath        string
	TrackingTimeout   time.Duration // Per-call bound on backend requests.
	RunHistorySize    int

	// Monitoring settings.
	MonitorInterval        time.Duration
	ResponseTimeThreshold  time.Duration
	MemoryThreshold        float64 // Fraction of total memory, 0.8 = 80%.
	ErrorRateThreshold     float64
	AvailabilityThreshold  float64
	ErrorWindow            int
	RecoveryObservations   int
	IdleAfter              time.Duration
	SlowOperationThreshold time.Duration // Zero disables slow-operation warnings.
	RecordHistorySize      int
	AlertRulesFile         string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Run tag defaults.
	Environment string
	User        string

	// Operational settings.
	LogLevel  string
	ExportDir string
}

// Defaults returns the configuration used when no environment variable is set.
func Defaults() Config {
	return Config{
		Port:                  8090,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          30 * time.Second,
		DashboardTokenTTL:     24 * time.Hour,
		TrackingBackend:       BackendAuto,
		MLflowTrackingURI:     "http://localhost:5000",
		MLflowExperiment:      "llm-pdf-reading",
		SQLitePath:            "kansoku.db",
		TrackingTimeout:       5 * time.Second,
		RunHistorySize:        1000,
		MonitorInterval:       30 * time.Second,
		ResponseTimeThreshold: 30 * time.Second,
		MemoryThreshold:       0.8,
		ErrorRateThreshold:    0.1,
		AvailabilityThreshold: 0.95,
		ErrorWindow:           20,
		RecoveryObservations:  5,
		IdleAfter:             5 * time.Minute,
		RecordHistorySize:     10000,
		ServiceName:           "kansoku",
		Environment:           "development",
		User:                  "unknown",
		LogLevel:              "info",
		ExportDir:             "exports",
	}
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var l loader
	d := Defaults()
	cfg := Config{
		Port:                   l.int("KANSOKU_PORT", d.Port),
		ReadTimeout:            l.duration("KANSOKU_READ_TIMEOUT", d.ReadTimeout),
		WriteTimeout:           l.duration("KANSOKU_WRITE_TIMEOUT", d.WriteTimeout),
		DashboardJWTSecret:     envStr("KANSOKU_DASHBOARD_JWT_SECRET", d.DashboardJWTSecret),
		DashboardTokenTTL:      l.duration("KANSOKU_DASHBOARD_TOKEN_TTL", d.DashboardTokenTTL),
		TrackingBackend:        envStr("KANSOKU_TRACKING_BACKEND", d.TrackingBackend),
		MLflowTrackingURI:      envStr("MLFLOW_TRACKING_URI", d.MLflowTrackingURI),
		MLflowExperiment:       envStr("MLFLOW_EXPERIMENT_NAME", d.MLflowExperiment),
		DatabaseURL:            envStr("DATABASE_URL", d.DatabaseURL),
		SQLitePath:             envStr("KANSOKU_SQLITE_PATH", d.SQLitePath),
		TrackingTimeout:        l.duration("KANSOKU_TRACKING_TIMEOUT", d.TrackingTimeout),
		RunHistorySize:         l.int("KANSOKU_RUN_HISTORY_SIZE", d.RunHistorySize),
		MonitorInterval:        l.duration("KANSOKU_MONITOR_INTERVAL", d.MonitorInterval),
		ResponseTimeThreshold:  l.duration("KANSOKU_RESPONSE_TIME_THRESHOLD", d.ResponseTimeThreshold),
		MemoryThreshold:        l.float("KANSOKU_MEMORY_THRESHOLD", d.MemoryThreshold),
		ErrorRateThreshold:     l.float("KANSOKU_ERROR_RATE_THRESHOLD", d.ErrorRateThreshold),
		AvailabilityThreshold:  l.float("KANSOKU_AVAILABILITY_THRESHOLD", d.AvailabilityThreshold),
		ErrorWindow:            l.int("KANSOKU_ERROR_WINDOW", d.ErrorWindow),
		RecoveryObservations:   l.int("KANSOKU_RECOVERY_OBSERVATIONS", d.RecoveryObservations),
		IdleAfter:              l.duration("KANSOKU_IDLE_AFTER", d.IdleAfter),
		SlowOperationThreshold: l.duration("KANSOKU_SLOW_OPERATION_THRESHOLD", d.SlowOperationThreshold),
		RecordHistorySize:      l.int("KANSOKU_RECORD_HISTORY_SIZE", d.RecordHistorySize),
		AlertRulesFile:         envStr("KANSOKU_ALERT_RULES_FILE", d.AlertRulesFile),
		OTELEndpoint:           envStr("OTEL_EXPORTER_OTLP_ENDPOINT", d.OTELEndpoint),
		OTELInsecure:           l.bool("OTEL_EXPORTER_OTLP_INSECURE", d.OTELInsecure),
		ServiceName:            envStr("OTEL_SERVICE_NAME", d.ServiceName),
		Environment:            envStr("ENVIRONMENT", d.Environment),
		User:                   envStr("USER", d.User),
		LogLevel:               envStr("KANSOKU_LOG_LEVEL", d.LogLevel),
		ExportDir:              envStr("KANSOKU_EXPORT_DIR", d.ExportDir),
	}
	if err := errors.Join(l.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_PORT must be between 1 and 65535"))
	}
	if c.DashboardJWTSecret != "" && c.DashboardTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_DASHBOARD_TOKEN_TTL must be positive"))
	}
	switch c.TrackingBackend {
	case BackendAuto, BackendMLflow, BackendSQLite, BackendNoop:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("config: DATABASE_URL is required for the postgres tracking backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: KANSOKU_TRACKING_BACKEND=%q is not one of auto, mlflow, postgres, sqlite, noop", c.TrackingBackend))
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_MEMORY_THRESHOLD must be in (0, 1]"))
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_ERROR_RATE_THRESHOLD must be in (0, 1]"))
	}
	if c.AvailabilityThreshold <= 0 || c.AvailabilityThreshold > 1 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_AVAILABILITY_THRESHOLD must be in (0, 1]"))
	}
	if c.ResponseTimeThreshold <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_RESPONSE_TIME_THRESHOLD must be positive"))
	}
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_MONITOR_INTERVAL must be positive"))
	}
	if c.ErrorWindow <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_ERROR_WINDOW must be positive"))
	}
	if c.RecoveryObservations <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_RECOVERY_OBSERVATIONS must be positive"))
	}
	if c.RecordHistorySize <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_RECORD_HISTORY_SIZE must be positive"))
	}
	if c.RunHistorySize <= 0 {
		errs = append(errs, fmt.Errorf("config: KANSOKU_RUN_HISTORY_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

// DefaultTags are attached to every experiment run.
func (c Config) DefaultTags() map[string]string {
	return map[string]string{
		"project":     "llm-pdf-reading",
		"environment": c.Environment,
		"user":        c.User,
	}
}

// loader accumulates parse errors so Load can report all of them at once.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	return v
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
