package config

import (
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KANSOKU_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !contains(got, "KANSOKU_PORT") || !contains(got, "abc") {
		t.Fatalf("error should mention KANSOKU_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	t.Setenv("KANSOKU_ERROR_WINDOW", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !contains(got, "KANSOKU_PORT") {
		t.Fatalf("error should mention KANSOKU_PORT, got: %s", got)
	}
	if !contains(got, "KANSOKU_ERROR_WINDOW") {
		t.Fatalf("error should mention KANSOKU_ERROR_WINDOW, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8090 {
		t.Fatalf("expected default port 8090, got %d", cfg.Port)
	}
	if cfg.TrackingBackend != BackendAuto {
		t.Fatalf("expected default backend auto, got %s", cfg.TrackingBackend)
	}
	if cfg.MemoryThreshold != 0.8 || cfg.ErrorRateThreshold != 0.1 || cfg.AvailabilityThreshold != 0.95 {
		t.Fatalf("unexpected default thresholds: %+v", cfg)
	}
	if cfg.ResponseTimeThreshold != 30*time.Second {
		t.Fatalf("expected 30s response time threshold, got %s", cfg.ResponseTimeThreshold)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="high" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("KANSOKU_TRACKING_BACKEND", "wandb")
	_, err := Load()
	if err == nil || !contains(err.Error(), "wandb") {
		t.Fatalf("expected unknown backend error, got: %v", err)
	}
}

func TestLoadPostgresNeedsDatabaseURL(t *testing.T) {
	t.Setenv("KANSOKU_TRACKING_BACKEND", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil || !contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got: %v", err)
	}
}

func TestLoadRejectsOutOfRangeThresholds(t *testing.T) {
	t.Setenv("KANSOKU_MEMORY_THRESHOLD", "80")
	t.Setenv("KANSOKU_ERROR_RATE_THRESHOLD", "-1")
	_, err := Load()
	if err == nil {
		t.Fatal("expected threshold validation to fail")
	}
	got := err.Error()
	if !contains(got, "KANSOKU_MEMORY_THRESHOLD") || !contains(got, "KANSOKU_ERROR_RATE_THRESHOLD") {
		t.Fatalf("error should mention both thresholds, got: %s", got)
	}
}

func TestDefaultTags(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("USER", "ci")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tags := cfg.DefaultTags()
	if tags["environment"] != "staging" || tags["user"] != "ci" || tags["project"] != "llm-pdf-reading" {
		t.Fatalf("unexpected tags: %v", tags)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && searchSubstring(s, substr)
}

func searchSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults().Validate() = %v", err)
	}
}
