package config

import (
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.DBHost != "localhost" {
		t.Fatalf("expected default DB host, got %q", cfg.DBHost)
	}
	if cfg.APIPort != "8080" {
		t.Fatalf("expected default API port, got %q", cfg.APIPort)
	}
	if cfg.TracingEnabled {
		t.Fatalf("expected tracing disabled by default")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("AI_SERVICE_TIMEOUT", "90s")

	cfg := LoadConfig()
	if cfg.DBHost != "db.internal" {
		t.Fatalf("expected env override for DB host, got %q", cfg.DBHost)
	}
	if !cfg.TracingEnabled {
		t.Fatalf("expected tracing enabled via env")
	}
	if cfg.AIServiceTimeout != 90*time.Second {
		t.Fatalf("expected 90s AI timeout, got %s", cfg.AIServiceTimeout)
	}
}

func TestComponentConfigs_EnvOverrides(t *testing.T) {
	t.Setenv("FRESHNESS_THRESHOLD_DAYS", "3")
	t.Setenv("ADMISSION_MAX_GLOBAL_CONCURRENT", "7")
	t.Setenv("CRON_ESCALATION_THRESHOLD", "9")

	cfg := LoadConfig()
	if got := cfg.Freshness().FreshnessThresholdDays; got != 3 {
		t.Fatalf("expected freshness threshold 3, got %d", got)
	}
	if got := cfg.Admission().MaxGlobalConcurrent; got != 7 {
		t.Fatalf("expected max global concurrent 7, got %d", got)
	}
	if got := cfg.Cron().EscalationThreshold; got != 9 {
		t.Fatalf("expected escalation threshold 9, got %d", got)
	}
}

func TestComponentConfigs_MalformedEnvFallsBack(t *testing.T) {
	t.Setenv("FRESHNESS_THRESHOLD_DAYS", "soon")

	cfg := LoadConfig()
	if got := cfg.Freshness().FreshnessThresholdDays; got != 7 {
		t.Fatalf("expected fallback to default 7 on malformed value, got %d", got)
	}
}
