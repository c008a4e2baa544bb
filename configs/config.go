// Package config loads pulsecore's runtime configuration from the
// environment. Per-component config builders give every subsystem
// (admission, freshness, scheduler, cron, analysis, health) its
// tunables from the same env-first, compiled-in-default discipline.
package config

import (
	"os"
	"strconv"
	"time"

	"pulsecore/pkg/admission"
	"pulsecore/pkg/analysis"
	"pulsecore/pkg/cron"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/health"
	"pulsecore/pkg/scheduler"
)

// Config holds top-level process configuration: storage, coordination,
// and the control surface. Per-component tunables live in their own
// Config structs, built by the Admission/Freshness/... methods below.
type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost string
	RedisPort string

	EtcdEndpoints     []string
	LeaderElectionTTL int

	SchedulerInterval   time.Duration
	HealthCheckInterval time.Duration

	APIPort string

	AIServiceURL     string
	AIServiceTimeout time.Duration

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	TracingEnabled  bool
	TracingEndpoint string
}

// LoadConfig reads every recognized setting from the environment,
// falling back to the compiled-in default when unset. Unknown env keys
// are ignored by construction: there is no catch-all map to land in.
func LoadConfig() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "pulsecore"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "pulsecore"),

		RedisHost: getEnv("REDIS_HOST", "localhost"),
		RedisPort: getEnv("REDIS_PORT", "6379"),

		EtcdEndpoints:     []string{getEnv("ETCD_ENDPOINTS", "localhost:2379")},
		LeaderElectionTTL: getEnvAsInt("LEADER_ELECTION_TTL", 15),

		SchedulerInterval:   getEnvAsDuration("SCHEDULER_INTERVAL", 10*time.Second),
		HealthCheckInterval: getEnvAsDuration("HEALTH_CHECK_INTERVAL", 5*time.Minute),

		APIPort: getEnv("API_PORT", "8080"),

		AIServiceURL:     getEnv("AI_SERVICE_URL", "http://localhost:8000"),
		AIServiceTimeout: getEnvAsDuration("AI_SERVICE_TIMEOUT", 30*time.Second),

		S3Bucket:   getEnv("SNAPSHOT_S3_BUCKET", ""),
		S3Region:   getEnv("SNAPSHOT_S3_REGION", "us-east-1"),
		S3Endpoint: getEnv("SNAPSHOT_S3_ENDPOINT", ""),

		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
	}
}

// Admission builds the AdmissionController config, overriding the
// compiled-in defaults with any matching env vars.
func (c *Config) Admission() admission.Config {
	cfg := admission.DefaultConfig()
	cfg.MaxGlobalConcurrent = getEnvAsInt("ADMISSION_MAX_GLOBAL_CONCURRENT", cfg.MaxGlobalConcurrent)
	cfg.MaxConcurrentPerProject = getEnvAsInt("ADMISSION_MAX_PROJECT_CONCURRENT", cfg.MaxConcurrentPerProject)
	cfg.DailySnapshotLimit = getEnvAsInt("ADMISSION_DAILY_SNAPSHOT_LIMIT", cfg.DailySnapshotLimit)
	cfg.HourlySnapshotLimit = getEnvAsInt("ADMISSION_HOURLY_SNAPSHOT_LIMIT", cfg.HourlySnapshotLimit)
	cfg.MaxDailyCostUsd = getEnvAsFloat("ADMISSION_MAX_DAILY_COST_USD", cfg.MaxDailyCostUsd)
	cfg.MaxHourlyCostUsd = getEnvAsFloat("ADMISSION_MAX_HOURLY_COST_USD", cfg.MaxHourlyCostUsd)
	cfg.CircuitErrorThreshold = getEnvAsFloat("ADMISSION_CIRCUIT_ERROR_THRESHOLD", cfg.CircuitErrorThreshold)
	return cfg
}

// Freshness builds the freshness Evaluator config.
func (c *Config) Freshness() freshness.Config {
	cfg := freshness.DefaultConfig()
	cfg.FreshnessThresholdDays = getEnvAsInt("FRESHNESS_THRESHOLD_DAYS", cfg.FreshnessThresholdDays)
	cfg.HighPriorityAgeDays = getEnvAsInt("FRESHNESS_HIGH_PRIORITY_AGE_DAYS", cfg.HighPriorityAgeDays)
	return cfg
}

// Scheduler builds the Scheduler config.
func (c *Config) Scheduler() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.TaskExecutionDelayMs = int64(getEnvAsInt("SCHEDULER_TASK_DELAY_MS", int(cfg.TaskExecutionDelayMs)))
	cfg.MaxRetries = getEnvAsInt("SCHEDULER_MAX_RETRIES", cfg.MaxRetries)
	cfg.MinContentLength = getEnvAsInt("SCHEDULER_MIN_CONTENT_LENGTH", cfg.MinContentLength)
	return cfg
}

// Cron builds the CronEngine config.
func (c *Config) Cron() cron.Config {
	cfg := cron.DefaultConfig()
	cfg.MaxConsecutiveFailures = getEnvAsInt("CRON_MAX_CONSECUTIVE_FAILURES", cfg.MaxConsecutiveFailures)
	cfg.EscalationThreshold = getEnvAsInt("CRON_ESCALATION_THRESHOLD", cfg.EscalationThreshold)
	cfg.RecoveryDelay = getEnvAsDuration("CRON_RECOVERY_DELAY", cfg.RecoveryDelay)
	return cfg
}

// Analysis builds the AnalysisOrchestrator config.
func (c *Config) Analysis() analysis.Config {
	cfg := analysis.DefaultConfig()
	cfg.AnalysisMaxRetries = getEnvAsInt("ANALYSIS_MAX_RETRIES", cfg.AnalysisMaxRetries)
	cfg.MinAnalysisContentLength = getEnvAsInt("ANALYSIS_MIN_CONTENT_LENGTH", cfg.MinAnalysisContentLength)
	return cfg
}

// Health builds the HealthSupervisor config.
func (c *Config) Health() health.Config {
	cfg := health.DefaultConfig()
	cfg.CheckInterval = c.HealthCheckInterval
	cfg.CooldownPeriod = getEnvAsDuration("HEALTH_REMEDIATION_COOLDOWN", cfg.CooldownPeriod)
	cfg.EnabledActions[health.RestartService] = getEnvAsBool("HEALTH_ALLOW_RESTART_SERVICE", false)
	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return f
	}
	return fallback
}
