package supervisor

import (
	"pgsorchestrator/internal/config"
	"pgsorchestrator/pkg/retry"
	"time"
)

// Config holds configuration for the job supervisor.
type Config struct {
	MaxActive     int           // admission limit (default: 5)
	SweepInterval time.Duration // admission, resume, timeout and cleanup pass (default: 1m)
	JobTimeout    time.Duration // jobs not yet running older than this are errored (default: 24h)

	CleanupDelay       time.Duration // terminal jobs are kept this long before cleanup
	CleanupMaxAttempts int           // failed cleanups before giving up (default: 5)
	CleanupRetry       retry.Policy  // spacing between cleanup attempts
	PurgeOnCleanup     bool          // delete records once cleaned up

	NotifyResendAfter time.Duration // pending notifications older than this are resent (default: 5m)
}

// LoadConfigFromEnv loads supervisor configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxActive:          config.GetIntEnv("MAX_CONCURRENT_JOBS", 5),
		SweepInterval:      config.GetDurationEnv("SWEEP_INTERVAL", time.Minute),
		JobTimeout:         config.GetDurationEnv("JOB_TIMEOUT", 24*time.Hour),
		CleanupDelay:       config.GetDurationEnv("CLEANUP_DELAY", 15*time.Minute),
		CleanupMaxAttempts: config.GetIntEnv("CLEANUP_MAX_ATTEMPTS", 5),
		CleanupRetry: retry.Policy{
			Initial: config.GetDurationEnv("CLEANUP_RETRY_INITIAL", time.Minute),
			Max:     config.GetDurationEnv("CLEANUP_RETRY_MAX", time.Hour),
		},
		PurgeOnCleanup:    config.GetBoolEnv("PURGE_ON_CLEANUP", false),
		NotifyResendAfter: config.GetDurationEnv("NOTIFY_RESEND_AFTER", 5*time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults. A zero CleanupDelay
// means cleanup starts as soon as a job finishes.
func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 24 * time.Hour
	}
	if c.CleanupDelay < 0 {
		c.CleanupDelay = 0
	}
	if c.CleanupMaxAttempts <= 0 {
		c.CleanupMaxAttempts = 5
	}
	if c.CleanupRetry.Initial <= 0 {
		c.CleanupRetry.Initial = time.Minute
	}
	if c.CleanupRetry.Max <= 0 {
		c.CleanupRetry.Max = time.Hour
	}
	if c.NotifyResendAfter <= 0 {
		c.NotifyResendAfter = 5 * time.Minute
	}
	return c
}
