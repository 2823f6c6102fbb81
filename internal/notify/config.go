package notify

import (
	"pgsorchestrator/internal/config"
	"pgsorchestrator/pkg/retry"
	"time"
)

// Config holds configuration for the notifier.
type Config struct {
	Source     string        // CloudEvent source attribute
	BufferSize int           // pending notifications buffer (default: 1000)
	Workers    int           // concurrent delivery goroutines (default: 4)
	Timeout    time.Duration // per-delivery timeout including retries (default: 30s)
	Retry      retry.Policy  // per-delivery retries

	BreakerThreshold int
	BreakerCooldown  time.Duration // also the wait before a failed delivery is requeued

	// Publisher selection.
	Backend      string   // "kafka", "http" or "log"
	KafkaBrokers []string // used when Backend is "kafka"
	KafkaTopic   string
	WebhookURL   string // used when Backend is "http"
	WebhookKey   string // HMAC signing key, optional
}

// LoadConfigFromEnv loads notifier configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Source:     config.GetEnv("NOTIFY_SOURCE", "pgs-orchestrator"),
		BufferSize: config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:    config.GetIntEnv("NOTIFY_WORKERS", 4),
		Timeout:    config.GetDurationEnv("NOTIFY_TIMEOUT", 30*time.Second),
		Retry: retry.Policy{
			MaxRetries: config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
			Initial:    config.GetDurationEnv("NOTIFY_RETRY_INITIAL", 100*time.Millisecond),
			Max:        config.GetDurationEnv("NOTIFY_RETRY_MAX", 5*time.Second),
		},
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
		Backend:          config.GetEnv("NOTIFY_BACKEND", "kafka"),
		KafkaTopic:       config.GetEnv("NOTIFY_TOPIC", "pipeline-notify"),
		WebhookURL:       config.GetEnv("NOTIFY_WEBHOOK_URL", ""),
		WebhookKey:       config.GetSecretEnv("NOTIFY_WEBHOOK_KEY", "NOTIFY_WEBHOOK_KEY_FILE"),
		KafkaBrokers:     config.GetListEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "pgs-orchestrator"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
