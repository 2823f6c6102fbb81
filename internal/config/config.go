// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ServiceConfig holds process-level configuration for the orchestrator.
// Component settings are loaded by each package's LoadConfigFromEnv.
type ServiceConfig struct {
	Environment       string        `envconfig:"ENVIRONMENT" default:"production"`
	Port              string        `envconfig:"PORT" default:"8080"`
	MetricsPort       string        `envconfig:"METRICS_PORT" default:"9090"`
	APIKeyFile        string        `envconfig:"API_KEY_FILE"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"json"`
	StoreBackend      string        `envconfig:"STORE_BACKEND" default:"postgres"`
	WorkloadBackend   string        `envconfig:"WORKLOAD_BACKEND" default:"kubernetes"`
	ConsumeRequests   bool          `envconfig:"CONSUME_REQUESTS" default:"true"`
	ShutdownDrainWait time.Duration `envconfig:"SHUTDOWN_DRAIN_WAIT" default:"5s"` // Time to wait for load balancer to drain (0 to skip)
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	APIKey string `ignored:"true"`
}

// IsDevelopment reports whether ENVIRONMENT is development.
func IsDevelopment() bool {
	return os.Getenv("ENVIRONMENT") == "development"
}

// LoadServiceConfig loads service configuration from environment variables.
// In development a .env file in the working directory is loaded first.
func LoadServiceConfig() (*ServiceConfig, error) {
	if IsDevelopment() {
		if err := godotenv.Load(); err != nil {
			slog.Info("No .env file found")
		} else {
			slog.Info("Loaded .env file")
		}
	}

	var cfg ServiceConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)
	return &cfg, nil
}

func (c *ServiceConfig) validate() error {
	var errs []string
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err.Error())
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be json or text, got %q", c.LogFormat))
	}
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend))
	}
	switch c.WorkloadBackend {
	case "kubernetes", "docker":
	default:
		errs = append(errs, fmt.Sprintf("WORKLOAD_BACKEND must be kubernetes or docker, got %q", c.WorkloadBackend))
	}
	if c.StoreBackend == "memory" && c.Environment == "production" {
		errs = append(errs, "STORE_BACKEND=memory is not allowed in production")
	}
	if len(errs) > 0 {
		return fmt.Errorf("environment validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *ServiceConfig) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
