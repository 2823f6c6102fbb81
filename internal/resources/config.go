package resources

import (
	"pgsorchestrator/internal/config"
	"pgsorchestrator/pkg/retry"
	"time"
)

// Config holds configuration for the Resource Manager.
type Config struct {
	Namespace    string // deployment namespace (dev, test, prod); prefixes run names
	BucketPrefix string // bucket names are {prefix}-{jobid}-work and -results
	Region       string

	TransferImage  string
	TransferCPU    string
	TransferMemory string
	ComputeImage   string
	ComputeCPU     string
	ComputeMemory  string

	WorkflowRepo     string // workflow launched by the compute workload
	WorkflowRevision string
	ServiceAccount   string
	WorkloadDeadline time.Duration // hard limit on a single workload's runtime

	Retry retry.Policy // per-call retries of transient backend errors

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadConfigFromEnv loads Resource Manager configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Namespace:        config.GetEnv("NAMESPACE", "dev"),
		BucketPrefix:     config.GetEnv("BUCKET_PREFIX", "pgs"),
		Region:           config.GetEnv("STORAGE_REGION", "europe-west2"),
		TransferImage:    config.GetEnv("TRANSFER_IMAGE", "ghcr.io/ebi-gdp/globus-file-handler-cli:latest"),
		TransferCPU:      config.GetEnv("TRANSFER_CPU", "1"),
		TransferMemory:   config.GetEnv("TRANSFER_MEMORY", "2Gi"),
		ComputeImage:     config.GetEnv("COMPUTE_IMAGE", "nextflow/nextflow:24.04.4"),
		ComputeCPU:       config.GetEnv("COMPUTE_CPU", "2"),
		ComputeMemory:    config.GetEnv("COMPUTE_MEMORY", "8Gi"),
		WorkflowRepo:     config.GetEnv("WORKFLOW_REPO", "pgscatalog/pgsc_calc"),
		WorkflowRevision: config.GetEnv("WORKFLOW_REVISION", "v2.0.0"),
		ServiceAccount:   config.GetEnv("WORKLOAD_SERVICE_ACCOUNT", ""),
		WorkloadDeadline: config.GetDurationEnv("WORKLOAD_DEADLINE", 24*time.Hour),
		Retry: retry.Policy{
			MaxRetries: config.GetIntEnv("RESOURCE_MAX_RETRIES", 4),
			Initial:    config.GetDurationEnv("RESOURCE_RETRY_INITIAL", time.Second),
			Max:        config.GetDurationEnv("RESOURCE_RETRY_MAX", 30*time.Second),
		},
		BreakerThreshold: config.GetIntEnv("RESOURCE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("RESOURCE_BREAKER_COOLDOWN", time.Minute),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "dev"
	}
	if c.BucketPrefix == "" {
		c.BucketPrefix = "pgs"
	}
	if c.TransferCPU == "" {
		c.TransferCPU = "1"
	}
	if c.TransferMemory == "" {
		c.TransferMemory = "2Gi"
	}
	if c.ComputeCPU == "" {
		c.ComputeCPU = "2"
	}
	if c.ComputeMemory == "" {
		c.ComputeMemory = "8Gi"
	}
	if c.WorkloadDeadline <= 0 {
		c.WorkloadDeadline = 24 * time.Hour
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}
