package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/observability"
	"pgsorchestrator/pkg/circuitbreaker"
	"pgsorchestrator/pkg/retry"
	"sync"
	"time"
)

const (
	backendStorage = "storage"
	backendCluster = "cluster"
)

// Manager creates and destroys the infrastructure of a job. Every backend
// call is retried on transient errors and guarded by a per-backend breaker.
type Manager struct {
	buckets   BucketStore
	workloads Workloads
	config    Config
	breakers  *circuitbreaker.Registry
	metrics   *observability.Metrics
	logger    *slog.Logger
}

var _ job.Resources = (*Manager)(nil)

// NewManager creates a Manager over the given backends.
func NewManager(buckets BucketStore, workloads Workloads, cfg Config, metrics *observability.Metrics) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		buckets:   buckets,
		workloads: workloads,
		config:    cfg,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
			IsFailure: apperrors.IsTransient,
		}),
		metrics: metrics,
		logger:  slog.With("component", "resources"),
	}
}

// Config returns the configuration in use.
func (m *Manager) Config() Config {
	return m.config
}

// CreateStaging creates both buckets and installs the transfer workload.
func (m *Manager) CreateStaging(ctx context.Context, j *job.Job) error {
	man, err := manifestOf(j)
	if err != nil {
		return err
	}
	spec, err := m.config.transferSpec(j, man)
	if err != nil {
		return err
	}

	b := m.config.BucketsFor(j.ID)
	for _, name := range []string{b.Work, b.Results} {
		err := m.call(ctx, backendStorage, "ensure_bucket", func(ctx context.Context) error {
			return m.buckets.EnsureBucket(ctx, name)
		})
		if err != nil {
			return fmt.Errorf("bucket %s: %w", name, err)
		}
	}

	if err := m.call(ctx, backendCluster, "install", func(ctx context.Context) error {
		return m.workloads.Install(ctx, spec)
	}); err != nil {
		return fmt.Errorf("workload %s: %w", spec.Name, err)
	}

	m.logger.Info("Staging created", "jobId", j.ID, "work", b.Work, "results", b.Results)
	return nil
}

// CreateCompute installs the workflow launcher. Only called once staging completed.
func (m *Manager) CreateCompute(ctx context.Context, j *job.Job) error {
	man, err := manifestOf(j)
	if err != nil {
		return err
	}
	spec, err := m.config.computeSpec(j, man)
	if err != nil {
		return err
	}
	if err := m.call(ctx, backendCluster, "install", func(ctx context.Context) error {
		return m.workloads.Install(ctx, spec)
	}); err != nil {
		return fmt.Errorf("workload %s: %w", spec.Name, err)
	}
	m.logger.Info("Compute created", "jobId", j.ID, "workload", spec.Name)
	return nil
}

// Destroy removes storage and cluster resources of a job. Both classes are
// attempted even when one fails; missing resources count as removed.
func (m *Manager) Destroy(ctx context.Context, j *job.Job) error {
	b := m.config.BucketsFor(j.ID)

	var (
		wg                     sync.WaitGroup
		storageErr, clusterErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var errs []error
		for _, name := range []string{b.Work, b.Results} {
			err := m.call(ctx, backendStorage, "remove_bucket", func(ctx context.Context) error {
				return m.buckets.RemoveBucket(ctx, name)
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("bucket %s: %w", name, err))
			}
		}
		storageErr = errors.Join(errs...)
	}()
	go func() {
		defer wg.Done()
		clusterErr = m.call(ctx, backendCluster, "uninstall", func(ctx context.Context) error {
			return m.workloads.Uninstall(ctx, j.ID)
		})
		if clusterErr != nil {
			clusterErr = fmt.Errorf("workloads: %w", clusterErr)
		}
	}()
	wg.Wait()

	if err := errors.Join(storageErr, clusterErr); err != nil {
		m.logger.Warn("Destroy incomplete", "jobId", j.ID, "error", err)
		return err
	}
	m.logger.Info("Resources destroyed", "jobId", j.ID)
	return nil
}

// ResultLocation is where the workflow writes its results.
func (m *Manager) ResultLocation(jobID string) string {
	return fmt.Sprintf("s3://%s/results", m.config.BucketsFor(jobID).Results)
}

// TransferStatus reports the state of the job's transfer workload.
func (m *Manager) TransferStatus(ctx context.Context, jobID string) (WorkloadStatus, error) {
	var status WorkloadStatus
	err := m.call(ctx, backendCluster, "status", func(ctx context.Context) error {
		s, err := m.workloads.Status(ctx, WorkloadName(jobID, KindTransfer))
		status = s
		return err
	})
	return status, err
}

// Ping checks both backends.
func (m *Manager) Ping(ctx context.Context) error {
	return errors.Join(m.buckets.Ping(ctx), m.workloads.Ping(ctx))
}

// BreakerStats exposes the state of the per-backend breakers.
func (m *Manager) BreakerStats() circuitbreaker.Stats {
	return m.breakers.Stats()
}

// call runs fn through the backend's breaker under the retry policy.
// Unclassified errors are treated as transient.
func (m *Manager) call(ctx context.Context, backend, op string, fn func(context.Context) error) error {
	retryable := func(err error) bool {
		if ctx.Err() != nil {
			return false
		}
		return !errors.Is(err, apperrors.ErrPermanent)
	}
	onRetry := func(attempt int, err error, wait time.Duration) {
		m.metrics.RecordInfraRetry(ctx, backend, op)
		m.logger.Warn("Retrying backend call", "backend", backend, "op", op,
			"attempt", attempt, "wait", wait, "error", err)
	}
	return retry.Do(ctx, m.config.Retry, retryable, onRetry, func(ctx context.Context) error {
		start := time.Now()
		err := m.breakers.Execute(backend, func() error {
			err := fn(ctx)
			if err != nil && !errors.Is(err, apperrors.ErrPermanent) && !errors.Is(err, apperrors.ErrTransient) {
				err = apperrors.Transient(backend+"."+op, err)
			}
			return err
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = apperrors.Transient(backend+"."+op, err)
		}
		m.metrics.RecordInfraCall(ctx, backend, op, err == nil, time.Since(start).Seconds())
		return err
	})
}
