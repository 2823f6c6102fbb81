// jobs-service runs the genomic job orchestrator: it accepts job requests,
// provisions and tears down their infrastructure, and reports their progress.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"pgsorchestrator/internal/api"
	"pgsorchestrator/internal/bus"
	"pgsorchestrator/internal/config"
	"pgsorchestrator/internal/health"
	"pgsorchestrator/internal/job"
	"pgsorchestrator/internal/monitor"
	"pgsorchestrator/internal/notify"
	"pgsorchestrator/internal/observability"
	"pgsorchestrator/internal/poller"
	"pgsorchestrator/internal/resources"
	"pgsorchestrator/internal/resources/docker"
	"pgsorchestrator/internal/resources/k8s"
	"pgsorchestrator/internal/resources/s3"
	"pgsorchestrator/internal/store"
	"pgsorchestrator/internal/store/postgres"
	"pgsorchestrator/internal/supervisor"
	"sync"
	"syscall"
	"time"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	svcCfg, err := config.LoadServiceConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(svcCfg.NewLogger())

	if err := run(svcCfg); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(svcCfg *config.ServiceConfig) error {
	ctx := context.Background()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Job record store
	jobStore, closeStore, err := openStore(ctx, svcCfg.StoreBackend)
	if err != nil {
		return err
	}
	defer closeStore()

	// Resource Manager over object storage and the cluster
	buckets, err := s3.New(s3.LoadConfigFromEnv())
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	workloads, closeWorkloads, err := openWorkloads(svcCfg.WorkloadBackend)
	if err != nil {
		return err
	}
	defer closeWorkloads()
	manager := resources.NewManager(buckets, workloads, resources.LoadConfigFromEnv(), metrics)
	resCfg := manager.Config()
	slog.Info("Resource manager ready", "namespace", resCfg.Namespace, "workloads", svcCfg.WorkloadBackend)

	// Notifier
	notifyCfg := notify.LoadConfigFromEnv()
	publisher, closePublisher, err := notify.NewPublisher(notifyCfg)
	if err != nil {
		return fmt.Errorf("create notification publisher: %w", err)
	}
	defer closePublisher()
	notifier := notify.New(notifyCfg, publisher, metrics)

	// Job Supervisor, rebuilt from the store before anything can signal it
	sup := supervisor.New(supervisor.LoadConfigFromEnv(), job.Deps{
		Store:     jobStore,
		Resources: manager,
		Notifier:  notifier,
		Metrics:   metrics,
	})
	notifier.OnDelivered(sup.Acknowledge)
	if err := sup.Recover(ctx); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	// Status Poller over the transfer workload and the monitoring service
	seqera := monitor.NewSeqera(monitor.LoadSeqeraConfigFromEnv(), resCfg.RunName)
	statusPoller := poller.New(poller.LoadConfigFromEnv(), sup, &monitor.Router{
		Transfer: monitor.NewWorkload(manager),
		Workflow: seqera,
	}, metrics)

	// Create health checker
	healthChecker := health.NewChecker()
	healthChecker.Register("store", jobStore, true)
	healthChecker.Register("storage", buckets, true)
	healthChecker.Register("cluster", workloads, true)
	healthChecker.Register("seqera", seqera, false)

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Jobs:          sup,
		Metrics:       metrics,
		HealthChecker: healthChecker,
		RunName:       resCfg.JobIDFromRunName,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// Background loops: sweep, poll and request consumption
	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		sup.Run(bgCtx)
	}()
	go func() {
		defer wg.Done()
		statusPoller.Run(bgCtx)
	}()

	var consumer *bus.Consumer
	if svcCfg.ConsumeRequests {
		consumer, err = bus.Connect(bus.LoadConfigFromEnv(), sup)
		if err != nil {
			stopBackground()
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Run(bgCtx)
		}()
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 2)

	go func() {
		slog.Info("Starting API server", "port", svcCfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		slog.Error("Server failed to start", "error", runErr)
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if runErr == nil && svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Stop accepting requests and finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdown(svcCfg.ShutdownTimeout)

	// Phase 3: Stop consuming, sweeping and polling
	stopBackground()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			slog.Warn("Request consumer shutdown error", "error", err)
		}
	}
	wg.Wait()

	// Phase 4: Let in-flight transitions commit, then drain notifications
	supCtx, supCancel := context.WithTimeout(context.Background(), svcCfg.ShutdownTimeout)
	defer supCancel()
	if err := sup.Close(supCtx); err != nil {
		slog.Warn("Supervisor shutdown error", "error", err)
	}

	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer notifyCancel()
	if err := notifier.Close(notifyCtx); err != nil {
		slog.Warn("Notifier shutdown error", "error", err)
	}

	stats := notifier.Stats()
	slog.Info("Notifier stats",
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"rejected", stats.Rejected,
		"dropped", stats.Dropped,
	)

	// Workloads keep running on the cluster; the next start recovers them from the store.
	slog.Info("Shutdown complete")
	return runErr
}

// openStore returns the configured job store and its close function.
func openStore(ctx context.Context, backend string) (job.Store, func(), error) {
	if backend == "memory" {
		slog.Warn("Using in-memory job store; jobs are lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := postgres.Connect(ctx, postgres.LoadConfigFromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("connect job store: %w", err)
	}
	slog.Info("Connected to job store")
	return pg, pg.Close, nil
}

// openWorkloads returns the configured cluster backend and its close function.
func openWorkloads(backend string) (resources.Workloads, func(), error) {
	if backend == "docker" {
		w, err := docker.New(docker.LoadConfigFromEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("connect docker: %w", err)
		}
		slog.Info("Connected to Docker daemon")
		return w, func() { _ = w.Close() }, nil
	}
	w, err := k8s.New(k8s.LoadConfigFromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("connect kubernetes: %w", err)
	}
	slog.Info("Connected to Kubernetes")
	return w, func() {}, nil
}
